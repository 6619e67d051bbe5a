package domain

import (
	"fmt"
	"time"
)

// ServiceStatus is the health state of a registered service or resource
type ServiceStatus string

const (
	StatusActive  ServiceStatus = "active"
	StatusWarning ServiceStatus = "warning"
	StatusError   ServiceStatus = "error"
)

// Statuses returns every valid status value
func Statuses() []ServiceStatus {
	return []ServiceStatus{StatusActive, StatusWarning, StatusError}
}

// String returns the string representation of the status
func (s ServiceStatus) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known status values
func (s ServiceStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusWarning, StatusError:
		return true
	default:
		return false
	}
}

// ParseServiceStatus converts a string to a ServiceStatus
func ParseServiceStatus(s string) (ServiceStatus, error) {
	status := ServiceStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown service status %q", s)
	}
	return status, nil
}

// UnmarshalText rejects unknown statuses when decoding relay state
func (s *ServiceStatus) UnmarshalText(text []byte) error {
	status, err := ParseServiceStatus(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// ServiceInfo describes one registered upstream service
type ServiceInfo struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   ServiceStatus `json:"status"`
	LastSeen time.Time     `json:"lastSeen"`
}

// DatabaseInfo describes one registered data store
type DatabaseInfo struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Status   ServiceStatus `json:"status"`
	Type     string        `json:"type"`
	LastSeen time.Time     `json:"lastSeen"`
}

// BusStatus describes the streaming bus connection
type BusStatus struct {
	Status  ServiceStatus `json:"status"`
	Brokers int           `json:"brokers"`
	Topics  int           `json:"topics"`
}

// TransactionMetrics aggregates transaction envelopes
type TransactionMetrics struct {
	Count  int64   `json:"count"`
	Rate   float64 `json:"rate"`
	Amount float64 `json:"amount"`
	Items  int64   `json:"items"`
}

// InventoryMetrics aggregates inventory envelopes. Count is a gauge written by
// the refresh path.
type InventoryMetrics struct {
	Count    int64 `json:"count"`
	Updates  int64 `json:"updates"`
	LowStock int64 `json:"lowStock"`
}

// CustomerMetrics aggregates customer envelopes. Active is a gauge written by
// the refresh path.
type CustomerMetrics struct {
	Count  int64 `json:"count"`
	Active int64 `json:"active"`
}

// Metrics is the derived per-category state
type Metrics struct {
	Transactions TransactionMetrics `json:"transactions"`
	Inventory    InventoryMetrics   `json:"inventory"`
	Customers    CustomerMetrics    `json:"customers"`
}

// SystemState is the registry-plus-metrics snapshot sent to observers
type SystemState struct {
	Services    []ServiceInfo  `json:"services"`
	Databases   []DatabaseInfo `json:"databases"`
	KafkaStatus BusStatus      `json:"kafkaStatus"`
	Metrics     Metrics        `json:"metrics"`
}
