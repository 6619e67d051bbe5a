// Package health tracks the status of the upstream services and data stores
// shown on the dashboard, and provides the synthetic and real signals that
// change it.
package health

import (
	"errors"
	"fmt"
	"time"

	"github.com/retailshift/relay/pkg/domain"
)

// ErrUnknownService is returned for updates naming an unregistered id
var ErrUnknownService = errors.New("unknown service")

// Update is a status observation for one registered id
type Update struct {
	ID     string
	Status domain.ServiceStatus
	At     time.Time
}

// ServiceSeed and DatabaseSeed describe the fixed entries of a registry
type ServiceSeed struct {
	ID     string
	Name   string
	Status domain.ServiceStatus
}

type DatabaseSeed struct {
	ID     string
	Name   string
	Type   string
	Status domain.ServiceStatus
}

// Seed is the full, fixed membership of a registry
type Seed struct {
	Services  []ServiceSeed
	Databases []DatabaseSeed
	Bus       domain.BusStatus
}

// DefaultSeed returns the services and data stores of the RetailShift stack
func DefaultSeed() Seed {
	return Seed{
		Services: []ServiceSeed{
			{ID: "legacy-adapter-1", Name: "Legacy Adapter", Status: domain.StatusActive},
			{ID: "inventory-service-1", Name: "Inventory Service", Status: domain.StatusActive},
			{ID: "transaction-service-1", Name: "Transaction Service", Status: domain.StatusWarning},
			{ID: "customer-service-1", Name: "Customer Service", Status: domain.StatusActive},
			{ID: "analytics-service-1", Name: "Analytics Service", Status: domain.StatusActive},
		},
		Databases: []DatabaseSeed{
			{ID: "mongodb-1", Name: "MongoDB Primary", Type: "mongodb", Status: domain.StatusActive},
			{ID: "postgres-1", Name: "Legacy PostgreSQL", Type: "postgres", Status: domain.StatusActive},
			{ID: "redis-1", Name: "Redis Cache", Type: "redis", Status: domain.StatusActive},
		},
		Bus: domain.BusStatus{Status: domain.StatusActive, Brokers: 1, Topics: len(domain.Topics())},
	}
}

type entryKind int

const (
	kindService entryKind = iota
	kindDatabase
)

type entryRef struct {
	kind  entryKind
	index int
}

// Registry is the table of registered services and data stores. Membership
// is fixed at construction; only status and last-seen change afterwards.
//
// Registry is not safe for concurrent use. The relay serializes access.
type Registry struct {
	services  []domain.ServiceInfo
	databases []domain.DatabaseInfo
	bus       domain.BusStatus
	index     map[string]entryRef
}

// NewRegistry creates a registry from seed, stamping every entry with now
func NewRegistry(seed Seed, now time.Time) (*Registry, error) {
	r := &Registry{
		services:  make([]domain.ServiceInfo, 0, len(seed.Services)),
		databases: make([]domain.DatabaseInfo, 0, len(seed.Databases)),
		bus:       seed.Bus,
		index:     make(map[string]entryRef, len(seed.Services)+len(seed.Databases)),
	}

	for _, s := range seed.Services {
		if err := r.claim(s.ID, s.Status, entryRef{kind: kindService, index: len(r.services)}); err != nil {
			return nil, err
		}
		r.services = append(r.services, domain.ServiceInfo{
			ID:       s.ID,
			Name:     s.Name,
			Status:   s.Status,
			LastSeen: now,
		})
	}
	for _, d := range seed.Databases {
		if err := r.claim(d.ID, d.Status, entryRef{kind: kindDatabase, index: len(r.databases)}); err != nil {
			return nil, err
		}
		r.databases = append(r.databases, domain.DatabaseInfo{
			ID:       d.ID,
			Name:     d.Name,
			Type:     d.Type,
			Status:   d.Status,
			LastSeen: now,
		})
	}

	return r, nil
}

func (r *Registry) claim(id string, status domain.ServiceStatus, ref entryRef) error {
	if id == "" {
		return fmt.Errorf("registry entry with empty id")
	}
	if !status.IsValid() {
		return fmt.Errorf("registry entry %s: invalid status %q", id, status)
	}
	if _, exists := r.index[id]; exists {
		return fmt.Errorf("duplicate registry entry %s", id)
	}
	r.index[id] = ref
	return nil
}

// Apply records an observation. It returns whether the status value changed;
// the last-seen time is refreshed either way.
func (r *Registry) Apply(u Update) (bool, error) {
	if !u.Status.IsValid() {
		return false, fmt.Errorf("update for %s: invalid status %q", u.ID, u.Status)
	}
	ref, ok := r.index[u.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownService, u.ID)
	}

	switch ref.kind {
	case kindService:
		entry := &r.services[ref.index]
		changed := entry.Status != u.Status
		entry.Status = u.Status
		entry.LastSeen = u.At
		return changed, nil
	default:
		entry := &r.databases[ref.index]
		changed := entry.Status != u.Status
		entry.Status = u.Status
		entry.LastSeen = u.At
		return changed, nil
	}
}

// SetBusStatus records the streaming bus connection state
func (r *Registry) SetBusStatus(status domain.ServiceStatus, brokers int) {
	r.bus.Status = status
	if brokers > 0 {
		r.bus.Brokers = brokers
	}
}

// ServiceIDs returns the ids of registered services in seed order
func (r *Registry) ServiceIDs() []string {
	ids := make([]string, len(r.services))
	for i, s := range r.services {
		ids[i] = s.ID
	}
	return ids
}

// IDs returns every registered id, services first
func (r *Registry) IDs() []string {
	ids := r.ServiceIDs()
	for _, d := range r.databases {
		ids = append(ids, d.ID)
	}
	return ids
}

// Has reports whether id is registered
func (r *Registry) Has(id string) bool {
	_, ok := r.index[id]
	return ok
}

// Status returns the current status of id
func (r *Registry) Status(id string) (domain.ServiceStatus, bool) {
	ref, ok := r.index[id]
	if !ok {
		return "", false
	}
	if ref.kind == kindService {
		return r.services[ref.index].Status, true
	}
	return r.databases[ref.index].Status, true
}

// Services returns a copy of the service entries
func (r *Registry) Services() []domain.ServiceInfo {
	out := make([]domain.ServiceInfo, len(r.services))
	copy(out, r.services)
	return out
}

// Databases returns a copy of the data store entries
func (r *Registry) Databases() []domain.DatabaseInfo {
	out := make([]domain.DatabaseInfo, len(r.databases))
	copy(out, r.databases)
	return out
}

// Bus returns the streaming bus status
func (r *Registry) Bus() domain.BusStatus {
	return r.bus
}
