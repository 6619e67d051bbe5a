// Package topology describes the static service graph shown on the system
// topology page.
package topology

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Node types
const (
	NodeService    = "service"
	NodeMessageBus = "message-bus"
	NodeDatabase   = "database"
	NodeCache      = "cache"
	NodeClient     = "client"
)

// Node is one box in the graph
type Node struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Link is a weighted edge between two nodes
type Link struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Value  int    `json:"value" yaml:"value"`
}

// Topology is the full graph
type Topology struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Links []Link `json:"links" yaml:"links"`
}

// Default returns the RetailShift service graph
func Default() Topology {
	return Topology{
		Nodes: []Node{
			{ID: "legacy-adapter", Name: "Legacy Adapter", Type: NodeService},
			{ID: "inventory-service", Name: "Inventory Service", Type: NodeService},
			{ID: "transaction-service", Name: "Transaction Service", Type: NodeService},
			{ID: "customer-service", Name: "Customer Service", Type: NodeService},
			{ID: "analytics-service", Name: "Analytics Service", Type: NodeService},
			{ID: "kafka", Name: "Kafka", Type: NodeMessageBus},
			{ID: "mongodb-inventory", Name: "Inventory DB", Type: NodeDatabase},
			{ID: "mongodb-transactions", Name: "Transactions DB", Type: NodeDatabase},
			{ID: "mongodb-customers", Name: "Customers DB", Type: NodeDatabase},
			{ID: "mongodb-analytics", Name: "Analytics DB", Type: NodeDatabase},
			{ID: "redis", Name: "Redis Cache", Type: NodeCache},
			{ID: "legacy-pos", Name: "Legacy POS", Type: NodeDatabase},
			{ID: "mobile-client", Name: "Mobile Client", Type: NodeClient},
			{ID: "web-client", Name: "Web Client", Type: NodeClient},
			{ID: "store-pos", Name: "Store POS", Type: NodeClient},
		},
		Links: []Link{
			{Source: "legacy-adapter", Target: "legacy-pos", Value: 5},
			{Source: "legacy-adapter", Target: "kafka", Value: 8},
			{Source: "kafka", Target: "inventory-service", Value: 5},
			{Source: "kafka", Target: "transaction-service", Value: 5},
			{Source: "kafka", Target: "customer-service", Value: 5},
			{Source: "kafka", Target: "analytics-service", Value: 8},
			{Source: "inventory-service", Target: "mongodb-inventory", Value: 7},
			{Source: "transaction-service", Target: "mongodb-transactions", Value: 7},
			{Source: "customer-service", Target: "mongodb-customers", Value: 7},
			{Source: "analytics-service", Target: "mongodb-analytics", Value: 7},
			{Source: "inventory-service", Target: "redis", Value: 4},
			{Source: "transaction-service", Target: "redis", Value: 4},
			{Source: "customer-service", Target: "redis", Value: 4},
			{Source: "web-client", Target: "inventory-service", Value: 2},
			{Source: "web-client", Target: "transaction-service", Value: 2},
			{Source: "web-client", Target: "customer-service", Value: 2},
			{Source: "mobile-client", Target: "inventory-service", Value: 2},
			{Source: "mobile-client", Target: "transaction-service", Value: 2},
			{Source: "mobile-client", Target: "customer-service", Value: 2},
			{Source: "store-pos", Target: "inventory-service", Value: 2},
			{Source: "store-pos", Target: "transaction-service", Value: 2},
		},
	}
}

// Validate checks that node ids are unique and non-empty and that every
// link joins two existing nodes
func (t Topology) Validate() error {
	var errs []error
	ids := make(map[string]bool, len(t.Nodes))

	for i, n := range t.Nodes {
		switch {
		case n.ID == "":
			errs = append(errs, fmt.Errorf("node %d: id is required", i))
		case ids[n.ID]:
			errs = append(errs, fmt.Errorf("node %s: duplicate id", n.ID))
		}
		ids[n.ID] = true
	}

	for i, l := range t.Links {
		if !ids[l.Source] {
			errs = append(errs, fmt.Errorf("link %d: unknown source %q", i, l.Source))
		}
		if !ids[l.Target] {
			errs = append(errs, fmt.Errorf("link %d: unknown target %q", i, l.Target))
		}
		if l.Value < 0 {
			errs = append(errs, fmt.Errorf("link %d: negative value", i))
		}
	}

	return errors.Join(errs...)
}

// Parse decodes and validates a YAML topology
func Parse(data []byte) (Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Topology{}, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Topology{}, fmt.Errorf("invalid topology: %w", err)
	}
	return t, nil
}

// Load reads a topology file. An empty path returns the default graph.
func Load(path string) (Topology, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("failed to read topology file: %w", err)
	}
	return Parse(data)
}

// Marshal encodes t as YAML
func (t Topology) Marshal() ([]byte, error) {
	return yaml.Marshal(t)
}
