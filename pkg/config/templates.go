package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/retailshift/relay/pkg/health"
	"github.com/retailshift/relay/pkg/relay"
)

// Template is a named starting configuration for 'config init'
type Template struct {
	Name        string
	Description string
	Build       func() *Config
}

// Templates returns every available template keyed by name
func Templates() map[string]Template {
	return map[string]Template{
		"default": {
			Name:        "default",
			Description: "Kafka on localhost with synthetic fallback",
			Build: func() *Config {
				c := DefaultConfig()
				c.Source.Brokers = []string{"localhost:9092"}
				return c
			},
		},
		"demo": {
			Name:        "demo",
			Description: "Synthetic events only, no external services",
			Build: func() *Config {
				c := DefaultConfig()
				c.Source.ForceSynthetic = true
				c.Log.Development = true
				c.Log.Level = "debug"
				return c
			},
		},
		"production": {
			Name:        "production",
			Description: "Kafka cluster, Redis gauges, live probes and tracing",
			Build: func() *Config {
				c := DefaultConfig()
				c.Source.Brokers = []string{"kafka-0:9092", "kafka-1:9092", "kafka-2:9092"}
				c.Relay.RatePolicy = relay.RatePolicyWindowed
				c.Relay.PerturbProbability = 0
				c.Relay.GaugeSource = relay.GaugeSourceRedis
				c.Redis.Addr = "redis:6379"
				c.Health.ProbeInterval = 10 * time.Second
				c.Health.Probes = []health.ProbeSpec{
					{ID: "redis-1", Kind: health.ProbeKindRedis, Target: "redis:6379"},
					{ID: "mongodb-1", Kind: health.ProbeKindMongo, Target: "mongodb://mongodb:27017"},
					{ID: "postgres-1", Kind: health.ProbeKindPostgres, Target: "postgres://retail@legacy-pos:5432/pos?sslmode=disable"},
					{ID: "inventory-service-1", Kind: health.ProbeKindHTTP, Target: "http://inventory-service:8080/health"},
				}
				c.Telemetry.OTLPEndpoint = "otel-collector:4317"
				return c
			},
		},
	}
}

// TemplateNames returns the sorted template names
func TemplateNames() []string {
	names := make([]string, 0, len(Templates()))
	for name := range Templates() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromTemplate builds the named template
func FromTemplate(name string) (*Config, error) {
	t, ok := Templates()[name]
	if !ok {
		return nil, ValidationError{
			Field:       "template",
			Message:     fmt.Sprintf("unknown template %q", name),
			ValidValues: TemplateNames(),
		}
	}
	return t.Build(), nil
}
