// Package config loads the relay configuration from defaults, an optional
// YAML file and the environment.
package config

import (
	"fmt"
	"time"

	"github.com/retailshift/relay/pkg/domain"
	"github.com/retailshift/relay/pkg/health"
	"github.com/retailshift/relay/pkg/relay"
	"github.com/retailshift/relay/pkg/sources"
	"go.uber.org/zap/zapcore"
)

// Config is the full relay configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Source    SourceConfig    `mapstructure:"source" yaml:"source"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Hub       HubConfig       `mapstructure:"hub" yaml:"hub"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Topology  TopologyConfig  `mapstructure:"topology" yaml:"topology"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// SourceConfig configures ingestion. For NATS the brokers are server URLs.
type SourceConfig struct {
	Kind              string        `mapstructure:"kind" yaml:"kind"`
	Brokers           []string      `mapstructure:"brokers" yaml:"brokers"`
	ConsumerGroup     string        `mapstructure:"consumer_group" yaml:"consumer_group"`
	ClientID          string        `mapstructure:"client_id" yaml:"client_id"`
	ForceSynthetic    bool          `mapstructure:"force_synthetic" yaml:"force_synthetic"`
	SyntheticInterval time.Duration `mapstructure:"synthetic_interval" yaml:"synthetic_interval"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// RelayConfig configures the state owner
type RelayConfig struct {
	LogCapacity        int                 `mapstructure:"log_capacity" yaml:"log_capacity"`
	RatePolicy         string              `mapstructure:"rate_policy" yaml:"rate_policy"`
	RateWindow         time.Duration       `mapstructure:"rate_window" yaml:"rate_window"`
	PerturbProbability float64             `mapstructure:"perturb_probability" yaml:"perturb_probability"`
	GaugeInterval      time.Duration       `mapstructure:"gauge_interval" yaml:"gauge_interval"`
	GaugeSource        string              `mapstructure:"gauge_source" yaml:"gauge_source"`
	LowStockThreshold  int                 `mapstructure:"low_stock_threshold" yaml:"low_stock_threshold"`
	Routes             []relay.RoutingRule `mapstructure:"routes" yaml:"routes"`
}

// RedisConfig configures the Redis gauge source
type RedisConfig struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	Password     string `mapstructure:"password" yaml:"password"`
	DB           int    `mapstructure:"db" yaml:"db"`
	InventoryKey string `mapstructure:"inventory_key" yaml:"inventory_key"`
	CustomersKey string `mapstructure:"customers_key" yaml:"customers_key"`
}

// HubConfig configures the broadcast hub
type HubConfig struct {
	BroadcastBuffer int           `mapstructure:"broadcast_buffer" yaml:"broadcast_buffer"`
	ObserverBuffer  int           `mapstructure:"observer_buffer" yaml:"observer_buffer"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// HealthConfig configures liveness probing
type HealthConfig struct {
	ProbeInterval time.Duration      `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  time.Duration      `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	SlowThreshold time.Duration      `mapstructure:"slow_threshold" yaml:"slow_threshold"`
	Probes        []health.ProbeSpec `mapstructure:"probes" yaml:"probes"`
}

// TopologyConfig points at an optional topology file
type TopologyConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// TelemetryConfig configures tracing export
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
}

// LogConfig configures logging
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3001,
			ShutdownTimeout: 10 * time.Second,
		},
		Source: SourceConfig{
			Kind:              string(sources.SourceTypeKafka),
			Brokers:           []string{},
			ConsumerGroup:     sources.DefaultConsumerGroup,
			ClientID:          sources.DefaultClientID,
			SyntheticInterval: sources.DefaultSyntheticInterval,
			ConnectTimeout:    sources.DefaultConnectTimeout,
		},
		Relay: RelayConfig{
			LogCapacity:        relay.DefaultLogCapacity,
			RatePolicy:         relay.RatePolicyRandom,
			RateWindow:         10 * time.Second,
			PerturbProbability: health.DefaultPerturbProbability,
			GaugeInterval:      10 * time.Second,
			GaugeSource:        relay.GaugeSourceSynthetic,
			LowStockThreshold:  relay.DefaultLowStockThreshold,
		},
		Redis: RedisConfig{
			InventoryKey: "retailshift:inventory:count",
			CustomersKey: "retailshift:customers:active",
		},
		Hub: HubConfig{
			BroadcastBuffer: 1024,
			ObserverBuffer:  64,
			WriteTimeout:    5 * time.Second,
		},
		Health: HealthConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  3 * time.Second,
			SlowThreshold: time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "retailshift-relay",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// UseSynthetic reports whether the configuration asks for synthetic data
// without trying a live source
func (c *Config) UseSynthetic() bool {
	return c.Source.ForceSynthetic ||
		c.Source.Kind == string(sources.SourceTypeSynthetic) ||
		len(c.Source.Brokers) == 0
}

// Validate checks the configuration and returns ValidationErrors listing
// every problem found
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs.add(NewValidationError("server.port", "port must be between 1 and 65535",
			"set PORT to a free TCP port, e.g. 3001").WithValue(c.Server.Port))
	}
	positive(&errs, "server.shutdown_timeout", c.Server.ShutdownTimeout)

	if !sources.SourceType(c.Source.Kind).IsValid() {
		errs.add(NewValidationError("source.kind", fmt.Sprintf("unknown source kind %q", c.Source.Kind),
			"use kafka or nats, or set MOCK_DATA=true for synthetic data").
			WithValidValues(string(sources.SourceTypeKafka), string(sources.SourceTypeNATS), string(sources.SourceTypeSynthetic)))
	}
	for i, b := range c.Source.Brokers {
		if b == "" {
			errs.add(NewValidationError(fmt.Sprintf("source.brokers[%d]", i), "broker address is empty",
				"remove empty entries from KAFKA_BOOTSTRAP_SERVERS"))
		}
	}
	positive(&errs, "source.synthetic_interval", c.Source.SyntheticInterval)
	positive(&errs, "source.connect_timeout", c.Source.ConnectTimeout)

	if c.Relay.LogCapacity <= 0 {
		errs.add(NewValidationError("relay.log_capacity", "capacity must be positive",
			fmt.Sprintf("use the default of %d", relay.DefaultLogCapacity)).WithValue(c.Relay.LogCapacity))
	}
	switch c.Relay.RatePolicy {
	case relay.RatePolicyRandom:
	case relay.RatePolicyWindowed:
		positive(&errs, "relay.rate_window", c.Relay.RateWindow)
	default:
		errs.add(NewValidationError("relay.rate_policy", fmt.Sprintf("unknown rate policy %q", c.Relay.RatePolicy), "").
			WithValidValues(relay.RatePolicyRandom, relay.RatePolicyWindowed))
	}
	if c.Relay.PerturbProbability < 0 || c.Relay.PerturbProbability > 1 {
		errs.add(NewValidationError("relay.perturb_probability", "probability must be between 0 and 1", "").
			WithValue(c.Relay.PerturbProbability))
	}
	positive(&errs, "relay.gauge_interval", c.Relay.GaugeInterval)
	switch c.Relay.GaugeSource {
	case relay.GaugeSourceSynthetic:
	case relay.GaugeSourceRedis:
		if c.Redis.Addr == "" {
			errs.add(NewValidationError("redis.addr", "redis gauge source needs an address",
				"set redis.addr, e.g. localhost:6379"))
		}
		if c.Redis.InventoryKey == "" || c.Redis.CustomersKey == "" {
			errs.add(NewValidationError("redis.inventory_key", "both gauge keys are required", ""))
		}
	default:
		errs.add(NewValidationError("relay.gauge_source", fmt.Sprintf("unknown gauge source %q", c.Relay.GaugeSource), "").
			WithValidValues(relay.GaugeSourceSynthetic, relay.GaugeSourceRedis))
	}
	if c.Relay.LowStockThreshold <= 0 {
		errs.add(NewValidationError("relay.low_stock_threshold", "threshold must be positive", "").
			WithValue(c.Relay.LowStockThreshold))
	}
	for i, r := range c.Relay.Routes {
		if r.Match == "" || r.Match == "*" || !r.Category.IsValid() {
			errs.add(NewValidationError(fmt.Sprintf("relay.routes[%d]", i), "route needs a topic or prefix and a known category", "").
				WithValidValues(string(domain.CategoryInventory), string(domain.CategoryTransactions),
					string(domain.CategoryCustomers), string(domain.CategorySystem)))
		}
	}

	if c.Hub.BroadcastBuffer <= 0 {
		errs.add(NewValidationError("hub.broadcast_buffer", "buffer must be positive", "").WithValue(c.Hub.BroadcastBuffer))
	}
	if c.Hub.ObserverBuffer < 2 {
		errs.add(NewValidationError("hub.observer_buffer", "buffer must hold at least the two initial snapshots", "").
			WithValue(c.Hub.ObserverBuffer))
	}
	positive(&errs, "hub.write_timeout", c.Hub.WriteTimeout)

	if len(c.Health.Probes) > 0 {
		positive(&errs, "health.probe_interval", c.Health.ProbeInterval)
		positive(&errs, "health.probe_timeout", c.Health.ProbeTimeout)
	}
	seen := make(map[string]bool)
	for i, p := range c.Health.Probes {
		field := fmt.Sprintf("health.probes[%d]", i)
		switch {
		case p.ID == "":
			errs.add(NewValidationError(field, "probe id is required", "use a registered service id such as redis-1"))
		case seen[p.ID]:
			errs.add(NewValidationError(field, fmt.Sprintf("duplicate probe for %s", p.ID), ""))
		}
		seen[p.ID] = true
		switch p.Kind {
		case health.ProbeKindRedis, health.ProbeKindPostgres, health.ProbeKindMongo, health.ProbeKindTCP, health.ProbeKindHTTP:
		default:
			errs.add(NewValidationError(field, fmt.Sprintf("unknown probe kind %q", p.Kind), "").
				WithValidValues(health.ProbeKindRedis, health.ProbeKindPostgres, health.ProbeKindMongo,
					health.ProbeKindTCP, health.ProbeKindHTTP))
		}
		if p.Target == "" {
			errs.add(NewValidationError(field, "probe target is required", ""))
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs.add(NewValidationError("log.level", err.Error(), "").
			WithValidValues("debug", "info", "warn", "error"))
	}

	if errs.IsEmpty() {
		return nil
	}
	return errs
}

func positive(errs *ValidationErrors, field string, d time.Duration) {
	if d <= 0 {
		errs.add(NewValidationError(field, "duration must be positive", "use a value like 5s").WithValue(d.String()))
	}
}
