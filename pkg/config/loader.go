package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every namespaced environment variable
const EnvPrefix = "RETAILSHIFT"

// ConfigName is the base name searched for in each search path
const ConfigName = "retailshift-relay"

// legacyEnv maps the deployment's historical variable names to keys. They
// are read alongside the RETAILSHIFT_ names.
var legacyEnv = map[string]string{
	"server.port":            "PORT",
	"source.brokers":         "KAFKA_BOOTSTRAP_SERVERS",
	"source.consumer_group":  "KAFKA_CONSUMER_GROUP",
	"source.force_synthetic": "MOCK_DATA",
}

// Loader handles configuration loading from defaults, a file and the
// environment, in that order of precedence
type Loader struct {
	v           *viper.Viper
	searchPaths []string
	configFile  string
}

// NewLoader creates a loader backed by a fresh viper instance
func NewLoader() *Loader {
	return NewLoaderWithViper(viper.New())
}

// NewLoaderWithViper creates a loader on top of v, so that flags bound to v
// take part in resolution
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:           v,
		searchPaths: DefaultSearchPaths(),
	}
}

// WithSearchPaths sets custom search paths for configuration files
func (l *Loader) WithSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// WithConfigFile sets a specific configuration file to load
func (l *Loader) WithConfigFile(file string) *Loader {
	l.configFile = file
	return l
}

// Load resolves and validates the configuration
func (l *Loader) Load() (*Config, error) {
	if err := l.prepare(); err != nil {
		return nil, err
	}

	if err := l.readFile(); err != nil {
		return nil, err
	}

	config := &Config{}
	if err := l.v.Unmarshal(config); err != nil {
		return nil, ConfigError{
			File:       l.v.ConfigFileUsed(),
			Message:    fmt.Sprintf("failed to decode configuration: %v", err),
			Suggestion: "check value types, durations use forms like 5s",
			Cause:      err,
		}
	}
	config.Source.Brokers = splitList(config.Source.Brokers)
	config.Server.AllowedOrigins = splitList(config.Server.AllowedOrigins)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ConfigFileUsed returns the file that was read, if any
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) prepare() error {
	setDefaults(l.v, DefaultConfig())

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		namespaced := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := l.v.BindEnv(key, namespaced, legacy); err != nil {
			return ConfigError{Message: fmt.Sprintf("failed to bind %s: %v", legacy, err), Cause: err}
		}
	}
	return nil
}

func (l *Loader) readFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(ConfigName)
		l.v.SetConfigType("yaml")
		for _, p := range l.searchPaths {
			l.v.AddConfigPath(p)
		}
	}

	err := l.v.ReadInConfig()
	if err == nil {
		return nil
	}

	// a searched file is optional
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}

	return ConfigError{
		File:       l.configFile,
		Message:    fmt.Sprintf("failed to read config file: %v", err),
		Suggestion: "check the YAML syntax",
		Cause:      err,
	}
}

// setDefaults registers every leaf of defaults with v. Keys must be known to
// viper for AutomaticEnv to reach them during Unmarshal.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.allowed_origins", c.Server.AllowedOrigins)

	v.SetDefault("source.kind", c.Source.Kind)
	v.SetDefault("source.brokers", c.Source.Brokers)
	v.SetDefault("source.consumer_group", c.Source.ConsumerGroup)
	v.SetDefault("source.client_id", c.Source.ClientID)
	v.SetDefault("source.force_synthetic", c.Source.ForceSynthetic)
	v.SetDefault("source.synthetic_interval", c.Source.SyntheticInterval)
	v.SetDefault("source.connect_timeout", c.Source.ConnectTimeout)

	v.SetDefault("relay.log_capacity", c.Relay.LogCapacity)
	v.SetDefault("relay.rate_policy", c.Relay.RatePolicy)
	v.SetDefault("relay.rate_window", c.Relay.RateWindow)
	v.SetDefault("relay.perturb_probability", c.Relay.PerturbProbability)
	v.SetDefault("relay.gauge_interval", c.Relay.GaugeInterval)
	v.SetDefault("relay.gauge_source", c.Relay.GaugeSource)
	v.SetDefault("relay.low_stock_threshold", c.Relay.LowStockThreshold)

	v.SetDefault("redis.addr", c.Redis.Addr)
	v.SetDefault("redis.password", c.Redis.Password)
	v.SetDefault("redis.db", c.Redis.DB)
	v.SetDefault("redis.inventory_key", c.Redis.InventoryKey)
	v.SetDefault("redis.customers_key", c.Redis.CustomersKey)

	v.SetDefault("hub.broadcast_buffer", c.Hub.BroadcastBuffer)
	v.SetDefault("hub.observer_buffer", c.Hub.ObserverBuffer)
	v.SetDefault("hub.write_timeout", c.Hub.WriteTimeout)

	v.SetDefault("health.probe_interval", c.Health.ProbeInterval)
	v.SetDefault("health.probe_timeout", c.Health.ProbeTimeout)
	v.SetDefault("health.slow_threshold", c.Health.SlowThreshold)

	v.SetDefault("topology.file", c.Topology.File)

	v.SetDefault("telemetry.otlp_endpoint", c.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.service_name", c.Telemetry.ServiceName)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.development", c.Log.Development)
}

// splitList flattens comma separated entries, which is how list values
// arrive from the environment
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// DefaultSearchPaths returns the directories searched for a config file
func DefaultSearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "retailshift"))
	}
	return append(paths, "/etc/retailshift")
}

// Marshal renders c as YAML, the format read by Load
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteFile writes c to path, refusing to overwrite an existing file
func (c *Config) WriteFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return ConfigError{File: path, Message: "file already exists", Suggestion: "remove it or choose another path"}
	}
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
