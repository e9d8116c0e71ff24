package cmdutils

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slog"
	"gopkg.in/yaml.v3"

	"github.com/grainkit/grainkit/virtual"
	"github.com/grainkit/grainkit/virtual/reqctx"
)

// ConfigPathEnv is the environment variable that points at an optional YAML config file.
const ConfigPathEnv = "GRAINKIT_CONFIG_PATH"

// Config is the configuration of a grainkit server. Values are resolved in order:
// defaults, the YAML file, GRAINKIT_* environment variables, and finally command line
// flags (bound by the binary on top of the loaded Config).
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Registry    RegistryConfig    `yaml:"registry"`
	Environment EnvironmentConfig `yaml:"environment"`
	Log         LogConfig         `yaml:"log"`
	Internal    InternalConfig    `yaml:"internal"`
}

type ServerConfig struct {
	ID              string        `yaml:"id"`
	Port            int           `yaml:"port"`
	DiscoveryType   string        `yaml:"discovery_type"`
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type RegistryConfig struct {
	// Backend is one of memory, sqlite or dns.
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	DNSHost    string `yaml:"dns_host"`
}

type EnvironmentConfig struct {
	ActivationIdleTimeout        time.Duration `yaml:"activation_idle_timeout"`
	DeactivationPolicy           string        `yaml:"deactivation_policy"`
	MaxConcurrentTurns           int           `yaml:"max_concurrent_turns"`
	ActivationTimeout            time.Duration `yaml:"activation_timeout"`
	DisableActivationCache       bool          `yaml:"disable_activation_cache"`
	PropagateLegacyCorrelationID bool          `yaml:"propagate_legacy_correlation_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type InternalConfig struct {
	Addr  string `yaml:"addr"`
	PProf bool   `yaml:"pprof"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ID:            uuid.New().String(),
			Port:          9090,
			DiscoveryType: virtual.DiscoveryTypeLocalHost,
		},
		Registry: RegistryConfig{
			Backend:    "memory",
			SQLitePath: "grainkit.db",
			DNSHost:    "localhost",
		},
		Environment: EnvironmentConfig{
			DeactivationPolicy: "reject",
			ActivationTimeout:  virtual.DefaultActivationTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Internal: InternalConfig{
			Addr: "0.0.0.0:9091",
		},
	}
}

// LoadConfig reads configuration from the YAML file at path (skipped if path is empty)
// on top of DefaultConfig() and then applies GRAINKIT_* environment variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	envString("GRAINKIT_SERVER_ID", &cfg.Server.ID)
	envString("GRAINKIT_DISCOVERY_TYPE", &cfg.Server.DiscoveryType)
	envString("GRAINKIT_ADDRESS", &cfg.Server.Address)
	envString("GRAINKIT_REGISTRY_BACKEND", &cfg.Registry.Backend)
	envString("GRAINKIT_SQLITE_PATH", &cfg.Registry.SQLitePath)
	envString("GRAINKIT_DNS_HOST", &cfg.Registry.DNSHost)
	envString("GRAINKIT_DEACTIVATION_POLICY", &cfg.Environment.DeactivationPolicy)
	envString("GRAINKIT_LOG_LEVEL", &cfg.Log.Level)
	envString("GRAINKIT_LOG_FORMAT", &cfg.Log.Format)
	envString("GRAINKIT_INTERNAL_ADDR", &cfg.Internal.Addr)

	if err := envInt("GRAINKIT_SERVER_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if err := envInt("GRAINKIT_MAX_CONCURRENT_TURNS", &cfg.Environment.MaxConcurrentTurns); err != nil {
		return err
	}
	if err := envDuration("GRAINKIT_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout); err != nil {
		return err
	}
	if err := envDuration("GRAINKIT_ACTIVATION_IDLE_TIMEOUT", &cfg.Environment.ActivationIdleTimeout); err != nil {
		return err
	}
	if err := envDuration("GRAINKIT_ACTIVATION_TIMEOUT", &cfg.Environment.ActivationTimeout); err != nil {
		return err
	}
	if err := envBool("GRAINKIT_DISABLE_ACTIVATION_CACHE", &cfg.Environment.DisableActivationCache); err != nil {
		return err
	}
	if err := envBool(
		"GRAINKIT_PROPAGATE_LEGACY_CORRELATION_ID",
		&cfg.Environment.PropagateLegacyCorrelationID,
	); err != nil {
		return err
	}
	return envBool("GRAINKIT_PPROF", &cfg.Internal.PProf)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = parsed
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = parsed
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = parsed
	return nil
}

// EnvironmentOptions converts the configuration into virtual.EnvironmentOptions.
func (c Config) EnvironmentOptions(
	logger *slog.Logger,
	registerer prometheus.Registerer,
) (virtual.EnvironmentOptions, error) {
	policy, err := virtual.ParseDeactivationPolicy(c.Environment.DeactivationPolicy)
	if err != nil {
		return virtual.EnvironmentOptions{}, err
	}

	switch c.Server.DiscoveryType {
	case virtual.DiscoveryTypeLocalHost, virtual.DiscoveryTypeRemote:
	case virtual.DiscoveryTypeStatic:
		if c.Server.Address == "" {
			return virtual.EnvironmentOptions{}, fmt.Errorf(
				"address is required for discovery type: %s", c.Server.DiscoveryType)
		}
	default:
		return virtual.EnvironmentOptions{}, fmt.Errorf(
			"unknown discovery type: %s", c.Server.DiscoveryType)
	}

	return virtual.EnvironmentOptions{
		Discovery: virtual.DiscoveryOptions{
			DiscoveryType: c.Server.DiscoveryType,
			Port:          c.Server.Port,
			Address:       c.Server.Address,
		},
		ActivationIdleTimeout:  c.Environment.ActivationIdleTimeout,
		DeactivationPolicy:     policy,
		MaxConcurrentTurns:     c.Environment.MaxConcurrentTurns,
		ActivationTimeout:      c.Environment.ActivationTimeout,
		DisableActivationCache: c.Environment.DisableActivationCache,
		RequestContext: reqctx.Options{
			PropagateLegacyCorrelationID: c.Environment.PropagateLegacyCorrelationID,
		},
		Logger:            logger,
		MetricsRegisterer: registerer,
	}, nil
}
