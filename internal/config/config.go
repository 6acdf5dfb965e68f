// Package config loads the agent configuration from the environment and parses the
// command-line custom attribute flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the agent configuration. Every field comes from a SENSOR_* variable, except the
// OTEL block which uses the standard OTEL_* variables.
type Config struct {
	// Hostname and IdentityContext are mixed into every PidHash. An empty Hostname means
	// "ask the host".
	Hostname        string `env:"SENSOR_HOSTNAME"`
	IdentityContext string `env:"SENSOR_IDENTITY_CONTEXT" envDefault:"lineage"`

	SnapshotPath      string        `env:"SENSOR_SNAPSHOT_PATH" envDefault:"/var/lib/lineage-sensor/lineage.msgpack"`
	SerializeInterval time.Duration `env:"SENSOR_SERIALIZE_INTERVAL" envDefault:"5s"`
	PruneInterval     time.Duration `env:"SENSOR_PRUNE_INTERVAL" envDefault:"30s"`
	RefreshInterval   time.Duration `env:"SENSOR_REFRESH_INTERVAL" envDefault:"1h"`

	BootWindow       time.Duration `env:"SENSOR_BOOT_WINDOW" envDefault:"5m"`
	BootJoinWindow   time.Duration `env:"SENSOR_BOOT_JOIN_WINDOW" envDefault:"3s"`
	BootTraceTimeout time.Duration `env:"SENSOR_BOOT_TRACE_TIMEOUT" envDefault:"10s"`
	BootTraceDir     string        `env:"SENSOR_BOOT_TRACE_DIR" envDefault:"/var/lib/lineage-sensor/boot"`
	BootTraceSession string        `env:"SENSOR_BOOT_TRACE_SESSION" envDefault:"lineage-boot"`

	IndexSoftCapacity int           `env:"SENSOR_INDEX_SOFT_CAPACITY" envDefault:"100000"`
	TombstoneGrace    time.Duration `env:"SENSOR_TOMBSTONE_GRACE" envDefault:"2m"`
	EmittedSetSize    int           `env:"SENSOR_EMITTED_SET_SIZE" envDefault:"65536"`
	HashCacheSize     int           `env:"SENSOR_HASH_CACHE_SIZE" envDefault:"4096"`
	BusBuffer         int           `env:"SENSOR_BUS_BUFFER" envDefault:"4096"`

	NATSURL     string `env:"SENSOR_NATS_URL"`
	NATSSubject string `env:"SENSOR_NATS_SUBJECT" envDefault:"lineage.process"`

	BPFObject   string `env:"SENSOR_BPF_OBJECT" envDefault:"/usr/lib/lineage-sensor/lineage.bpf.o"`
	MetricsAddr string `env:"SENSOR_METRICS_ADDR"`
	OTELEnabled bool   `env:"SENSOR_OTEL_ENABLED" envDefault:"false"`

	OTEL OTELConfig
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"SENSOR_SERIALIZE_INTERVAL": c.SerializeInterval,
		"SENSOR_PRUNE_INTERVAL":     c.PruneInterval,
		"SENSOR_REFRESH_INTERVAL":   c.RefreshInterval,
		"SENSOR_BOOT_JOIN_WINDOW":   c.BootJoinWindow,
		"SENSOR_BOOT_TRACE_TIMEOUT": c.BootTraceTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.BootWindow < 0 {
		errs = append(errs, fmt.Errorf("SENSOR_BOOT_WINDOW must not be negative, got %s", c.BootWindow))
	}
	if c.TombstoneGrace < 0 {
		errs = append(errs, fmt.Errorf("SENSOR_TOMBSTONE_GRACE must not be negative, got %s", c.TombstoneGrace))
	}
	if strings.TrimSpace(c.SnapshotPath) == "" {
		errs = append(errs, errors.New("SENSOR_SNAPSHOT_PATH must not be empty"))
	}
	if c.IdentityContext == "" {
		errs = append(errs, errors.New("SENSOR_IDENTITY_CONTEXT must not be empty"))
	}
	for name, n := range map[string]int{
		"SENSOR_EMITTED_SET_SIZE": c.EmittedSetSize,
		"SENSOR_HASH_CACHE_SIZE":  c.HashCacheSize,
		"SENSOR_BUS_BUFFER":       c.BusBuffer,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}
	if c.NATSURL != "" && c.NATSSubject == "" {
		errs = append(errs, errors.New("SENSOR_NATS_SUBJECT is required with SENSOR_NATS_URL"))
	}
	return errors.Join(errs...)
}

// CustomAttribute is a span attribute computed from a process record.
type CustomAttribute struct {
	Name       string
	Expression string
}

// ParseCustomAttribute parses a NAME=EXPR flag value. Only the first '=' separates.
func ParseCustomAttribute(s string) (CustomAttribute, error) {
	name, expression, ok := strings.Cut(s, "=")
	if !ok {
		return CustomAttribute{}, fmt.Errorf("invalid attribute format %q, expected NAME=EXPR", s)
	}
	name = strings.TrimSpace(name)
	expression = strings.TrimSpace(expression)
	if name == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: name cannot be empty", s)
	}
	if expression == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: expression cannot be empty", s)
	}
	return CustomAttribute{Name: name, Expression: expression}, nil
}

// ParseCustomAttributes parses every flag value, in order.
func ParseCustomAttributes(values []string) ([]CustomAttribute, error) {
	attrs := make([]CustomAttribute, 0, len(values))
	for _, v := range values {
		attr, err := ParseCustomAttribute(v)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}
