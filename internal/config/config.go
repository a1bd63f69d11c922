// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Bus transports.
const (
	BusRedis  = "redis"
	BusMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	// Storage settings. An empty DatabaseURL keeps jobs and agents in memory.
	DatabaseURL string
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.
	RedisURL    string
	Bus         string // "redis" or "memory"

	// Descriptor and reference directories.
	LabsDir      string
	ReferenceDir string

	// Status server.
	StatusPort   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Job Manager timing and policy.
	SchedulerTick      time.Duration
	RPCTimeout         time.Duration
	InterpolateTimeout time.Duration
	NegotiationWait    time.Duration
	KeepaliveInterval  time.Duration
	FailLimit          int
	FailDelay          time.Duration
	MaxReschedules     int
	Chi2Uncertainty    float64
	DefaultGroup       string
	SubmitRate         float64 // Submissions per second per user; 0 disables limiting.
	SubmitBurst        int

	// Interpolation Service.
	MinSamples        int
	MaxIterations     int
	NeighborhoodCells int
	RBFKernel         string
	QdrantURL         string
	QdrantAPIKey      string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	str := envStr
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	flt := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		collect(err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}

	cfg := Config{
		DatabaseURL:        str("DATABASE_URL", ""),
		NotifyURL:          str("NOTIFY_URL", ""),
		RedisURL:           str("REDIS_URL", "redis://localhost:6379/0"),
		Bus:                str("TUNELAB_BUS", BusRedis),
		LabsDir:            str("TUNELAB_LABS_DIR", "labs"),
		ReferenceDir:       str("TUNELAB_REFERENCE_DIR", "reference"),
		StatusPort:         num("TUNELAB_STATUS_PORT", 8090),
		ReadTimeout:        dur("TUNELAB_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:       dur("TUNELAB_WRITE_TIMEOUT", 30*time.Second),
		SchedulerTick:      dur("TUNELAB_SCHEDULER_TICK", 5*time.Second),
		RPCTimeout:         dur("TUNELAB_RPC_TIMEOUT", 10*time.Second),
		InterpolateTimeout: dur("TUNELAB_INTERPOLATE_TIMEOUT", 3*time.Second),
		NegotiationWait:    dur("TUNELAB_NEGOTIATION_WAIT", 3*time.Second),
		KeepaliveInterval:  dur("TUNELAB_KEEPALIVE_INTERVAL", 30*time.Second),
		FailLimit:          num("TUNELAB_FAIL_LIMIT", 3),
		FailDelay:          dur("TUNELAB_FAIL_DELAY", 10*time.Minute),
		MaxReschedules:     num("TUNELAB_MAX_RESCHEDULES", 10),
		Chi2Uncertainty:    flt("TUNELAB_CHI2_UNCERTAINTY", 0.05),
		DefaultGroup:       str("TUNELAB_DEFAULT_GROUP", "default"),
		SubmitRate:         flt("TUNELAB_SUBMIT_RATE", 1),
		SubmitBurst:        num("TUNELAB_SUBMIT_BURST", 20),
		MinSamples:         num("TUNELAB_MIN_SAMPLES", 10),
		MaxIterations:      num("TUNELAB_MAX_ITERATIONS", 3),
		NeighborhoodCells:  num("TUNELAB_NEIGHBORHOOD_CELLS", 10),
		RBFKernel:          str("TUNELAB_RBF_KERNEL", "linear"),
		QdrantURL:          str("QDRANT_URL", ""),
		QdrantAPIKey:       str("QDRANT_API_KEY", ""),
		OTELEndpoint:       str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        str("OTEL_SERVICE_NAME", "tunelab"),
		OTELInsecure:       boolean("TUNELAB_OTEL_INSECURE", false),
		LogLevel:           str("TUNELAB_LOG_LEVEL", "info"),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	switch c.Bus {
	case BusRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: REDIS_URL is required with TUNELAB_BUS=redis")
		}
	case BusMemory:
	default:
		return fmt.Errorf("config: TUNELAB_BUS must be %q or %q, got %q", BusRedis, BusMemory, c.Bus)
	}
	if c.StatusPort <= 0 || c.StatusPort > 65535 {
		return fmt.Errorf("config: TUNELAB_STATUS_PORT out of range: %d", c.StatusPort)
	}
	for name, d := range map[string]time.Duration{
		"TUNELAB_SCHEDULER_TICK":      c.SchedulerTick,
		"TUNELAB_RPC_TIMEOUT":         c.RPCTimeout,
		"TUNELAB_INTERPOLATE_TIMEOUT": c.InterpolateTimeout,
		"TUNELAB_NEGOTIATION_WAIT":    c.NegotiationWait,
		"TUNELAB_KEEPALIVE_INTERVAL":  c.KeepaliveInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.FailLimit <= 0 {
		return fmt.Errorf("config: TUNELAB_FAIL_LIMIT must be positive")
	}
	if c.MaxReschedules <= 0 {
		return fmt.Errorf("config: TUNELAB_MAX_RESCHEDULES must be positive")
	}
	if c.Chi2Uncertainty < 0 {
		return fmt.Errorf("config: TUNELAB_CHI2_UNCERTAINTY must not be negative")
	}
	if c.MinSamples <= 0 || c.MaxIterations <= 0 || c.NeighborhoodCells <= 0 {
		return fmt.Errorf("config: TUNELAB_MIN_SAMPLES, TUNELAB_MAX_ITERATIONS and TUNELAB_NEIGHBORHOOD_CELLS must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
