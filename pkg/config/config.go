package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds process configuration. Evidence blob storage is selected by
// the artifacts package from its own ARTIFACT_* variables.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	DataDir   string `yaml:"data_dir"`
	// DatabaseURL selects postgres when set; otherwise lite mode keeps a
	// sqlite file under DataDir.
	DatabaseURL string `yaml:"database_url"`

	Redis      RedisConfig      `yaml:"redis"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Pool       PoolConfig       `yaml:"pool"`
	Evidence   EvidenceConfig   `yaml:"evidence"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	// Surfaces come from the overlay file only.
	Surfaces map[string]SurfaceConfig `yaml:"surfaces"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CheckpointConfig struct {
	// Backend is one of memory, file, sql or redis.
	Backend  string        `yaml:"backend"`
	Interval time.Duration `yaml:"interval"`
}

type SchedulingConfig struct {
	PerStudyConcurrency int           `yaml:"per_study_concurrency"`
	GlobalConcurrency   int           `yaml:"global_concurrency"`
	Workers             int           `yaml:"workers"`
	QueryTimeout        time.Duration `yaml:"query_timeout"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	CostPerCellUSD      float64       `yaml:"cost_per_cell_usd"`
}

type PoolConfig struct {
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
	HalfOpenSuccesses int           `yaml:"half_open_successes"`
	WindowSize        int           `yaml:"window_size"`
	HealthyThreshold  float64       `yaml:"healthy_threshold"`
	DegradedThreshold float64       `yaml:"degraded_threshold"`
	RoundRobin        bool          `yaml:"round_robin"`
	HealthInterval    time.Duration `yaml:"health_interval"`
}

type EvidenceConfig struct {
	RetentionDays int `yaml:"retention_days"`
	// TimestampKey signs timestamp tokens. Empty disables timestamping.
	TimestampKey       string `yaml:"timestamp_key"`
	TimestampAuthority string `yaml:"timestamp_authority"`
}

type TelemetryConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	CAFile     string  `yaml:"ca_file"`
	SampleRate float64 `yaml:"sample_rate"`
}

// SurfaceConfig describes the backends of one surface.
type SurfaceConfig struct {
	RatePerSecond float64         `yaml:"rate_per_second"`
	Burst         int             `yaml:"burst"`
	Fallbacks     []string        `yaml:"fallbacks"`
	Adapters      []AdapterConfig `yaml:"adapters"`
}

type AdapterConfig struct {
	ID       string            `yaml:"id"`
	Endpoint string            `yaml:"endpoint"`
	Priority int               `yaml:"priority"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		LogLevel:  "INFO",
		LogFormat: "json",
		DataDir:   "data",
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Checkpoint: CheckpointConfig{
			Backend:  "sql",
			Interval: 30 * time.Second,
		},
		Scheduling: SchedulingConfig{
			PerStudyConcurrency: 10,
			GlobalConcurrency:   50,
			Workers:             10,
			QueryTimeout:        2 * time.Minute,
			BackoffBase:         time.Second,
			BackoffMax:          60 * time.Second,
		},
		Pool: PoolConfig{
			BreakerThreshold:  5,
			BreakerCooldown:   30 * time.Second,
			HalfOpenSuccesses: 2,
			WindowSize:        20,
			HealthyThreshold:  80,
			DegradedThreshold: 50,
			HealthInterval:    10 * time.Second,
		},
		Evidence: EvidenceConfig{
			RetentionDays:      365,
			TimestampAuthority: "bentham-tsa",
		},
		Telemetry: TelemetryConfig{
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
	}
}

// Load loads configuration from environment variables over the defaults.
// Malformed numeric values are reported rather than silently ignored.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("DATA_DIR", &c.DataDir)
	str("DATABASE_URL", &c.DatabaseURL)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)

	str("CHECKPOINT_BACKEND", &c.Checkpoint.Backend)
	duration("CHECKPOINT_INTERVAL", &c.Checkpoint.Interval)

	integer("STUDY_CONCURRENCY", &c.Scheduling.PerStudyConcurrency)
	integer("GLOBAL_CONCURRENCY", &c.Scheduling.GlobalConcurrency)
	integer("WORKERS", &c.Scheduling.Workers)
	duration("QUERY_TIMEOUT", &c.Scheduling.QueryTimeout)
	duration("BACKOFF_BASE", &c.Scheduling.BackoffBase)
	duration("BACKOFF_MAX", &c.Scheduling.BackoffMax)
	float("COST_PER_CELL_USD", &c.Scheduling.CostPerCellUSD)

	integer("POOL_BREAKER_THRESHOLD", &c.Pool.BreakerThreshold)
	duration("POOL_BREAKER_COOLDOWN", &c.Pool.BreakerCooldown)
	integer("POOL_HALF_OPEN_SUCCESSES", &c.Pool.HalfOpenSuccesses)
	integer("POOL_WINDOW_SIZE", &c.Pool.WindowSize)
	float("POOL_HEALTHY_THRESHOLD", &c.Pool.HealthyThreshold)
	float("POOL_DEGRADED_THRESHOLD", &c.Pool.DegradedThreshold)
	boolean("POOL_ROUND_ROBIN", &c.Pool.RoundRobin)
	duration("POOL_HEALTH_INTERVAL", &c.Pool.HealthInterval)

	integer("EVIDENCE_RETENTION_DAYS", &c.Evidence.RetentionDays)
	str("EVIDENCE_TIMESTAMP_KEY", &c.Evidence.TimestampKey)
	str("EVIDENCE_TIMESTAMP_AUTHORITY", &c.Evidence.TimestampAuthority)

	boolean("OTEL_ENABLED", &c.Telemetry.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	boolean("OTEL_EXPORTER_OTLP_INSECURE", &c.Telemetry.Insecure)
	str("OTEL_EXPORTER_OTLP_CA_FILE", &c.Telemetry.CAFile)
	float("OTEL_SAMPLE_RATE", &c.Telemetry.SampleRate)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %v", errs)
	}
	return nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch c.Checkpoint.Backend {
	case "memory", "file", "sql", "redis":
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Scheduling.PerStudyConcurrency < 1 || c.Scheduling.Workers < 1 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Pool.DegradedThreshold > c.Pool.HealthyThreshold {
		return fmt.Errorf("degraded threshold %.0f is above healthy threshold %.0f",
			c.Pool.DegradedThreshold, c.Pool.HealthyThreshold)
	}
	if c.Evidence.RetentionDays < 0 {
		return fmt.Errorf("retention days cannot be negative")
	}
	if k := c.Evidence.TimestampKey; k != "" && len(k) < 32 {
		return fmt.Errorf("timestamp key must be at least 32 bytes")
	}
	for id, s := range c.Surfaces {
		for _, a := range s.Adapters {
			if a.ID == "" || a.Endpoint == "" {
				return fmt.Errorf("surface %s: adapters need an id and an endpoint", id)
			}
		}
	}
	return nil
}
