// Package config loads the engine's configuration surface from the
// process environment using struct tags, the way the incident-management
// service in the example corpus loads its own configuration: one nested
// Config struct, caarlos0/env/v11 tags carrying env var name and default,
// validated once at startup.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/nebulaid/idengine/errs"
)

// SegmentConfig configures the Segment algorithm's step sizing and
// switch threshold.
type SegmentConfig struct {
	BaseStep        int64   `env:"IDENGINE_SEGMENT_BASE_STEP" envDefault:"1000"`
	MinStep         int64   `env:"IDENGINE_SEGMENT_MIN_STEP" envDefault:"500"`
	MaxStep         int64   `env:"IDENGINE_SEGMENT_MAX_STEP" envDefault:"100000"`
	SwitchThreshold float64 `env:"IDENGINE_SEGMENT_SWITCH_THRESHOLD" envDefault:"0.1"`
}

// SnowflakeConfig configures the Snowflake bit layout and clock tolerance.
type SnowflakeConfig struct {
	DatacenterIDBits      int   `env:"IDENGINE_SNOWFLAKE_DATACENTER_BITS" envDefault:"3"`
	WorkerIDBits          int   `env:"IDENGINE_SNOWFLAKE_WORKER_BITS" envDefault:"8"`
	SequenceBits          int   `env:"IDENGINE_SNOWFLAKE_SEQUENCE_BITS" envDefault:"10"`
	ClockDriftThresholdMs int64 `env:"IDENGINE_SNOWFLAKE_CLOCK_DRIFT_THRESHOLD_MS" envDefault:"1000"`
	DatacenterID          int64 `env:"IDENGINE_SNOWFLAKE_DATACENTER_ID" envDefault:"0"`
}

// DegradationConfig configures the degradation manager and circuit
// breaker thresholds.
type DegradationConfig struct {
	Enabled                  bool  `env:"IDENGINE_DEGRADATION_ENABLED" envDefault:"true"`
	CheckIntervalMs          int64 `env:"IDENGINE_DEGRADATION_CHECK_INTERVAL_MS" envDefault:"5000"`
	FailureThreshold         uint32 `env:"IDENGINE_DEGRADATION_FAILURE_THRESHOLD" envDefault:"3"`
	RecoveryThreshold        uint32 `env:"IDENGINE_DEGRADATION_RECOVERY_THRESHOLD" envDefault:"5"`
	CircuitBreakerTimeoutMs  int64 `env:"IDENGINE_DEGRADATION_CIRCUIT_TIMEOUT_MS" envDefault:"60000"`
	HalfOpenSuccessThreshold uint32 `env:"IDENGINE_DEGRADATION_HALF_OPEN_SUCCESS_THRESHOLD" envDefault:"2"`
}

// CoordinationConfig configures the Redis-backed coordination store used
// by the worker-ID allocator.
type CoordinationConfig struct {
	RedisURL         string `env:"IDENGINE_COORDINATION_REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`
	ConnectTimeoutMs int64  `env:"IDENGINE_COORDINATION_CONNECT_TIMEOUT_MS" envDefault:"5000"`
	WatchTimeoutMs   int64  `env:"IDENGINE_COORDINATION_WATCH_TIMEOUT_MS" envDefault:"5000"`
	LeaseTTLSeconds  int64  `env:"IDENGINE_COORDINATION_LEASE_TTL_SECONDS" envDefault:"30"`
}

// CacheConfig configures the optional L3 external KV tier.
type CacheConfig struct {
	URL        string `env:"IDENGINE_CACHE_URL" envDefault:"redis://127.0.0.1:6379/1"`
	PoolSize   int    `env:"IDENGINE_CACHE_POOL_SIZE" envDefault:"16"`
	KeyPrefix  string `env:"IDENGINE_CACHE_KEY_PREFIX" envDefault:"idengine:id:"`
	TTLSeconds int64  `env:"IDENGINE_CACHE_TTL_SECONDS" envDefault:"3600"`
	L1Capacity int    `env:"IDENGINE_CACHE_L1_CAPACITY" envDefault:"1024"`
	L1HighWatermark float64 `env:"IDENGINE_CACHE_L1_HIGH_WATERMARK" envDefault:"0.8"`
	L1LowWatermark  float64 `env:"IDENGINE_CACHE_L1_LOW_WATERMARK" envDefault:"0.2"`
}

// Config is the complete, flat-loaded engine configuration.
type Config struct {
	DefaultAlgorithm string `env:"IDENGINE_DEFAULT_ALGORITHM" envDefault:"segment"`

	LogLevel  string `env:"IDENGINE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"IDENGINE_LOG_FORMAT" envDefault:"json"`
	DataDir   string `env:"IDENGINE_DATA_DIR" envDefault:"./data"`
	ShutdownGraceMs int64 `env:"IDENGINE_SHUTDOWN_GRACE_MS" envDefault:"30000"`

	CounterStoreDSN string `env:"IDENGINE_COUNTER_STORE_DSN" envDefault:"idengine.db"`

	Segment      SegmentConfig
	Snowflake    SnowflakeConfig
	Degradation  DegradationConfig
	Coordination CoordinationConfig
	Cache        CacheConfig
}

// Load reads Config from the process environment, applying the envDefault
// tags for anything unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errs.NewInvalidInputError("config", "", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the Snowflake bit-width constraint and the
// non-zero-step rule documented in the external interfaces section.
func (c *Config) Validate() error {
	if _, ok := parseAlgorithmName(c.DefaultAlgorithm); !ok {
		return errs.NewInvalidInputError("DefaultAlgorithm", c.DefaultAlgorithm,
			"must be one of segment, snowflake, uuid_v7, uuid_v4")
	}

	sum := c.Snowflake.DatacenterIDBits + c.Snowflake.WorkerIDBits + c.Snowflake.SequenceBits
	if sum >= 63 {
		return errs.NewInvalidInputError("Snowflake bit widths", fmt.Sprintf("%d", sum),
			"datacenter + worker + sequence bits must leave room for a timestamp under 63 usable bits")
	}

	if c.Segment.BaseStep <= 0 {
		return errs.NewInvalidInputError("Segment.BaseStep", fmt.Sprintf("%d", c.Segment.BaseStep), "must be > 0")
	}
	if c.Segment.MinStep <= 0 || c.Segment.MinStep > c.Segment.MaxStep {
		return errs.NewInvalidInputError("Segment.MinStep", fmt.Sprintf("%d", c.Segment.MinStep),
			"must be > 0 and <= MaxStep")
	}
	return nil
}

func parseAlgorithmName(s string) (string, bool) {
	switch s {
	case "segment", "snowflake", "uuid_v7", "uuid_v4":
		return s, true
	default:
		return "", false
	}
}
