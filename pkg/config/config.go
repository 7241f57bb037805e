package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"CoordScope/pkg/util"
)

// ErrInvalid is returned (wrapped) for every configuration problem.
var ErrInvalid = errors.New("invalid configuration")

// FieldError reports an invalid configuration value.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return fmt.Sprintf("config %s: %s", e.Field, e.Reason) }

func (e *FieldError) Is(target error) bool { return target == ErrInvalid }

type Config struct {
	Environment string           `yaml:"environment" default:"development" validate:"required"`
	Server      ServerConfig     `yaml:"server"`
	Logger      LoggerConfig     `yaml:"logger"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	Redis       RedisConfig      `yaml:"redis"`
	Evidence    EvidenceConfig   `yaml:"evidence"`
	Engine      EngineConfig     `yaml:"engine"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	// Analysis bounds the on-demand analysis endpoint per client.
	Analysis struct {
		RPS     float64       `yaml:"rps" default:"0.2" validate:"gt=0"`
		Burst   int           `yaml:"burst" default:"3" validate:"gt=0"`
		MaxSpan time.Duration `yaml:"max_span" default:"720h"`
	} `yaml:"analysis"`
}

type LoggerConfig struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format     string `yaml:"format" default:"console" validate:"oneof=console json"`
	Output     string `yaml:"output" default:"stdout"`
	ErrorTopic string `yaml:"error_topic" default:"coordscope.errors"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Path    string `yaml:"path" default:"/metrics"`
}

type KafkaConfig struct {
	Enabled           bool     `yaml:"enabled" default:"true"`
	Brokers           []string `yaml:"brokers" default:"[\"localhost:9092\"]" validate:"required_if=Enabled true"`
	ObservationsTopic string   `yaml:"observations_topic" default:"coordscope.observations"`
	EvidenceTopic     string   `yaml:"evidence_topic" default:"coordscope.evidence"`
	RequiredAcks      int      `yaml:"required_acks" default:"-1"`
	Compression       string   `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
	Producer          struct {
		MaxAttempts  int           `yaml:"max_attempts" default:"5"`
		Linger       time.Duration `yaml:"linger" default:"10ms"`
		BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
		BatchSize    int           `yaml:"batch_size" default:"100"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	} `yaml:"producer"`
	Consumer struct {
		GroupID    string        `yaml:"group_id" default:"coordscope-engine"`
		Workers    int           `yaml:"workers" default:"4" validate:"gt=0"`
		BufferSize int           `yaml:"buffer_size" default:"1000"`
		RetryMax   int           `yaml:"retry_max" default:"3"`
		BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
		BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
		DLQTopic   string        `yaml:"dlq_topic" default:"coordscope.observations.dlq"`
	} `yaml:"consumer"`
}

type ClickHouseConfig struct {
	Host         string        `yaml:"host" default:"localhost"`
	Port         int           `yaml:"port" default:"9000"`
	Database     string        `yaml:"database" default:"coordscope"`
	User         string        `yaml:"user" default:"default"`
	Password     string        `yaml:"password"`
	UseHTTP      bool          `yaml:"use_http"`
	AsyncInsert  bool          `yaml:"async_insert" default:"true"`
	WaitForAsync bool          `yaml:"wait_for_async_insert"`
	DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"30s"`
	BatchSize    int           `yaml:"batch_size" default:"1000" validate:"gt=0"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled" default:"true"`
	Addr     string        `yaml:"addr" default:"localhost:6379"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix" default:"coordscope"`
	StateTTL time.Duration `yaml:"state_ttl" default:"720h"`
	RiskTTL  time.Duration `yaml:"risk_ttl" default:"1h"`
	LeaseTTL time.Duration `yaml:"lease_ttl" default:"10m"`
}

type EvidenceConfig struct {
	Dir           string        `yaml:"dir" default:"data/evidence"`
	InMemory      bool          `yaml:"in_memory"`
	SyncWrites    bool          `yaml:"sync_writes" default:"true"`
	ExportEnabled bool          `yaml:"export_enabled" default:"true"`
	SweepInterval time.Duration `yaml:"sweep_interval" default:"1m"`
	SweepBatch    int           `yaml:"sweep_batch" default:"50" validate:"gt=0"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &c
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML on top of defaults and validates the result.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = util.SplitList(v)
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = util.SplitList(v)
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("EVIDENCE_DIR"); v != "" {
		c.Evidence.Dir = v
	}
	if v := os.Getenv("ICP_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, &FieldError{Field: "ICP_SEED", Reason: err.Error()}
		}
		c.Engine.ICP.Seed = seed
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

var validate = validator.New()

// Validate checks field rules and cross-field invariants. Values are never clamped.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &FieldError{Field: fe.Namespace(), Reason: fmt.Sprintf("failed %q rule (value %v)", fe.Tag(), fe.Value())}
		}
		return &FieldError{Field: "config", Reason: err.Error()}
	}
	return c.Engine.Validate()
}

// Validate checks the engine's cross-field invariants.
func (e *EngineConfig) Validate() error {
	w := e.Risk.Weights
	if sum := w.ICP + w.CI + w.Layers; math.Abs(sum-1) > 1e-9 {
		return &FieldError{Field: "engine.risk.weights", Reason: fmt.Sprintf("must sum to 1, got %.6f", sum)}
	}
	b := e.Risk.Bands
	if !(b.LowMax >= 0 && b.LowMax < b.AmberMax && b.AmberMax < 100) {
		return &FieldError{Field: "engine.risk.bands", Reason: fmt.Sprintf("must satisfy 0 <= low_max < amber_max < 100, got %d/%d", b.LowMax, b.AmberMax)}
	}
	if e.VMM.CIMonitor >= e.VMM.CICoordination {
		return &FieldError{Field: "engine.vmm.ci_thresholds", Reason: "monitoring threshold must be below coordination threshold"}
	}
	if e.VMM.FullBatch.MaxIterations < e.VMM.FullBatch.ElboWindow || e.VMM.Streaming.MaxIterations < e.VMM.Streaming.ElboWindow {
		return &FieldError{Field: "engine.vmm", Reason: "elbo window exceeds max iterations"}
	}
	if e.Cycle.Budget >= e.Cycle.Interval {
		return &FieldError{Field: "engine.cycle.budget", Reason: "budget must be shorter than the cycle interval"}
	}
	return nil
}
