// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Broker configures the AMQP connection used to carry batch_jobs/tasks.
type Broker struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Pass              string        `mapstructure:"pass"`
	VHost             string        `mapstructure:"vhost"`
	BatchJobsQueue    string        `mapstructure:"batch_jobs_queue"`
	TasksQueue        string        `mapstructure:"tasks_queue"`
	PublishConfirmTTL time.Duration `mapstructure:"publish_confirm_timeout"`
	ReconnectBackoff  Backoff       `mapstructure:"reconnect_backoff"`
}

func (b Broker) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", b.User, b.Pass, b.Host, b.Port, strings.TrimPrefix(b.VHost, "/"))
}

// EventStore configures the OpenSearch-backed event document index.
type EventStore struct {
	Addresses     []string      `mapstructure:"addresses"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Index         string        `mapstructure:"index"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	InsecureSkipVerify bool      `mapstructure:"insecure_skip_verify"`
}

// ObjectStore configures the S3-compatible JSONL staging bucket.
type ObjectStore struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// Execution configures the Execution Worker's bounded pool and retry/timeout
// behavior for upstream LLM invocations.
type Execution struct {
	MaxParallelTasks int           `mapstructure:"max_parallel_tasks"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Backoff          Backoff       `mapstructure:"backoff"`
	LLMTimeout       time.Duration `mapstructure:"llm_timeout"`
	HeartbeatTTL     time.Duration `mapstructure:"heartbeat_ttl"`
}

// Ingestion configures the Batch Ingestion Worker.
type Ingestion struct {
	ChunkSize int     `mapstructure:"chunk_size"`
	Backoff   Backoff `mapstructure:"backoff"`
	MaxRetries int    `mapstructure:"max_retries"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

// Upstream configures the HTTP client the Execution Worker uses to invoke
// the downstream LLM completion endpoint.
type Upstream struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled             bool              `mapstructure:"enabled"`
	Endpoint            string            `mapstructure:"endpoint"`
	Environment         string            `mapstructure:"environment"`
	SamplingStrategy    string            `mapstructure:"sampling_strategy"`
	SamplingRate        float64           `mapstructure:"sampling_rate"`
	BatchTimeout        time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize  int               `mapstructure:"max_export_batch_size"`
	Headers             map[string]string `mapstructure:"headers"`
	Insecure            bool              `mapstructure:"insecure"`
	PropagationFormat   string            `mapstructure:"propagation_format"`
	AttributeAllowlist  []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive     bool              `mapstructure:"redact_sensitive"`
	EnableMetricExemplars bool            `mapstructure:"enable_metric_exemplars"`
}

// Tracing is a backwards-compatible alias
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

// API configures the bearer-token HTTP surface of internal/api.
type API struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	SecretKey          string        `mapstructure:"secret_key"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	CORSAllowOrigins   []string      `mapstructure:"cors_allow_origins"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
	AuditLogPath       string        `mapstructure:"audit_log_path"`
	AuditRotateSizeMB  int           `mapstructure:"audit_rotate_size_mb"`
	AuditMaxBackups    int           `mapstructure:"audit_max_backups"`
	MaxPageSize        int           `mapstructure:"max_page_size"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Broker         Broker         `mapstructure:"broker"`
	EventStore     EventStore     `mapstructure:"event_store"`
	ObjectStore    ObjectStore    `mapstructure:"object_store"`
	Execution      Execution      `mapstructure:"execution"`
	Ingestion      Ingestion      `mapstructure:"ingestion"`
	Upstream       Upstream       `mapstructure:"upstream"`
	API            API            `mapstructure:"api"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Broker: Broker{
			Host:              "localhost",
			Port:              5672,
			User:              "guest",
			Pass:              "guest",
			VHost:             "/",
			BatchJobsQueue:    "batch_jobs",
			TasksQueue:        "tasks",
			PublishConfirmTTL: 30 * time.Second,
			ReconnectBackoff:  Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second},
		},
		EventStore: EventStore{
			Addresses:      []string{"https://localhost:9200"},
			Index:          "events",
			RequestTimeout: 10 * time.Second,
		},
		ObjectStore: ObjectStore{
			Endpoint:     "localhost:9000",
			Region:       "us-east-1",
			Bucket:       "dispatcher-uploads",
			UsePathStyle: true,
		},
		Execution: Execution{
			MaxParallelTasks: 200,
			MaxRetries:       3,
			Backoff:          Backoff{Base: 4 * time.Second, Max: 60 * time.Second},
			LLMTimeout:       120 * time.Second,
			HeartbeatTTL:     30 * time.Second,
		},
		Ingestion: Ingestion{
			ChunkSize:  1000,
			Backoff:    Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			MaxRetries: 3,
			LockTTL:    10 * time.Minute,
		},
		Upstream: Upstream{
			BaseURL: "http://localhost:8081/v1",
		},
		API: API{
			ListenAddr:         ":8080",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       30 * time.Second,
			CORSAllowOrigins:   []string{"*"},
			RateLimitPerMinute: 600,
			RateLimitBurst:     60,
			AuditLogPath:       "./log/audit.log",
			AuditRotateSizeMB:  100,
			AuditMaxBackups:    5,
			MaxPageSize:        10000,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("broker.host", def.Broker.Host)
	v.SetDefault("broker.port", def.Broker.Port)
	v.SetDefault("broker.user", def.Broker.User)
	v.SetDefault("broker.pass", def.Broker.Pass)
	v.SetDefault("broker.vhost", def.Broker.VHost)
	v.SetDefault("broker.batch_jobs_queue", def.Broker.BatchJobsQueue)
	v.SetDefault("broker.tasks_queue", def.Broker.TasksQueue)
	v.SetDefault("broker.publish_confirm_timeout", def.Broker.PublishConfirmTTL)
	v.SetDefault("broker.reconnect_backoff.base", def.Broker.ReconnectBackoff.Base)
	v.SetDefault("broker.reconnect_backoff.max", def.Broker.ReconnectBackoff.Max)

	v.SetDefault("event_store.addresses", def.EventStore.Addresses)
	v.SetDefault("event_store.index", def.EventStore.Index)
	v.SetDefault("event_store.request_timeout", def.EventStore.RequestTimeout)

	v.SetDefault("object_store.endpoint", def.ObjectStore.Endpoint)
	v.SetDefault("object_store.region", def.ObjectStore.Region)
	v.SetDefault("object_store.bucket", def.ObjectStore.Bucket)
	v.SetDefault("object_store.use_path_style", def.ObjectStore.UsePathStyle)

	v.SetDefault("execution.max_parallel_tasks", def.Execution.MaxParallelTasks)
	v.SetDefault("execution.max_retries", def.Execution.MaxRetries)
	v.SetDefault("execution.backoff.base", def.Execution.Backoff.Base)
	v.SetDefault("execution.backoff.max", def.Execution.Backoff.Max)
	v.SetDefault("execution.llm_timeout", def.Execution.LLMTimeout)
	v.SetDefault("execution.heartbeat_ttl", def.Execution.HeartbeatTTL)

	v.SetDefault("ingestion.chunk_size", def.Ingestion.ChunkSize)
	v.SetDefault("ingestion.backoff.base", def.Ingestion.Backoff.Base)
	v.SetDefault("ingestion.backoff.max", def.Ingestion.Backoff.Max)
	v.SetDefault("ingestion.max_retries", def.Ingestion.MaxRetries)
	v.SetDefault("ingestion.lock_ttl", def.Ingestion.LockTTL)

	v.SetDefault("upstream.base_url", def.Upstream.BaseURL)
	v.SetDefault("upstream.api_key", def.Upstream.APIKey)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.read_timeout", def.API.ReadTimeout)
	v.SetDefault("api.write_timeout", def.API.WriteTimeout)
	v.SetDefault("api.cors_allow_origins", def.API.CORSAllowOrigins)
	v.SetDefault("api.rate_limit_per_minute", def.API.RateLimitPerMinute)
	v.SetDefault("api.rate_limit_burst", def.API.RateLimitBurst)
	v.SetDefault("api.audit_log_path", def.API.AuditLogPath)
	v.SetDefault("api.audit_rotate_size_mb", def.API.AuditRotateSizeMB)
	v.SetDefault("api.audit_max_backups", def.API.AuditMaxBackups)
	v.SetDefault("api.max_page_size", def.API.MaxPageSize)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Execution.MaxParallelTasks < 1 {
		return fmt.Errorf("execution.max_parallel_tasks must be >= 1")
	}
	if cfg.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must be >= 0")
	}
	if cfg.Execution.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("execution.heartbeat_ttl must be >= 5s")
	}
	if cfg.Execution.LLMTimeout <= 0 {
		return fmt.Errorf("execution.llm_timeout must be > 0")
	}
	if cfg.Ingestion.ChunkSize < 1 {
		return fmt.Errorf("ingestion.chunk_size must be >= 1")
	}
	if cfg.Ingestion.MaxRetries < 0 {
		return fmt.Errorf("ingestion.max_retries must be >= 0")
	}
	if cfg.Broker.BatchJobsQueue == "" || cfg.Broker.TasksQueue == "" {
		return fmt.Errorf("broker queue names must be set")
	}
	if cfg.EventStore.Index == "" {
		return fmt.Errorf("event_store.index must be set")
	}
	if len(cfg.EventStore.Addresses) == 0 {
		return fmt.Errorf("event_store.addresses must be non-empty")
	}
	if cfg.ObjectStore.Bucket == "" {
		return fmt.Errorf("object_store.bucket must be set")
	}
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url must be set")
	}
	if cfg.API.MaxPageSize < 1 || cfg.API.MaxPageSize > 10000 {
		return fmt.Errorf("api.max_page_size must be 1..10000")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
