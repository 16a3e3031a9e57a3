package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Store       StoreConfig
	Redis       RedisConfig
	Worker      WorkerConfig
	Queue       QueueConfig
	Dependency  DependencyConfig
	Scheduler   SchedulerConfig
	Coordinator CoordinatorConfig
	Metrics     MetricsConfig
	Auth        AuthConfig
	LogLevel    string
}

// CoordinatorConfig bounds the Coordinator's own loops and session
// issuance (spec §4.8, §4.9); everything else it composes is configured
// by its own section (Store, Queue, Worker, ...).
type CoordinatorConfig struct {
	LivenessTick           time.Duration
	DeadAfter              time.Duration
	MaxOrphanReassignments int
	DLQRetentionDays       int
	SessionTTL             time.Duration
	StartupGrace           time.Duration
}

// StoreConfig configures the durable Task Store (Postgres).
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// DependencyConfig bounds the dependency resolver (spec §4.7).
type DependencyConfig struct {
	MaxWaitSetSize int
}

// SchedulerConfig holds the scheduler.* keys (spec §4.5). They are loaded
// but not read: scheduler.New uses a fixed 1s poll interval, a fixed 5s
// lock TTL and a fixed five-field cron parser.
type SchedulerConfig struct {
	PollInterval time.Duration
	LockTTL      time.Duration
	CronParser   string
}

type ServerConfig struct {
	Host         string
	Port         int
	AdminPort    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type WorkerConfig struct {
	ID                string
	CoordinatorURL    string
	Hostname          string
	Capacity          int
	Concurrency       int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownTimeout   time.Duration
}

type QueueConfig struct {
	StreamPrefix        string
	ConsumerGroup       string
	MaxQueueSize        int64
	BlockTimeout        time.Duration
	ClaimMinIdle        time.Duration
	EnqueueDedupTTL     time.Duration
	RecoveryInterval    time.Duration
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryBackoffFactor  float64
	TaskRetentionDays   int
	RateLimitRPS        int
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	APIKeys   []string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/taskqueue")

	// Set defaults
	setDefaults()

	// Environment variable binding
	viper.SetEnvPrefix("TASKQUEUE")
	viper.AutomaticEnv()

	// Read config file (optional)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.adminport", 8081)
	viper.SetDefault("server.readtimeout", 30*time.Second)
	viper.SetDefault("server.writetimeout", 30*time.Second)
	viper.SetDefault("server.idletimeout", 120*time.Second)

	// Store defaults
	viper.SetDefault("store.dsn", "postgres://localhost:5432/taskqueue?sslmode=disable")
	viper.SetDefault("store.maxconns", 20)
	viper.SetDefault("store.minconns", 2)
	viper.SetDefault("store.connmaxlifetime", 30*time.Minute)

	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolsize", 100)
	viper.SetDefault("redis.minidleconns", 10)
	viper.SetDefault("redis.maxretries", 3)
	viper.SetDefault("redis.dialtimeout", 5*time.Second)
	viper.SetDefault("redis.readtimeout", 3*time.Second)
	viper.SetDefault("redis.writetimeout", 3*time.Second)

	// Worker defaults
	viper.SetDefault("worker.id", "")
	viper.SetDefault("worker.coordinatorurl", "http://localhost:8080")
	viper.SetDefault("worker.hostname", "")
	viper.SetDefault("worker.capacity", 10)
	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("worker.heartbeatinterval", 5*time.Second)
	viper.SetDefault("worker.heartbeattimeout", 15*time.Second)
	viper.SetDefault("worker.shutdowntimeout", 30*time.Second)

	// Queue defaults
	viper.SetDefault("queue.streamprefix", "tasks")
	viper.SetDefault("queue.consumergroup", "workers")
	viper.SetDefault("queue.maxqueuesize", 1000000)
	viper.SetDefault("queue.blocktimeout", 5*time.Second)
	viper.SetDefault("queue.claimminidle", 30*time.Second)
	viper.SetDefault("queue.enqueuededupttl", 24*time.Hour)
	viper.SetDefault("queue.recoveryinterval", 10*time.Second)
	viper.SetDefault("queue.retrymaxattempts", 3)
	viper.SetDefault("queue.retryinitialbackoff", 1*time.Second)
	viper.SetDefault("queue.retrymaxbackoff", 5*time.Minute)
	viper.SetDefault("queue.retrybackofffactor", 2.0)
	viper.SetDefault("queue.taskretentiondays", 7)
	viper.SetDefault("queue.ratelimitrps", 1000)

	// Dependency defaults
	viper.SetDefault("dependency.maxwaitsetsize", 50)

	// Scheduler defaults
	viper.SetDefault("scheduler.pollinterval", 1*time.Second)
	viper.SetDefault("scheduler.lockttl", 5*time.Second)
	viper.SetDefault("scheduler.cronparser", "standard")

	// Coordinator defaults
	viper.SetDefault("coordinator.livenesstick", 10*time.Second)
	viper.SetDefault("coordinator.deadafter", 30*time.Second)
	viper.SetDefault("coordinator.maxorphanreassignments", 3)
	viper.SetDefault("coordinator.dlqretentiondays", 30)
	viper.SetDefault("coordinator.sessionttl", 24*time.Hour)
	viper.SetDefault("coordinator.startupgrace", 60*time.Second)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Auth defaults
	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.jwtsecret", "")
	viper.SetDefault("auth.apikeys", []string{})

	// Logging defaults
	viper.SetDefault("loglevel", "info")
}
