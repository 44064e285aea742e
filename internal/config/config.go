package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type DB struct {
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	URL      string // DATABASE_URL, overrides the individual fields
	MaxConns int32
}

type Redis struct {
	Addr          string // empty disables the redis notifier
	Password      string
	DB            int
	NotifyChannel string
}

type NSQ struct {
	NsqdTCPAddr     string // empty disables dead letter publishing
	NsqdHTTPAddr    string // stats API polled by nsq-monitor
	DLQTopic        string
	MonitorPort     string
	MonitorInterval time.Duration
}

type Intake struct {
	HTTPPort         string
	CredentialHeader string
	MaxBodyBytes     int64
	RateLimit        float64 // requests per second per tenant, 0 disables
	RateBurst        int
}

type Queue struct {
	Backend       string // memory or postgres
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	LeaseDuration time.Duration
	KeepCompleted int
	KeepFailed    int
	RetentionAge  time.Duration
	MaxStalls     int
}

type Worker struct {
	Concurrency     int
	PollInterval    time.Duration
	DeliveryTimeout time.Duration
	ReapInterval    time.Duration
	MonitorInterval time.Duration
	SigningSecret   string // empty disables HMAC signing of deliveries
	HTTPPort        string // worker metrics and health port
	Embedded        bool   // run workers inside the ingest process
}

type Auth struct {
	AdminPublicKeyPath string
	AdminIssuer        string
	AdminAudience      string
	AdminDisabled      bool // only for local development
}

type Tracing struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type FakeReceiver struct {
	FailFirstN           int           // Number of requests to fail initially
	EndpointSecret       string        // Secret for webhook signature verification
	SigningLeewaySeconds int           // Allowed timestamp skew in seconds
	ResponseDelayMS      int           // Simulated response delay in milliseconds
	Port                 string        // Server listen port
	ReadTimeout          time.Duration // HTTP read timeout
	WriteTimeout         time.Duration // HTTP write timeout
	IdleTimeout          time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	DB           DB
	Redis        Redis
	NSQ          NSQ
	Intake       Intake
	Queue        Queue
	Worker       Worker
	Auth         Auth
	Tracing      Tracing
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// prefixPort accepts both "8080" and ":8080".
func prefixPort(p string) string {
	if p == "" || strings.Contains(p, ":") {
		return p
	}
	return ":" + p
}

// Load reads an optional .env file into the environment and then builds the
// configuration. Variables already set in the environment win.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "harborhook"),
		DB: DB{
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "harborhook"),
			URL:      getenv("DATABASE_URL", ""),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
		},
		Redis: Redis{
			Addr:          getenv("REDIS_ADDR", ""),
			Password:      getenv("REDIS_PASSWORD", ""),
			DB:            getenvInt("REDIS_DB", 0),
			NotifyChannel: getenv("REDIS_NOTIFY_CHANNEL", "harborhook:queue:ready"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", ""),
			NsqdHTTPAddr:    getenv("NSQD_HTTP_ADDR", "localhost:4151"),
			DLQTopic:        getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			MonitorPort:     prefixPort(getenv("NSQ_MONITOR_PORT", "8084")),
			MonitorInterval: getenvDuration("NSQ_MONITOR_INTERVAL", 15*time.Second),
		},
		Intake: Intake{
			HTTPPort:         prefixPort(getenv("HTTP_PORT", ":8080")),
			CredentialHeader: getenv("CREDENTIAL_HEADER", "X-Project-Key"),
			MaxBodyBytes:     getenvInt64("MAX_BODY_BYTES", 1<<20),
			RateLimit:        getenvFloat("INTAKE_RATE_LIMIT", 0),
			RateBurst:        getenvInt("INTAKE_RATE_BURST", 50),
		},
		Queue: Queue{
			Backend:       getenv("QUEUE_BACKEND", "postgres"),
			MaxAttempts:   getenvInt("MAX_ATTEMPTS", 5),
			BaseDelay:     getenvDuration("BACKOFF_BASE_DELAY", time.Second),
			MaxDelay:      getenvDuration("BACKOFF_MAX_DELAY", 0),
			LeaseDuration: getenvDuration("LEASE_DURATION", 30*time.Second),
			KeepCompleted: getenvInt("KEEP_COMPLETED", 1000),
			KeepFailed:    getenvInt("KEEP_FAILED", 5000),
			RetentionAge:  getenvDuration("RETENTION_AGE", 24*time.Hour),
			MaxStalls:     getenvInt("MAX_STALLS", 3),
		},
		Worker: Worker{
			Concurrency:     getenvInt("WORKER_CONCURRENCY", 10),
			PollInterval:    getenvDuration("WORKER_POLL_INTERVAL", time.Second),
			DeliveryTimeout: getenvDuration("DELIVERY_TIMEOUT", 10*time.Second),
			ReapInterval:    getenvDuration("REAP_INTERVAL", time.Minute),
			MonitorInterval: getenvDuration("MONITOR_INTERVAL", 15*time.Second),
			SigningSecret:   getenv("DELIVERY_SIGNING_SECRET", ""),
			HTTPPort:        prefixPort(getenv("WORKER_HTTP_PORT", "8083")),
			Embedded:        getenvBool("EMBEDDED_WORKERS", false),
		},
		Auth: Auth{
			AdminPublicKeyPath: getenv("ADMIN_JWT_PUBLIC_KEY", ""),
			AdminIssuer:        getenv("ADMIN_JWT_ISSUER", "harborhook"),
			AdminAudience:      getenv("ADMIN_JWT_AUDIENCE", "harborhook-admin"),
			AdminDisabled:      getenvBool("ADMIN_AUTH_DISABLED", false),
		},
		Tracing: Tracing{
			Enabled:     getenvBool("TRACING_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			Insecure:    getenvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio: getenvFloat("TRACING_SAMPLE_RATIO", 1),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:           getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:       getenv("ENDPOINT_SECRET", ""),
			SigningLeewaySeconds: getenvInt("SIGNING_LEEWAY_SECONDS", 300),
			ResponseDelayMS:      getenvInt("RESPONSE_DELAY_MS", 0),
			Port:                 prefixPort(getenv("FAKE_RECEIVER_PORT", ":8081")),
			ReadTimeout:          getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:          getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// Validate rejects settings the worker pool cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency))
	}
	if c.Worker.DeliveryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DELIVERY_TIMEOUT must be positive, got %s", c.Worker.DeliveryTimeout))
	}
	if c.Queue.LeaseDuration <= c.Worker.DeliveryTimeout {
		errs = append(errs, fmt.Errorf("LEASE_DURATION (%s) must exceed DELIVERY_TIMEOUT (%s)", c.Queue.LeaseDuration, c.Worker.DeliveryTimeout))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.Queue.MaxAttempts))
	}
	switch c.Queue.Backend {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("QUEUE_BACKEND must be memory or postgres, got %q", c.Queue.Backend))
	}
	if c.Intake.CredentialHeader == "" {
		errs = append(errs, errors.New("CREDENTIAL_HEADER must not be empty"))
	}
	return errors.Join(errs...)
}

func (c Config) DSN() string {
	if c.DB.URL != "" {
		return c.DB.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
