package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	Suno      SunoConfig
	MusicGPT  MusicGPTConfig
	Jobs      JobsConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
	PublicURL string // base URL providers use to reach our webhooks
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	EnqueuePerHour int
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type DatabaseConfig struct {
	Driver string // postgres or sqlite
	DSN    string
}

type StorageConfig struct {
	Driver       string // r2, minio or memory
	SignedURLTTL time.Duration
	R2           R2Config
	Minio        MinioConfig
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type MinioConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	BucketName string
	UseSSL     bool
}

type SunoConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	PublicPerformance bool
}

type MusicGPTConfig struct {
	APIKey            string
	BaseURL           string
	WebhookSecret     string
	PublicPerformance bool
}

type JobsConfig struct {
	Dispatcher         string // asynq or local
	NodeID             int64  // snowflake node for event sequence numbers
	Workers            int
	QueueSize          int
	MaxRunningPerOrg   int
	GateInitialBackoff time.Duration
	GateMaxBackoff     time.Duration
	GateMaxAttempts    int
	PollInterval       time.Duration
	PollTimeout        time.Duration
	PushTimeout        time.Duration
	PrepareAttempts    int
	DownloadAttempts   int
	BlockedTerms       []string // masked in user text before submission
}

func Load() (*Config, error) {
	// A missing .env is fine; real deployments use the environment directly
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_DSN")
	readSecret("SUNO_API_KEY")
	readSecret("MUSICGPT_API_KEY")
	readSecret("MUSICGPT_WEBHOOK_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("MINIO_SECRET_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("server.public_url", "PUBLIC_URL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ratelimit.enqueue_per_hour", "RATELIMIT_ENQUEUE_PER_HOUR")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = viper.BindEnv("database.dsn", "DATABASE_DSN")
	_ = viper.BindEnv("storage.driver", "STORAGE_DRIVER")
	_ = viper.BindEnv("storage.signed_url_ttl", "STORAGE_SIGNED_URL_TTL")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("minio.endpoint", "MINIO_ENDPOINT")
	_ = viper.BindEnv("minio.access_key", "MINIO_ACCESS_KEY")
	_ = viper.BindEnv("minio.secret_key", "MINIO_SECRET_KEY")
	_ = viper.BindEnv("minio.bucket_name", "MINIO_BUCKET_NAME")
	_ = viper.BindEnv("minio.use_ssl", "MINIO_USE_SSL")
	_ = viper.BindEnv("suno.api_key", "SUNO_API_KEY")
	_ = viper.BindEnv("suno.base_url", "SUNO_BASE_URL")
	_ = viper.BindEnv("suno.model", "SUNO_MODEL")
	_ = viper.BindEnv("suno.public_performance", "SUNO_PUBLIC_PERFORMANCE")
	_ = viper.BindEnv("musicgpt.api_key", "MUSICGPT_API_KEY")
	_ = viper.BindEnv("musicgpt.base_url", "MUSICGPT_BASE_URL")
	_ = viper.BindEnv("musicgpt.webhook_secret", "MUSICGPT_WEBHOOK_SECRET")
	_ = viper.BindEnv("musicgpt.public_performance", "MUSICGPT_PUBLIC_PERFORMANCE")
	_ = viper.BindEnv("jobs.dispatcher", "JOBS_DISPATCHER")
	_ = viper.BindEnv("jobs.node_id", "JOBS_NODE_ID")
	_ = viper.BindEnv("jobs.blocked_terms", "JOBS_BLOCKED_TERMS")
	_ = viper.BindEnv("jobs.workers", "JOBS_WORKERS")
	_ = viper.BindEnv("jobs.queue_size", "JOBS_QUEUE_SIZE")
	_ = viper.BindEnv("jobs.max_running_per_org", "JOBS_MAX_RUNNING_PER_ORG")
	_ = viper.BindEnv("jobs.gate_initial_backoff", "JOBS_GATE_INITIAL_BACKOFF")
	_ = viper.BindEnv("jobs.gate_max_backoff", "JOBS_GATE_MAX_BACKOFF")
	_ = viper.BindEnv("jobs.gate_max_attempts", "JOBS_GATE_MAX_ATTEMPTS")
	_ = viper.BindEnv("jobs.poll_interval", "JOBS_POLL_INTERVAL")
	_ = viper.BindEnv("jobs.poll_timeout", "JOBS_POLL_TIMEOUT")
	_ = viper.BindEnv("jobs.push_timeout", "JOBS_PUSH_TIMEOUT")
	_ = viper.BindEnv("jobs.prepare_attempts", "JOBS_PREPARE_ATTEMPTS")
	_ = viper.BindEnv("jobs.download_attempts", "JOBS_DOWNLOAD_ATTEMPTS")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.public_url", "http://localhost:8000")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.enqueue_per_hour", 60)
	viper.SetDefault("gateway.enabled", false)

	// Catalog defaults
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=audiogen port=5432 sslmode=disable")

	// Artifact store defaults
	viper.SetDefault("storage.driver", "r2")
	viper.SetDefault("storage.signed_url_ttl", "1h")
	viper.SetDefault("minio.endpoint", "localhost:9000")
	viper.SetDefault("minio.bucket_name", "audio")
	viper.SetDefault("minio.use_ssl", false)

	// Provider defaults
	viper.SetDefault("suno.base_url", "https://api.sunoapi.org")
	viper.SetDefault("suno.model", "auto")
	viper.SetDefault("suno.public_performance", false)
	viper.SetDefault("musicgpt.base_url", "https://api.musicgpt.com/api/public/v1")
	viper.SetDefault("musicgpt.public_performance", true)

	// Orchestration defaults
	viper.SetDefault("jobs.dispatcher", "asynq")
	viper.SetDefault("jobs.node_id", 1)
	viper.SetDefault("jobs.workers", 10)
	viper.SetDefault("jobs.queue_size", 256)
	viper.SetDefault("jobs.max_running_per_org", 3)
	viper.SetDefault("jobs.gate_initial_backoff", "1s")
	viper.SetDefault("jobs.gate_max_backoff", "4s")
	viper.SetDefault("jobs.gate_max_attempts", 90)
	viper.SetDefault("jobs.poll_interval", "5s")
	viper.SetDefault("jobs.poll_timeout", "10m")
	viper.SetDefault("jobs.push_timeout", "15m")
	viper.SetDefault("jobs.prepare_attempts", 3)
	viper.SetDefault("jobs.download_attempts", 3)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
			PublicURL: strings.TrimRight(viper.GetString("server.public_url"), "/"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			EnqueuePerHour: viper.GetInt("ratelimit.enqueue_per_hour"),
		},
		Zitadel: ZitadelConfig{
			Domain:   viper.GetString("zitadel.domain"),
			ClientID: viper.GetString("zitadel.client_id"),
			Issuer:   viper.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		Database: DatabaseConfig{
			Driver: viper.GetString("database.driver"),
			DSN:    viper.GetString("database.dsn"),
		},
		Storage: StorageConfig{
			Driver:       viper.GetString("storage.driver"),
			SignedURLTTL: viper.GetDuration("storage.signed_url_ttl"),
			R2: R2Config{
				AccountID:       viper.GetString("r2.account_id"),
				AccessKeyID:     viper.GetString("r2.access_key_id"),
				SecretAccessKey: viper.GetString("r2.secret_access_key"),
				BucketName:      viper.GetString("r2.bucket_name"),
				PublicURL:       viper.GetString("r2.public_url"),
			},
			Minio: MinioConfig{
				Endpoint:   viper.GetString("minio.endpoint"),
				AccessKey:  viper.GetString("minio.access_key"),
				SecretKey:  viper.GetString("minio.secret_key"),
				BucketName: viper.GetString("minio.bucket_name"),
				UseSSL:     viper.GetBool("minio.use_ssl"),
			},
		},
		Suno: SunoConfig{
			APIKey:            viper.GetString("suno.api_key"),
			BaseURL:           viper.GetString("suno.base_url"),
			Model:             viper.GetString("suno.model"),
			PublicPerformance: viper.GetBool("suno.public_performance"),
		},
		MusicGPT: MusicGPTConfig{
			APIKey:            viper.GetString("musicgpt.api_key"),
			BaseURL:           viper.GetString("musicgpt.base_url"),
			WebhookSecret:     viper.GetString("musicgpt.webhook_secret"),
			PublicPerformance: viper.GetBool("musicgpt.public_performance"),
		},
		Jobs: JobsConfig{
			Dispatcher:         viper.GetString("jobs.dispatcher"),
			NodeID:             viper.GetInt64("jobs.node_id"),
			Workers:            viper.GetInt("jobs.workers"),
			QueueSize:          viper.GetInt("jobs.queue_size"),
			MaxRunningPerOrg:   viper.GetInt("jobs.max_running_per_org"),
			GateInitialBackoff: viper.GetDuration("jobs.gate_initial_backoff"),
			GateMaxBackoff:     viper.GetDuration("jobs.gate_max_backoff"),
			GateMaxAttempts:    viper.GetInt("jobs.gate_max_attempts"),
			PollInterval:       viper.GetDuration("jobs.poll_interval"),
			PollTimeout:        viper.GetDuration("jobs.poll_timeout"),
			PushTimeout:        viper.GetDuration("jobs.push_timeout"),
			PrepareAttempts:    viper.GetInt("jobs.prepare_attempts"),
			DownloadAttempts:   viper.GetInt("jobs.download_attempts"),
			BlockedTerms:       splitList(viper.GetString("jobs.blocked_terms")),
		},
	}

	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
