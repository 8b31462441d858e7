package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rpattn/retailingest/internal/db"
	"github.com/spf13/viper"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	MaxUploadBytes  int64
}

// BlobConfig selects and configures the blob store gateway.
type BlobConfig struct {
	Driver          string
	BaseDir         string
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// IngestionConfig tunes the ingestion pipeline.
type IngestionConfig struct {
	BatchSize         int
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	MaxConcurrent     int
	MaxPerTenant      int
	Isolation         string
	WorkerBinary      string
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	JWTSecret string
}

// RedisConfig enables the cross-instance progress relay when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// KafkaConfig enables terminal-outcome events when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint      string
	ServiceName   string
	SamplingRatio float64
	Insecure      bool
}

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig
	Database  db.Config
	Blob      BlobConfig
	Ingestion IngestionConfig
	Auth      AuthConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Telemetry TelemetryConfig
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:3000"},
			MaxUploadBytes:  64 << 20,
		},
		Database: db.DefaultConfig(),
		Blob: BlobConfig{
			Driver:  "fs",
			BaseDir: "./data/uploads",
			Region:  "us-east-1",
			Prefix:  "uploads",
		},
		Ingestion: IngestionConfig{
			BatchSize:         500,
			Timeout:           30 * time.Minute,
			HeartbeatInterval: 15 * time.Second,
			MaxConcurrent:     4,
			MaxPerTenant:      0,
			Isolation:         "goroutine",
		},
		Redis: RedisConfig{
			Channel: "retailingest:progress",
		},
		Kafka: KafkaConfig{
			Topic: "ingestion.outcomes",
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "retailingest",
			SamplingRatio: 1.0,
			Insecure:      true,
		},
	}
}

var envKeys = []string{
	"server.addr",
	"server.read_timeout",
	"server.write_timeout",
	"server.idle_timeout",
	"server.shutdown_timeout",
	"server.allowed_origins",
	"server.max_upload_bytes",
	"database.host",
	"database.port",
	"database.user",
	"database.password",
	"database.dbname",
	"database.sslmode",
	"database.max_conns",
	"blob.driver",
	"blob.base_dir",
	"blob.bucket",
	"blob.region",
	"blob.endpoint",
	"blob.access_key_id",
	"blob.secret_access_key",
	"blob.prefix",
	"ingestion.batch_size",
	"ingestion.timeout",
	"ingestion.heartbeat_interval",
	"ingestion.max_concurrent",
	"ingestion.max_per_tenant",
	"ingestion.isolation",
	"ingestion.worker_binary",
	"auth.jwt_secret",
	"redis.addr",
	"redis.password",
	"redis.db",
	"redis.channel",
	"kafka.brokers",
	"kafka.topic",
	"telemetry.endpoint",
	"telemetry.service_name",
	"telemetry.sampling_ratio",
	"telemetry.insecure",
}

// Load reads config.yaml from configPath when present and applies RETAIL_*
// environment overrides, e.g. RETAIL_DATABASE_HOST.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if err := loadEnvFiles(configPath); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("RETAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		log.Println("[config] no config.yaml found, using defaults and env vars")
	} else {
		log.Printf("[config] loaded %s", v.ConfigFileUsed())
	}

	applyServer(v, &cfg.Server)
	applyDatabase(v, &cfg.Database)
	applyBlob(v, &cfg.Blob)
	applyIngestion(v, &cfg.Ingestion)

	if v.IsSet("auth.jwt_secret") {
		cfg.Auth.JWTSecret = v.GetString("auth.jwt_secret")
	}
	if v.IsSet("redis.addr") {
		cfg.Redis.Addr = v.GetString("redis.addr")
	}
	if v.IsSet("redis.password") {
		cfg.Redis.Password = v.GetString("redis.password")
	}
	if v.IsSet("redis.db") {
		cfg.Redis.DB = v.GetInt("redis.db")
	}
	if v.IsSet("redis.channel") {
		cfg.Redis.Channel = v.GetString("redis.channel")
	}
	if v.IsSet("kafka.brokers") {
		cfg.Kafka.Brokers = splitList(v.GetStringSlice("kafka.brokers"))
	}
	if v.IsSet("kafka.topic") {
		cfg.Kafka.Topic = v.GetString("kafka.topic")
	}
	if v.IsSet("telemetry.endpoint") {
		cfg.Telemetry.Endpoint = v.GetString("telemetry.endpoint")
	}
	if v.IsSet("telemetry.service_name") {
		cfg.Telemetry.ServiceName = v.GetString("telemetry.service_name")
	}
	if v.IsSet("telemetry.sampling_ratio") {
		cfg.Telemetry.SamplingRatio = v.GetFloat64("telemetry.sampling_ratio")
	}
	if v.IsSet("telemetry.insecure") {
		cfg.Telemetry.Insecure = v.GetBool("telemetry.insecure")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyServer(v *viper.Viper, cfg *ServerConfig) {
	if v.IsSet("server.addr") {
		cfg.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.read_timeout") {
		cfg.ReadTimeout = v.GetDuration("server.read_timeout")
	}
	if v.IsSet("server.write_timeout") {
		cfg.WriteTimeout = v.GetDuration("server.write_timeout")
	}
	if v.IsSet("server.idle_timeout") {
		cfg.IdleTimeout = v.GetDuration("server.idle_timeout")
	}
	if v.IsSet("server.shutdown_timeout") {
		cfg.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.AllowedOrigins = splitList(v.GetStringSlice("server.allowed_origins"))
	}
	if v.IsSet("server.max_upload_bytes") {
		cfg.MaxUploadBytes = v.GetInt64("server.max_upload_bytes")
	}
}

func applyDatabase(v *viper.Viper, cfg *db.Config) {
	if v.IsSet("database.host") {
		cfg.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("database.max_conns") {
		cfg.MaxConns = v.GetInt32("database.max_conns")
	}
}

func applyBlob(v *viper.Viper, cfg *BlobConfig) {
	if v.IsSet("blob.driver") {
		cfg.Driver = strings.ToLower(v.GetString("blob.driver"))
	}
	if v.IsSet("blob.base_dir") {
		cfg.BaseDir = v.GetString("blob.base_dir")
	}
	if v.IsSet("blob.bucket") {
		cfg.Bucket = v.GetString("blob.bucket")
	}
	if v.IsSet("blob.region") {
		cfg.Region = v.GetString("blob.region")
	}
	if v.IsSet("blob.endpoint") {
		cfg.Endpoint = v.GetString("blob.endpoint")
	}
	if v.IsSet("blob.access_key_id") {
		cfg.AccessKeyID = v.GetString("blob.access_key_id")
	}
	if v.IsSet("blob.secret_access_key") {
		cfg.SecretAccessKey = v.GetString("blob.secret_access_key")
	}
	if v.IsSet("blob.prefix") {
		cfg.Prefix = v.GetString("blob.prefix")
	}
}

func applyIngestion(v *viper.Viper, cfg *IngestionConfig) {
	if v.IsSet("ingestion.batch_size") {
		cfg.BatchSize = v.GetInt("ingestion.batch_size")
	}
	if v.IsSet("ingestion.timeout") {
		cfg.Timeout = v.GetDuration("ingestion.timeout")
	}
	if v.IsSet("ingestion.heartbeat_interval") {
		cfg.HeartbeatInterval = v.GetDuration("ingestion.heartbeat_interval")
	}
	if v.IsSet("ingestion.max_concurrent") {
		cfg.MaxConcurrent = v.GetInt("ingestion.max_concurrent")
	}
	if v.IsSet("ingestion.max_per_tenant") {
		cfg.MaxPerTenant = v.GetInt("ingestion.max_per_tenant")
	}
	if v.IsSet("ingestion.isolation") {
		cfg.Isolation = strings.ToLower(v.GetString("ingestion.isolation"))
	}
	if v.IsSet("ingestion.worker_binary") {
		cfg.WorkerBinary = v.GetString("ingestion.worker_binary")
	}
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.Blob.Driver {
	case "fs":
		if strings.TrimSpace(c.Blob.BaseDir) == "" {
			return fmt.Errorf("blob.base_dir is required for the fs driver")
		}
	case "s3":
		if strings.TrimSpace(c.Blob.Bucket) == "" {
			return fmt.Errorf("blob.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	switch c.Ingestion.Isolation {
	case "goroutine", "process":
	default:
		return fmt.Errorf("unknown ingestion isolation %q", c.Ingestion.Isolation)
	}
	if c.Ingestion.BatchSize <= 0 {
		return fmt.Errorf("ingestion.batch_size must be positive")
	}
	if c.Ingestion.HeartbeatInterval <= 0 {
		return fmt.Errorf("ingestion.heartbeat_interval must be positive")
	}
	if c.Ingestion.MaxConcurrent <= 0 {
		return fmt.Errorf("ingestion.max_concurrent must be positive")
	}
	if c.Ingestion.MaxPerTenant < 0 {
		return fmt.Errorf("ingestion.max_per_tenant must not be negative")
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(values []string) []string {
	out := []string{}
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
