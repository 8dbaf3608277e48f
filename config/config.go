package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	ServerAddr string

	// 数据库配置
	DBDriver   string // "mysql" or "sqlite"
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	SQLitePath string

	// Redis配置
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO配置
	ContentStore   string // "minio" or "memory"
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string

	FFmpegPath     string
	SnippetBitrate string // e.g., "192k"
	UploadMaxBytes int64

	// Ledger gateway
	LedgerMode   string // "http" or "memory"
	LedgerURL    string
	LedgerAPIKey string

	// Settlement policy
	SettleMaxAttempts  int
	SettleBaseBackoff  time.Duration
	SettleMaxBackoff   time.Duration
	ExtractTimeout     time.Duration
	LedgerTimeout      time.Duration
	SettleLeaseTTL     time.Duration
	SettleWait         time.Duration // 同步等待结算的上限，超时返回 202
	ReconcileInterval  time.Duration
	ReconcileGrace     time.Duration
	ReconcileBatchSize int

	JWTSecret string

	// 日志配置
	LogLevel      string
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
	LogCompress   bool
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return boolVal
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("500ms", "2m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d >= 0 {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),

		DBDriver:   strings.ToLower(getEnv("DB_DRIVER", "mysql")),
		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // no hardcoded default for passwords
		DBName:     getEnv("DB_NAME", "soundslice"),
		SQLitePath: getEnv("SQLITE_PATH", "data/soundslice.sqlite3"),

		RedisEnabled:  getEnvBool("REDIS_ENABLED", true),
		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ContentStore:   strings.ToLower(getEnv("CONTENT_STORE", "minio")),
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "soundslice"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),

		FFmpegPath:     getEnv("FFMPEG_PATH", "ffmpeg"),
		SnippetBitrate: getEnv("SNIPPET_BITRATE", "192k"),
		UploadMaxBytes: getEnvInt64("UPLOAD_MAX_BYTES", 200<<20),

		LedgerMode:   strings.ToLower(getEnv("LEDGER_MODE", "http")),
		LedgerURL:    getEnv("LEDGER_URL", "http://127.0.0.1:8545/reuses"),
		LedgerAPIKey: getEnv("LEDGER_API_KEY", ""),

		SettleMaxAttempts:  getEnvInt("SETTLE_MAX_ATTEMPTS", 3),
		SettleBaseBackoff:  getEnvDuration("SETTLE_BASE_BACKOFF", 500*time.Millisecond),
		SettleMaxBackoff:   getEnvDuration("SETTLE_MAX_BACKOFF", 10*time.Second),
		ExtractTimeout:     getEnvDuration("EXTRACT_TIMEOUT", 2*time.Minute),
		LedgerTimeout:      getEnvDuration("LEDGER_TIMEOUT", 30*time.Second),
		SettleLeaseTTL:     getEnvDuration("SETTLE_LEASE_TTL", 10*time.Minute),
		SettleWait:         getEnvDuration("SETTLE_WAIT", 25*time.Second),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileGrace:     getEnvDuration("RECONCILE_GRACE", 2*time.Minute),
		ReconcileBatchSize: getEnvInt("RECONCILE_BATCH_SIZE", 50),

		JWTSecret: getEnv("JWT_SECRET", "change-me"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", "logs/soundslice.log"),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 7),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 30),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),
	}
}
