package config

import (
	"fmt"
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration for the import service
type Config struct {
	Environment string

	Database DatabaseConfig
	Cache    CacheConfig
	Queue    QueueConfig
	Storage  StorageConfig
	Import   ImportConfig
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	LogLevel        string
	MaxConnections  int
	MinConnections  int
	MaxConnLifetime int // minutes
	MaxConnIdleTime int // minutes
}

// CacheConfig holds Redis connection settings
type CacheConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  int // seconds
	ReadTimeout  int // seconds
	WriteTimeout int // seconds
	PoolSize     int
	MinIdleConns int
}

// QueueConfig holds Asynq worker settings
type QueueConfig struct {
	RedisHost      string
	RedisPort      int
	RedisPassword  string
	RedisDB        int
	DialTimeout    int // seconds
	ReadTimeout    int // seconds
	WriteTimeout   int // seconds
	Concurrency    int
	MaxRetries     int
	StrictPriority bool
}

// StorageConfig holds blob storage settings
type StorageConfig struct {
	BasePath    string
	MaxFileSize int64 // bytes
}

// ImportConfig holds the tunables of the import engine. These are explicit
// configuration passed into the supervisor, never ambient globals.
type ImportConfig struct {
	ChunkSize         int
	MaxWriteAttempts  int
	RetryBaseDelayMs  int
	HeartbeatStaleSec int
	ErrorLogCap       int
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			log.Println("No .env file found, using environment variables only")
		}
	}

	// Environment
	viper.SetDefault("ENV", "development")

	// Database defaults
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", 5432)
	viper.SetDefault("DB_NAME", "bulkimport")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("DB_LOG_LEVEL", "silent")
	viper.SetDefault("DB_MAX_CONNECTIONS", 25)
	viper.SetDefault("DB_MIN_CONNECTIONS", 5)
	viper.SetDefault("DB_MAX_CONN_LIFETIME_MIN", 60)
	viper.SetDefault("DB_MAX_CONN_IDLE_MIN", 10)

	// Redis defaults
	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_DIAL_TIMEOUT_SEC", 5)
	viper.SetDefault("REDIS_READ_TIMEOUT_SEC", 3)
	viper.SetDefault("REDIS_WRITE_TIMEOUT_SEC", 3)
	viper.SetDefault("REDIS_POOL_SIZE", 10)
	viper.SetDefault("REDIS_MIN_IDLE_CONNS", 2)

	// Worker defaults. Concurrency caps how many jobs run simultaneously.
	viper.SetDefault("WORKER_CONCURRENCY", 4)
	viper.SetDefault("WORKER_MAX_RETRIES", 5)
	viper.SetDefault("WORKER_STRICT_PRIORITY", false)

	// Storage defaults
	viper.SetDefault("STORAGE_BASE_PATH", "/tmp/uploads")
	viper.SetDefault("MAX_FILE_SIZE_MB", 1024)

	// Import engine defaults. Chunk size is a latency/throughput trade-off,
	// not a correctness parameter.
	viper.SetDefault("IMPORT_CHUNK_SIZE", 1000)
	viper.SetDefault("IMPORT_MAX_WRITE_ATTEMPTS", 5)
	viper.SetDefault("IMPORT_RETRY_BASE_DELAY_MS", 500)
	viper.SetDefault("IMPORT_HEARTBEAT_STALE_SEC", 120)
	viper.SetDefault("IMPORT_ERROR_LOG_CAP", 100)

	viper.AutomaticEnv()

	config := &Config{
		Environment: viper.GetString("ENV"),
		Database: DatabaseConfig{
			Host:            viper.GetString("DB_HOST"),
			Port:            viper.GetInt("DB_PORT"),
			User:            viper.GetString("DB_USER"),
			Password:        viper.GetString("DB_PASSWORD"),
			Database:        viper.GetString("DB_NAME"),
			SSLMode:         viper.GetString("DB_SSLMODE"),
			LogLevel:        viper.GetString("DB_LOG_LEVEL"),
			MaxConnections:  viper.GetInt("DB_MAX_CONNECTIONS"),
			MinConnections:  viper.GetInt("DB_MIN_CONNECTIONS"),
			MaxConnLifetime: viper.GetInt("DB_MAX_CONN_LIFETIME_MIN"),
			MaxConnIdleTime: viper.GetInt("DB_MAX_CONN_IDLE_MIN"),
		},
		Cache: CacheConfig{
			Host:         viper.GetString("REDIS_HOST"),
			Port:         viper.GetInt("REDIS_PORT"),
			Password:     viper.GetString("REDIS_PASSWORD"),
			DB:           viper.GetInt("REDIS_DB"),
			DialTimeout:  viper.GetInt("REDIS_DIAL_TIMEOUT_SEC"),
			ReadTimeout:  viper.GetInt("REDIS_READ_TIMEOUT_SEC"),
			WriteTimeout: viper.GetInt("REDIS_WRITE_TIMEOUT_SEC"),
			PoolSize:     viper.GetInt("REDIS_POOL_SIZE"),
			MinIdleConns: viper.GetInt("REDIS_MIN_IDLE_CONNS"),
		},
		Queue: QueueConfig{
			RedisHost:      viper.GetString("REDIS_HOST"),
			RedisPort:      viper.GetInt("REDIS_PORT"),
			RedisPassword:  viper.GetString("REDIS_PASSWORD"),
			RedisDB:        viper.GetInt("REDIS_DB"),
			DialTimeout:    viper.GetInt("REDIS_DIAL_TIMEOUT_SEC"),
			ReadTimeout:    viper.GetInt("REDIS_READ_TIMEOUT_SEC"),
			WriteTimeout:   viper.GetInt("REDIS_WRITE_TIMEOUT_SEC"),
			Concurrency:    viper.GetInt("WORKER_CONCURRENCY"),
			MaxRetries:     viper.GetInt("WORKER_MAX_RETRIES"),
			StrictPriority: viper.GetBool("WORKER_STRICT_PRIORITY"),
		},
		Storage: StorageConfig{
			BasePath:    viper.GetString("STORAGE_BASE_PATH"),
			MaxFileSize: viper.GetInt64("MAX_FILE_SIZE_MB") * 1024 * 1024,
		},
		Import: ImportConfig{
			ChunkSize:         viper.GetInt("IMPORT_CHUNK_SIZE"),
			MaxWriteAttempts:  viper.GetInt("IMPORT_MAX_WRITE_ATTEMPTS"),
			RetryBaseDelayMs:  viper.GetInt("IMPORT_RETRY_BASE_DELAY_MS"),
			HeartbeatStaleSec: viper.GetInt("IMPORT_HEARTBEAT_STALE_SEC"),
			ErrorLogCap:       viper.GetInt("IMPORT_ERROR_LOG_CAP"),
		},
	}

	// Validate required fields
	if config.Database.User == "" {
		return nil, fmt.Errorf("DB_USER is required")
	}
	if config.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if config.Import.ChunkSize <= 0 {
		return nil, fmt.Errorf("IMPORT_CHUNK_SIZE must be positive")
	}

	return config, nil
}

// IsProduction returns true if running in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LogConfig logs the configuration (hiding sensitive data)
func (c *Config) LogConfig() {
	log.Printf("Configuration loaded:")
	log.Printf("  Environment: %s", c.Environment)
	log.Printf("  Database: %s:%d/%s", c.Database.Host, c.Database.Port, c.Database.Database)
	log.Printf("  Redis: %s:%d (DB: %d)", c.Cache.Host, c.Cache.Port, c.Cache.DB)
	log.Printf("  Worker Concurrency: %d", c.Queue.Concurrency)
	log.Printf("  Chunk Size: %d", c.Import.ChunkSize)
	log.Printf("  Max Write Attempts: %d", c.Import.MaxWriteAttempts)
	log.Printf("  Storage: %s", c.Storage.BasePath)
}
