// Package config loads the server configuration from the environment, an
// optional .env file and an optional YAML registry file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/otcheredev/ris-dicom-store/internal/database"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/jobs"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/services"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the server
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Cache    CacheConfig
	Redis    RedisConfig
	Index    IndexConfig
	Jobs     JobsConfig
	Archive  ArchiveConfig
	Changes  ChangesConfig
	Log      LogConfig
	Metrics  MetricsConfig
	CORS     CORSConfig

	// File is the YAML registry file, empty if none
	File     string
	Registry RegistryFile
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Driver       string
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	Path         string
	LogLevel     string
	MaxOpenConns int
}

type StorageConfig struct {
	Dir                string
	Compression        string
	StoreMD5           bool
	Fsync              bool
	OverwriteInstances bool
	ParseCacheBytes    int64
}

type CacheConfig struct {
	Enabled     bool
	Type        string // memory or redis
	MaxBytes    int64
	MaxItemSize int64
	TTL         time.Duration
}

type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

type IndexConfig struct {
	MaximumStorageSize  int64
	MaximumPatientCount int64
	MaximumStorageMode  string
	StableAgePatient    time.Duration
	StableAgeStudy      time.Duration
	StableAgeSeries     time.Duration
	SweepPeriod         time.Duration
	StorageAccessOnFind string
	LimitFindResults    int
	CaseSensitivePN     bool
	AccentFolding       bool
}

type JobsConfig struct {
	Workers     int
	HistorySize int
	SavePeriod  time.Duration
	RetryPeriod time.Duration
}

type ArchiveConfig struct {
	TempDir string
}

type ChangesConfig struct {
	QueueSize    int
	DrainTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Enabled bool
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// RegistryFile is the content of the YAML file
type RegistryFile struct {
	UserMetadata     map[string]int             `yaml:"UserMetadata"`
	UserContentTypes map[string]UserContentType `yaml:"UserContentTypes"`
	Peers            []models.PeerConfig        `yaml:"Peers"`
}

// UserContentType declares an attachment type in the user range
type UserContentType struct {
	ID   int    `yaml:"id"`
	MIME string `yaml:"mime"`
}

// Load reads .env if present, then the environment. configFile overrides
// CONFIG_FILE.
func Load(configFile string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8042),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 60*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 0),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "sqlite"),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			DBName:       getEnv("DB_NAME", "dicom_store"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			Path:         getEnv("DB_PATH", "./data/index.db"),
			LogLevel:     getEnv("DB_LOG_LEVEL", "warn"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 10),
		},
		Storage: StorageConfig{
			Dir:                getEnv("STORAGE_DIR", "./data/storage"),
			Compression:        getEnv("STORAGE_COMPRESSION", "none"),
			StoreMD5:           getEnvBool("STORE_MD5", true),
			Fsync:              getEnvBool("STORAGE_FSYNC", false),
			OverwriteInstances: getEnvBool("OVERWRITE_INSTANCES", false),
			ParseCacheBytes:    getEnvInt64("PARSE_CACHE_BYTES", services.DefaultParseCacheBytes),
		},
		Cache: CacheConfig{
			Enabled:     getEnvBool("CACHE_ENABLED", true),
			Type:        getEnv("CACHE_TYPE", "memory"),
			MaxBytes:    getEnvInt64("CACHE_MAX_BYTES", 128<<20),
			MaxItemSize: getEnvInt64("CACHE_MAX_ITEM_SIZE", 16<<20),
			TTL:         getEnvDuration("CACHE_TTL", time.Hour),
		},
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnvInt("REDIS_PORT", 6379),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "dicomstore:"),
		},
		Index: IndexConfig{
			MaximumStorageSize:  getEnvInt64("MAXIMUM_STORAGE_SIZE", 0),
			MaximumPatientCount: getEnvInt64("MAXIMUM_PATIENT_COUNT", 0),
			MaximumStorageMode:  getEnv("MAXIMUM_STORAGE_MODE", "recycle"),
			StableAgePatient:    getEnvDuration("STABLE_AGE_PATIENT", 60*time.Second),
			StableAgeStudy:      getEnvDuration("STABLE_AGE_STUDY", 60*time.Second),
			StableAgeSeries:     getEnvDuration("STABLE_AGE_SERIES", 60*time.Second),
			SweepPeriod:         getEnvDuration("STABILITY_SWEEP_PERIOD", time.Second),
			StorageAccessOnFind: getEnv("STORAGE_ACCESS_ON_FIND", "always"),
			LimitFindResults:    getEnvInt("LIMIT_FIND_RESULTS", 0),
			CaseSensitivePN:     getEnvBool("CASE_SENSITIVE_PN", false),
			AccentFolding:       getEnvBool("ACCENT_FOLDING", false),
		},
		Jobs: JobsConfig{
			Workers:     getEnvInt("CONCURRENT_JOBS", 2),
			HistorySize: getEnvInt("JOBS_HISTORY_SIZE", 10),
			SavePeriod:  getEnvDuration("JOBS_SAVE_PERIOD", 10*time.Second),
			RetryPeriod: getEnvDuration("JOBS_RETRY_PERIOD", 200*time.Millisecond),
		},
		Archive: ArchiveConfig{
			TempDir: getEnv("ARCHIVE_TEMP_DIR", ""),
		},
		Changes: ChangesConfig{
			QueueSize:    getEnvInt("CHANGES_QUEUE_SIZE", 1024),
			DrainTimeout: getEnvDuration("CHANGES_DRAIN_TIMEOUT", 5*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvSlice("CORS_ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type", "Range"}),
		},
		File: getEnv("CONFIG_FILE", ""),
	}

	if configFile != "" {
		cfg.File = configFile
	}
	if cfg.File != "" {
		if err := cfg.loadFile(cfg.File); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c.Registry); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("DB_HOST is required with the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("DB_PATH is required with the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite)", c.Database.Driver)
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("STORAGE_DIR is required")
	}
	if _, err := models.ParseCompressionType(c.Storage.Compression); err != nil {
		return err
	}

	if c.Cache.Enabled && c.Cache.Type != "memory" && c.Cache.Type != "redis" {
		return fmt.Errorf("invalid cache type: %s (must be memory or redis)", c.Cache.Type)
	}

	if c.Index.MaximumStorageSize < 0 || c.Index.MaximumPatientCount < 0 {
		return fmt.Errorf("storage quotas cannot be negative")
	}
	if _, err := models.ParseMaxStorageMode(c.Index.MaximumStorageMode); err != nil {
		return err
	}
	if _, err := models.ParseFindStorageAccessMode(c.Index.StorageAccessOnFind); err != nil {
		return err
	}
	if c.Index.SweepPeriod <= 0 {
		return fmt.Errorf("STABILITY_SWEEP_PERIOD must be positive")
	}

	if c.Jobs.Workers < 1 {
		return fmt.Errorf("CONCURRENT_JOBS must be at least 1, got %d", c.Jobs.Workers)
	}
	if c.Jobs.HistorySize < 0 {
		return fmt.Errorf("JOBS_HISTORY_SIZE cannot be negative")
	}

	if c.Changes.QueueSize < 1 {
		return fmt.Errorf("CHANGES_QUEUE_SIZE must be at least 1")
	}

	for name, id := range c.Registry.UserMetadata {
		if !models.MetadataType(id).IsUserDefined() {
			return fmt.Errorf("user metadata %s has id %d outside the user range", name, id)
		}
	}
	for name, ct := range c.Registry.UserContentTypes {
		if !models.FileContentType(ct.ID).IsUserDefined() {
			return fmt.Errorf("user content type %s has id %d outside the user range", name, ct.ID)
		}
	}
	seen := make(map[string]bool)
	for _, p := range c.Registry.Peers {
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("peers need a name and a URL")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate peer: %s", p.Name)
		}
		seen[p.Name] = true
	}

	return nil
}

// RegisterUserTypes declares the user metadata and content types of the
// registry file in the process-wide registries
func (c *Config) RegisterUserTypes() error {
	for name, id := range c.Registry.UserMetadata {
		if err := models.RegisterUserMetadata(models.MetadataType(id), name); err != nil {
			return err
		}
	}
	for name, ct := range c.Registry.UserContentTypes {
		if err := models.RegisterUserContentType(models.FileContentType(ct.ID), name, ct.MIME); err != nil {
			return err
		}
	}
	return nil
}

// DatabaseOptions returns the connection settings of the index database
func (c *Config) DatabaseOptions(allowUpgrade bool) database.Config {
	return database.Config{
		Driver:       c.Database.Driver,
		Host:         c.Database.Host,
		Port:         c.Database.Port,
		User:         c.Database.User,
		Password:     c.Database.Password,
		DBName:       c.Database.DBName,
		SSLMode:      c.Database.SSLMode,
		Path:         c.Database.Path,
		LogLevel:     c.Database.LogLevel,
		MaxOpenConns: c.Database.MaxOpenConns,
		AllowUpgrade: allowUpgrade,
	}
}

// IndexOptions returns the settings of the resource index. Validate must
// have succeeded.
func (c *Config) IndexOptions() index.Options {
	mode, _ := models.ParseMaxStorageMode(c.Index.MaximumStorageMode)
	access, _ := models.ParseFindStorageAccessMode(c.Index.StorageAccessOnFind)
	return index.Options{
		MaximumStorageSize:  c.Index.MaximumStorageSize,
		MaximumPatientCount: c.Index.MaximumPatientCount,
		MaxStorageMode:      mode,
		StableAgePatient:    c.Index.StableAgePatient,
		StableAgeStudy:      c.Index.StableAgeStudy,
		StableAgeSeries:     c.Index.StableAgeSeries,
		SweepPeriod:         c.Index.SweepPeriod,
		StorageAccessOnFind: access,
		LimitFindResults:    c.Index.LimitFindResults,
		AccentFolding:       c.Index.AccentFolding,
	}
}

// StoreOptions returns the ingestion settings
func (c *Config) StoreOptions() services.StoreOptions {
	compression, _ := models.ParseCompressionType(c.Storage.Compression)
	return services.StoreOptions{
		Compression:        compression,
		StoreMD5:           c.Storage.StoreMD5,
		OverwriteInstances: c.Storage.OverwriteInstances,
		ParseCacheBytes:    c.Storage.ParseCacheBytes,
	}
}

// JobsOptions returns the settings of the jobs engine
func (c *Config) JobsOptions() jobs.Options {
	return jobs.Options{
		Workers:     c.Jobs.Workers,
		HistorySize: c.Jobs.HistorySize,
		SavePeriod:  c.Jobs.SavePeriod,
		RetryPeriod: c.Jobs.RetryPeriod,
	}
}

// RedisAddr returns host:port of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
