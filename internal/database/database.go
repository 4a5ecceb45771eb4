package database

import (
	"fmt"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DB is the global database instance
var DB *gorm.DB

// Config holds database configuration
type Config struct {
	Driver   string // postgres or sqlite
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Path     string // sqlite file
	LogLevel string

	MaxOpenConns int
	// AllowUpgrade migrates an index written by an older schema version
	AllowUpgrade bool
}

// Connect opens the database, checks the schema version and sets DB
func Connect(cfg Config) error {
	db, err := Open(cfg)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open establishes a connection and runs migrations
func Open(cfg Config) (*gorm.DB, error) {
	// Configure GORM logger
	var gormLogger logger.Interface
	switch cfg.LogLevel {
	case "silent":
		gormLogger = logger.Default.LogMode(logger.Silent)
	case "error":
		gormLogger = logger.Default.LogMode(logger.Error)
	case "info":
		gormLogger = logger.Default.LogMode(logger.Info)
	default:
		gormLogger = logger.Default.LogMode(logger.Warn)
	}

	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		)
		dialector = postgres.Open(dsn)
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite driver requires a database path")
		}
		dialector = sqlite.Open(cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying SQL DB for connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying DB: %w", err)
	}

	// Connection pool settings; sqlite has a single writer
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 25
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := Migrate(db, cfg.AllowUpgrade); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	log.Info().Str("driver", cfg.Driver).Int("schema", models.SchemaVersion).Msg("Database connected and migrated successfully")
	return db, nil
}

// Migrate creates the schema of a fresh database, or checks the version of
// an existing one. A different version is refused unless allowUpgrade is set.
func Migrate(db *gorm.DB, allowUpgrade bool) error {
	if !db.Migrator().HasTable(&models.GlobalPropertyRow{}) {
		if err := AutoMigrate(db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return setSchemaVersion(db)
	}

	version, err := SchemaVersion(db)
	if err != nil {
		return err
	}
	switch {
	case version == models.SchemaVersion:
		return nil
	case version == 0:
		// interrupted first start
		if err := AutoMigrate(db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return setSchemaVersion(db)
	case allowUpgrade && version < models.SchemaVersion:
		log.Warn().Int("from", version).Int("to", models.SchemaVersion).Msg("Upgrading database schema")
		if err := AutoMigrate(db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return setSchemaVersion(db)
	default:
		return errcode.Newf(errcode.IncompatibleDatabaseVersion,
			"the database schema has version %d, this build expects version %d", version, models.SchemaVersion)
	}
}

// SchemaVersion reads the version stored in the global properties
func SchemaVersion(db *gorm.DB) (int, error) {
	var row models.GlobalPropertyRow
	found, err := FindOne(db.Where("property = ?", models.PropertyDatabaseSchemaVersion), &row)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !found {
		return 0, nil
	}
	version, err := strconv.Atoi(row.Value)
	if err != nil {
		return 0, errcode.Wrap(errcode.Database, err, "bad schema version")
	}
	return version, nil
}

func setSchemaVersion(db *gorm.DB) error {
	row := models.GlobalPropertyRow{
		Property: models.PropertyDatabaseSchemaVersion,
		Value:    strconv.Itoa(models.SchemaVersion),
	}
	if err := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to write schema version: %w", err)
	}
	return nil
}

// AutoMigrate runs automatic migrations for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Resource{},
		&models.MainDicomTagRow{},
		&models.DicomIdentifierRow{},
		&models.MetadataRow{},
		&models.AttachedFileRow{},
		&models.ChangeRow{},
		&models.ExportedResourceRow{},
		&models.GlobalPropertyRow{},
		&models.PatientRecyclingRow{},
	)
}

// FindOne loads the first row matched by query into dest
func FindOne(query *gorm.DB, dest interface{}) (bool, error) {
	result := query.Limit(1).Find(dest)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Close closes the database connection
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
