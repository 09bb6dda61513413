package database

import (
	"errors"
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrMissingDSN        = errors.New("database: dsn is required")
	ErrUnsupportedDriver = errors.New("database: unsupported driver")
)

// Config selects the SQL driver and connection string.
type Config struct {
	Driver string
	DSN    string
	Logger *zap.Logger
}

// Open establishes the database connection and brings the schema up to date.
func Open(cfg Config) (*gorm.DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, ErrMissingDSN
	}

	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// Single writer: room position assignment relies on it.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}

// Migrate creates or updates the event log tables and applies named one-shot migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(eventlog.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
