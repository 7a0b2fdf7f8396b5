package db

import (
	"fmt"
	"log"
	"net/url"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rollup-sequencer/internal/config"
	"rollup-sequencer/internal/models"
)

var DB *gorm.DB

// InitDB connects using the loaded config and migrates the schema
func InitDB() {
	if config.AppConfig == nil {
		log.Fatalf("Configuration is not loaded")
	}
	var err error
	DB, err = Connect(config.AppConfig.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
}

// Connect opens the configured database and migrates the schema.
// Driver "sqlite" is for single node development, anything else is postgres.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		log.Printf("Connecting to sqlite database: %s", cfg.DSN)
		dialector = sqlite.Open(cfg.DSN)
	default:
		log.Printf("Connecting to database: %s", redactDSN(cfg.DSN))
		dialector = postgres.Open(cfg.DSN)
	}

	conn, err := Open(dialector)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	log.Println("✅ Database connected successfully")

	log.Println("🚀 Starting database schema migration with GORM AutoMigrate...")
	if err := Migrate(conn); err != nil {
		return nil, err
	}
	log.Println("✅ Database schema migrated successfully")
	return conn, nil
}

// Open opens a gorm handle on the given dialector with the sequencer's settings
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	return gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		CreateBatchSize:                          1000,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
}

// Migrate creates or updates the sequencer tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.TxDao{},
		&models.RollupProofDao{},
		&models.RollupDao{},
		&models.DefiInteractionNoteDao{},
		&models.ClaimDao{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// redactDSN hides the password of a URL style DSN
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		return u.Redacted()
	}
	return dsn
}
