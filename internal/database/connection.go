package database

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskbridge/taskbridge/internal/models"
)

type Config struct {
	// URL selects Postgres; Path selects an on-disk SQLite database.
	// URL wins when both are set.
	URL             string
	Path            string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

func Open(cfg *Config) (*gorm.DB, error) {
	if cfg.URL == "" && cfg.Path == "" {
		return nil, fmt.Errorf("database URL or path is required")
	}

	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 100
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = logger.Warn
	}

	gormCfg := &gorm.Config{
		Logger:      logger.Default.LogMode(cfg.LogLevel),
		PrepareStmt: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	if cfg.URL != "" {
		db, err = gorm.Open(postgres.Open(cfg.URL), gormCfg)
	} else {
		db, err = gorm.Open(sqlite.Open(cfg.Path), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxConnections)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.APIKey{},
		&models.APIKeyUsage{},
		&models.BillingAccount{},
		&models.UsageRecord{},
		&models.Transaction{},
	); err != nil {
		return fmt.Errorf("failed to migrate models: %w", err)
	}

	return createIndexes(db)
}

func createIndexes(db *gorm.DB) error {
	// Key lookup indexes
	db.Exec("CREATE INDEX IF NOT EXISTS idx_api_keys_key_hash ON api_keys(key_hash)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_api_keys_is_active ON api_keys(is_active)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_api_keys_key_type ON api_keys(key_type)")

	// Audit and accounting indexes
	db.Exec("CREATE INDEX IF NOT EXISTS idx_api_key_usage_key_ts ON api_key_usages(key_id, timestamp)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_usage_records_key_ts ON usage_records(api_key_id, timestamp)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_usage_records_workspace ON usage_records(workspace_id)")
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_accounts_key ON billing_accounts(api_key_id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_transactions_key_ts ON transactions(api_key_id, timestamp)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_transactions_type ON transactions(type)")

	return nil
}

func IsHealthy(db *gorm.DB) bool {
	if db == nil {
		return false
	}
	sqlDB, err := db.DB()
	if err != nil {
		return false
	}
	return sqlDB.Ping() == nil
}

// TestConnection verifies connectivity without keeping the handle.
func TestConnection(ctx context.Context, cfg *Config) error {
	db, err := Open(&Config{URL: cfg.URL, Path: cfg.Path, MaxConnections: 1, MaxIdleConns: 1, LogLevel: logger.Silent})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return sqlDB.PingContext(ctx)
}
