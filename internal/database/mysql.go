package database

import (
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const (
	mysqlMaxOpenConns    = 25
	mysqlMaxIdleConns    = 5
	mysqlConnMaxLifetime = 5 * time.Minute
)

// OpenMySQL establishes a MySQL connection pool and performs schema migrations.
func OpenMySQL(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	normalized, err := normalizeMySQLDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(mysql.Open(normalized), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(mysqlMaxOpenConns)
	sqlDB.SetMaxIdleConns(mysqlMaxIdleConns)
	sqlDB.SetConnMaxLifetime(mysqlConnMaxLifetime)

	if err := migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", DriverMySQL))
	}

	return db, nil
}

// normalizeMySQLDSN forces the options the ledger relies on: time columns scanned into
// time.Time, and RowsAffected counting matched rows so a same-value CAS is not a conflict.
func normalizeMySQLDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("database dsn is required")
	}
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	return cfg.FormatDSN(), nil
}
