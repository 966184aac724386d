// Package database opens the ledger database and keeps its schema current.
package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config selects the database driver and its connection target.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects with the configured driver.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return OpenSQLite(cfg.Path, logger)
	case DriverMySQL:
		return OpenMySQL(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(ledger.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
