package app

import (
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/JoseManuelGdlO/whatsapp-connect-v2/config"
	"github.com/JoseManuelGdlO/whatsapp-connect-v2/internal/domain"
)

func tables() []interface{} {
	return domain.Tables
}

// getDatabase opens the relational store. Postgres is the production
// target; sqlite serves development and tests.
func getDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "sqlite", "sqlite3":
		return gorm.Open(sqlite.Open(cfg.URL), gormCfg)
	default:
		return gorm.Open(postgres.Open(cfg.URL), gormCfg)
	}
}
