package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver is the value of the storage.driver config key.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

const (
	DefaultSQLitePath = "realtime-hub.db"

	// sqlite serializes writers; one connection avoids SQLITE_BUSY between
	// concurrent session flushes.
	sqliteMaxOpenConns   = 1
	postgresMaxOpenConns = 16
	postgresMaxIdleConns = 4
	postgresConnLifetime = 30 * time.Minute
)

// ParseDriver maps a storage.driver value to a Driver. Empty selects sqlite.
func ParseDriver(name string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pg":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("storage.driver %q is not supported", name)
	}
}

// Open connects to the conversation database and sizes its pool for the
// driver. Postgres requires a dsn; sqlite falls back to DefaultSQLitePath.
func Open(driver Driver, dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = DefaultSQLitePath
		}
		if path, onDisk := sqliteFilePath(dsn); onDisk {
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create sqlite directory %s: %w", dir, err)
				}
			}
		}
		db, err = gorm.Open(sqliteDriver.Open(dsn), cfg)
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("storage.dsn is required for %s", driver)
		}
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("storage.driver %q is not supported", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%s pool: %w", driver, err)
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	} else {
		sqlDB.SetMaxOpenConns(postgresMaxOpenConns)
		sqlDB.SetMaxIdleConns(postgresMaxIdleConns)
		sqlDB.SetConnMaxLifetime(postgresConnLifetime)
	}
	return db, nil
}

// sqliteFilePath strips the file: scheme and query from dsn. In-memory
// databases report false.
func sqliteFilePath(dsn string) (string, bool) {
	path, query, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" || path == ":memory:" || strings.Contains(query, "mode=memory") {
		return "", false
	}
	return path, true
}
