package storage

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured database, applies pool settings, and
// migrates the schema.
func Open(ctx context.Context, driver, dsn string, opts ...PoolOption) (*GormStorage, error) {
	var (
		dialector gorm.Dialector
		pool      PoolConfig
	)
	switch strings.ToLower(driver) {
	case DriverSQLite, "":
		dialector = sqlite.Open(sqliteDSN(dsn))
		pool = SQLitePoolConfig()
	case DriverPostgres, "postgresql":
		dialector = postgres.Open(dsn)
		pool = DefaultPoolConfig()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := ConfigurePool(db, pool, opts...); err != nil {
		return nil, err
	}

	s := NewGormStorage(db)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// sqliteDSN adds a busy timeout to file databases so concurrent workers wait
// for the write lock instead of failing.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		return ":memory:"
	}
	if dsn == ":memory:" || strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000&_journal_mode=WAL"
}
