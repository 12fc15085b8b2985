package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// SQLiteDriverName is the sqlite3 driver registered with per-connection pragmas.
const SQLiteDriverName = "sqlite3_labeler"

// Supported datastore drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

var connectionPragmas = []string{
	"PRAGMA synchronous = NORMAL",
	"PRAGMA foreign_keys = ON",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA cache_size = -16000",
}

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			for _, pragma := range connectionPragmas {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
}

// driverFor maps a configured driver to the database/sql driver name, the
// goqu dialect and a normalized DSN.
func driverFor(driver, dsn string, busyTimeoutMS int) (sqlDriver, dialect, normalized string, err error) {
	switch driver {
	case DriverSQLite, "":
		return SQLiteDriverName, "sqlite3", sqliteDSN(dsn, busyTimeoutMS), nil
	case DriverPostgres:
		return "pgx", "postgres", dsn, nil
	case DriverMySQL:
		normalized, err = mysqlDSN(dsn)
		if err != nil {
			return "", "", "", err
		}
		return "mysql", "mysql", normalized, nil
	default:
		return "", "", "", fmt.Errorf("unsupported datastore driver %q", driver)
	}
}

func sqliteDSN(path string, busyTimeoutMS int) string {
	if strings.Contains(path, ":memory:") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
}

func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	// Timestamps are stored as text and binary columns hold signatures.
	cfg.ParseTime = false
	cfg.InterpolateParams = false
	cfg.RejectReadOnly = true
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	if _, ok := cfg.Params["transaction_isolation"]; !ok {
		cfg.Params["transaction_isolation"] = "'READ-COMMITTED'"
	}
	return cfg.FormatDSN(), nil
}
