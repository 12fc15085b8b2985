package store

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
)

const (
	labelsTable  = "labels"
	queueTable   = "label_queue"
	deadTable    = "label_queue_dead"
	logLockTable = "label_log_lock"
)

func schemaFor(dialect string) []string {
	switch dialect {
	case "postgres":
		return postgresSchema
	case "mysql":
		return mysqlSchema
	default:
		return sqliteSchema
	}
}

// AUTOINCREMENT keeps sqlite from reusing the seq of a deleted tail row.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS labels (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		src TEXT NOT NULL,
		uri TEXT NOT NULL,
		cid TEXT,
		val TEXT NOT NULL,
		neg BOOLEAN NOT NULL DEFAULT 0,
		cts TEXT NOT NULL,
		exp TEXT,
		sig BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_labels_uri ON labels (uri)`,
	`CREATE INDEX IF NOT EXISTS idx_labels_src ON labels (src)`,
	`CREATE TABLE IF NOT EXISTS label_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		uri TEXT NOT NULL,
		neg BOOLEAN NOT NULL DEFAULT 0,
		exp TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		claimed_by TEXT,
		claimed_at INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_label_queue_claim ON label_queue (claimed_by, claimed_at)`,
	`CREATE TABLE IF NOT EXISTS label_queue_dead (
		id INTEGER PRIMARY KEY,
		kind TEXT NOT NULL,
		uri TEXT NOT NULL,
		neg BOOLEAN NOT NULL DEFAULT 0,
		exp TEXT,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		dead_at INTEGER NOT NULL
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS labels (
		seq BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		src TEXT NOT NULL,
		uri TEXT NOT NULL,
		cid TEXT,
		val TEXT NOT NULL,
		neg BOOLEAN NOT NULL DEFAULT FALSE,
		cts TEXT NOT NULL,
		exp TEXT,
		sig BYTEA NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_labels_uri ON labels (uri text_pattern_ops)`,
	`CREATE INDEX IF NOT EXISTS idx_labels_src ON labels (src)`,
	`CREATE TABLE IF NOT EXISTS label_queue (
		id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		kind TEXT NOT NULL,
		uri TEXT NOT NULL,
		neg BOOLEAN NOT NULL DEFAULT FALSE,
		exp TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		claimed_by TEXT,
		claimed_at BIGINT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS label_queue_dead (
		id BIGINT PRIMARY KEY,
		kind TEXT NOT NULL,
		uri TEXT NOT NULL,
		neg BOOLEAN NOT NULL DEFAULT FALSE,
		exp TEXT,
		attempts INTEGER NOT NULL,
		last_error TEXT,
		dead_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS label_log_lock (id INTEGER PRIMARY KEY)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
// Binary collation keeps prefix matches case sensitive.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS labels (
		seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		src VARCHAR(512) NOT NULL,
		uri VARCHAR(2048) CHARACTER SET utf8mb4 COLLATE utf8mb4_bin NOT NULL,
		cid VARCHAR(256),
		val VARCHAR(128) NOT NULL,
		neg BOOLEAN NOT NULL DEFAULT FALSE,
		cts VARCHAR(32) NOT NULL,
		exp VARCHAR(32),
		sig VARBINARY(256) NOT NULL,
		INDEX idx_labels_uri (uri(255)),
		INDEX idx_labels_src (src)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS label_queue (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		kind VARCHAR(128) NOT NULL,
		uri VARCHAR(2048) NOT NULL,
		neg BOOLEAN NOT NULL DEFAULT FALSE,
		exp VARCHAR(32),
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT,
		claimed_by VARCHAR(128),
		claimed_at BIGINT,
		created_at BIGINT NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS label_queue_dead (
		id BIGINT NOT NULL PRIMARY KEY,
		kind VARCHAR(128) NOT NULL,
		uri VARCHAR(2048) NOT NULL,
		neg BOOLEAN NOT NULL DEFAULT FALSE,
		exp VARCHAR(32),
		attempts INT NOT NULL,
		last_error TEXT,
		dead_at BIGINT NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS label_log_lock (id INT NOT NULL PRIMARY KEY) ENGINE=InnoDB`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaFor(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	if !s.rowLocks {
		return nil
	}
	// Appends on row-locking datastores serialize on this row.
	_, err := s.gq.Insert(logLockTable).
		Rows(goqu.Record{"id": 1}).
		OnConflict(goqu.DoNothing()).
		Executor().ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed log lock: %w", err)
	}
	return nil
}
