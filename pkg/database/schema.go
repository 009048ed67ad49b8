package database

import (
	"fmt"
	"strings"
)

// InitSchema creates the required tables synchronously so the app can accept
// traffic immediately after startup. Records are immutable once inserted, so
// there is nothing beyond the two tables and a recency index to maintain.
func (db *Database) InitSchema(cfg Config) error {
	var statements []string

	switch normalizeDBType(cfg.DBType) {
	case "pgx":
		statements = []string{`
CREATE TABLE IF NOT EXISTS locations (
  id        BIGINT PRIMARY KEY,
  name      TEXT,
  lat       DOUBLE PRECISION,
  lng       DOUBLE PRECISION,
  timestamp TEXT
);`, `
CREATE TABLE IF NOT EXISTS share_links (
  id         BIGINT PRIMARY KEY,
  code       TEXT UNIQUE NOT NULL,
  target     TEXT UNIQUE NOT NULL,
  created_at TEXT NOT NULL
);`, `
CREATE INDEX IF NOT EXISTS idx_locations_timestamp ON locations (timestamp DESC);`,
		}

	case "sqlite", "chai", "genji":
		statements = []string{`
CREATE TABLE IF NOT EXISTS locations (
  id        INTEGER PRIMARY KEY,
  name      TEXT,
  lat       REAL,
  lng       REAL,
  timestamp TEXT
);`, `
CREATE TABLE IF NOT EXISTS share_links (
  id         INTEGER PRIMARY KEY,
  code       TEXT UNIQUE NOT NULL,
  target     TEXT UNIQUE NOT NULL,
  created_at TEXT NOT NULL
);`, `
CREATE INDEX IF NOT EXISTS idx_locations_timestamp ON locations (timestamp);`,
		}

	case "duckdb":
		statements = []string{`
CREATE TABLE IF NOT EXISTS locations (
  id        BIGINT PRIMARY KEY,
  name      VARCHAR,
  lat       DOUBLE,
  lng       DOUBLE,
  timestamp VARCHAR
);`, `
CREATE TABLE IF NOT EXISTS share_links (
  id         BIGINT PRIMARY KEY,
  code       VARCHAR UNIQUE NOT NULL,
  target     VARCHAR UNIQUE NOT NULL,
  created_at VARCHAR NOT NULL
);`,
		}

	default:
		return fmt.Errorf("unsupported database type: %s", cfg.DBType)
	}

	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.DB.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
