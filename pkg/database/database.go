package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

// Database wraps the SQL connection shared by every store operation.
type Database struct {
	DB          *sql.DB    // The underlying SQL database connection
	idGenerator chan int64 // Channel for generating unique IDs
	Driver      string     // Normalized driver name so SQL builders can stay declarative
}

// Config holds the configuration details for opening the database.
type Config struct {
	DBType    string // Driver name: "sqlite", "genji", "chai", "duckdb", or "pgx" (PostgreSQL)
	DBPath    string // File path for file-based engines
	DBConn    string // Raw DSN override for network drivers
	DBHost    string // PostgreSQL host
	DBPort    int    // PostgreSQL port
	DBUser    string // PostgreSQL user
	DBPass    string // PostgreSQL password
	DBName    string // PostgreSQL database name
	PGSSLMode string // PostgreSQL SSL mode
	Port      int    // HTTP port, used in default file names so instances never collide
}

// normalizeDBType trims and lowercases driver names so downstream switch
// blocks do not miss an engine just because a caller passed mixed case or
// incidental whitespace.
func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// startIDGenerator launches a goroutine handing out unique record IDs over a
// channel. A channel keeps the counter race-free without a mutex.
func startIDGenerator(initialID int64) chan int64 {
	idChannel := make(chan int64)
	go func(start int64) {
		currentID := start
		for {
			idChannel <- currentID
			currentID++
		}
	}(initialID)
	return idChannel
}

// NextID hands out the next unique record identifier.
func (db *Database) NextID() int64 {
	return <-db.idGenerator
}

// NewDatabase opens the configured engine and tunes its connection pool.
// File engines get sane default paths derived from the HTTP port so several
// instances can share a directory without trampling each other's data.
func NewDatabase(config Config) (*Database, error) {
	driverName := normalizeDBType(config.DBType)
	var (
		dsn                string
		applySQLitePragmas bool
	)

	switch driverName {
	case "sqlite":
		applySQLitePragmas = true
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("locations-%d.%s", config.Port, driverName)
		}
	case "genji", "chai":
		// Genji is a document store behind a database/sql driver; chai is a
		// sqlite-backed alias. Both manage their own transaction and caching
		// strategy, so we skip SQLite-specific PRAGMA tuning.
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("locations-%d.%s", config.Port, driverName)
		}
	case "duckdb":
		// The file is created on first open.
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("locations-%d.duckdb", config.Port)
		}
	case "pgx":
		if strings.TrimSpace(config.DBConn) != "" {
			dsn = config.DBConn
		} else {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				config.DBUser, config.DBPass, config.DBHost, config.DBPort, config.DBName, config.PGSSLMode)
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.DBType)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Serialize file-engine access over a single underlying connection so
	// concurrent inserts never race at the DB layer.
	switch driverName {
	case "sqlite", "genji", "chai", "duckdb":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if applySQLitePragmas {
			tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := tuneSQLiteConnection(tuneCtx, db, log.Printf); err != nil {
				log.Printf("sqlite tuning skipped: %v", err)
			}
			cancel()
		}
	case "pgx":
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	// Cheap liveness probe with timeout so startup never hangs on a dead DSN.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
	}

	log.Printf("Using database driver: %s with DSN: %s", driverName, dsn)

	// Seed the ID generator from the highest stored ID so every record gets a
	// unique primary key across restarts. Errors are ignored to keep startup
	// robust when the table does not exist yet.
	var maxID sql.NullInt64
	_ = db.QueryRow(`SELECT MAX(id) FROM locations`).Scan(&maxID)
	initialID := int64(1)
	if maxID.Valid && maxID.Int64 >= initialID {
		initialID = maxID.Int64 + 1
	}

	return &Database{
		DB:          db,
		idGenerator: startIDGenerator(initialID),
		Driver:      driverName,
	}, nil
}

// tuneSQLiteConnection applies WAL/synchronous/busy pragmas so inserts stay
// fast enough for a live map without giving up durability entirely.
func tuneSQLiteConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	type pragma struct {
		label     string
		query     string
		expectRow bool
	}

	steps := []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "temp_store", query: "PRAGMA temp_store=MEMORY;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}

	for _, step := range steps {
		if step.expectRow {
			var mode string
			if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
				return fmt.Errorf("pragma %s: %w", step.label, err)
			}
			if logf != nil {
				logf("sqlite %s=%s", step.label, mode)
			}
			continue
		}
		if _, err := db.ExecContext(ctx, step.query); err != nil {
			return fmt.Errorf("pragma %s: %w", step.label, err)
		}
	}
	return nil
}

// newPlaceholderGenerator yields positional placeholders matching the driver:
// "$1", "$2", … for PostgreSQL and "?" for everything else.
func newPlaceholderGenerator(dbType string) func() string {
	if normalizeDBType(dbType) == "pgx" {
		counter := 0
		return func() string {
			counter++
			return fmt.Sprintf("$%d", counter)
		}
	}
	return func() string { return "?" }
}
