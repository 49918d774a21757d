package sqlite

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Options configures the store
type Options struct {
	// Driver is the database/sql driver name: "sqlite" (modernc, default)
	// or "sqlite3" (mattn, registered by the binary).
	Driver string

	// Outbox enables writing message events for the NATS dispatcher
	Outbox bool

	// SubjectPrefix prefixes outbox subjects, e.g. "mailbox"
	SubjectPrefix string
}

// Store is the local mailbox mirror: accounts, sync state, messages,
// contacts, links and the event outbox.
type Store struct {
	DB   *sql.DB
	opts Options
	now  func() time.Time
}

// Open opens or creates the mailbox database
func Open(dbPath string, opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = "sqlite"
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "mailbox"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(opts.Driver, dsn(opts.Driver, dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db, opts: opts, now: time.Now}, nil
}

// dsn builds a WAL connection string with immediate write transactions so
// concurrent account workers queue on busy_timeout instead of failing.
func dsn(driver, path string) string {
	if driver == "sqlite3" {
		return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
