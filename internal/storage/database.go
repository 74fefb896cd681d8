package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Database wraps the sqlx.DB connection.
type Database struct {
	*sqlx.DB
}

// schema defines the database tables.
const schema = `
CREATE TABLE IF NOT EXISTS blobs (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);
`

// NewDatabase creates a new database connection and initializes the schema.
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{DB: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.DB.Close()
}

// blobRow is one keyed document in the blobs table.
type blobRow struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SQLBlob stores a single document under a fixed key in sqlite.
type SQLBlob struct {
	db  *Database
	key string
}

// NewSQLBlob returns a Blob backed by the blobs table.
func NewSQLBlob(db *Database, key string) *SQLBlob {
	return &SQLBlob{db: db, key: key}
}

// Read returns the stored document or an error wrapping fs.ErrNotExist.
func (b *SQLBlob) Read(ctx context.Context) ([]byte, error) {
	var row blobRow
	err := b.db.GetContext(ctx, &row, `SELECT key, value, updated_at FROM blobs WHERE key = ?`, b.key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %q: %w", b.key, fs.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %q: %w", b.key, err)
	}
	return []byte(row.Value), nil
}

// Write replaces the stored document.
func (b *SQLBlob) Write(ctx context.Context, data []byte) error {
	query := `
		INSERT INTO blobs (key, value, updated_at)
		VALUES (:key, :value, :updated_at)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	row := blobRow{Key: b.key, Value: string(data), UpdatedAt: time.Now().UTC()}
	if _, err := b.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to write blob %q: %w", b.key, err)
	}
	return nil
}

// String describes the blob location for logs.
func (b *SQLBlob) String() string {
	return "sqlite:" + b.key
}
