package replay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and ensures the schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("replay: open sqlite %s: %w", path, err)
	}
	// Single connection keeps concurrent claims serialized in the driver.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS consumed_nonces (
        pdo_id      TEXT NOT NULL,
        nonce       TEXT NOT NULL,
        consumed_at TEXT NOT NULL,
        PRIMARY KEY (pdo_id, nonce)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("replay: migrate: %w", err)
	}
	return nil
}

// Reserve consumes the pair with a single conflict-ignoring insert; the row
// count tells us whether this call was the first use.
func (s *SQLiteStore) Reserve(ctx context.Context, pdoID, nonce string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO consumed_nonces (pdo_id, nonce, consumed_at) VALUES (?, ?, ?)`,
		pdoID, nonce, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("replay: reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replay: reserve rows: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Seen(ctx context.Context, pdoID, nonce string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM consumed_nonces WHERE pdo_id = ? AND nonce = ?`,
		pdoID, nonce,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("replay: seen: %w", err)
	}
	return true, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
