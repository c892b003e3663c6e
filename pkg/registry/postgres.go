package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Postgres is a Resolver over a shared registry table, for deployments
// where several settlement processes must agree on identities without
// shipping a YAML file to every node.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle and runs migrations.
func NewPostgres(db *sql.DB) (*Postgres, error) {
	r := &Postgres{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenPostgres connects with a lib/pq DSN.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open db: %w", err)
	}
	r, err := NewPostgres(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Postgres) Close() error {
	return r.db.Close()
}

func (r *Postgres) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS registry_agents (
        gid TEXT PRIMARY KEY,
        name TEXT NOT NULL UNIQUE,
        role TEXT NOT NULL,
        color TEXT NOT NULL DEFAULT '',
        lane TEXT NOT NULL DEFAULT '',
        retired BOOLEAN NOT NULL DEFAULT FALSE
    );`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// Load replaces the stored registry with entries in one transaction, so
// readers never observe a partially loaded registry. Entries are checked
// with the same duplicate rules as NewInMemory before anything is written.
func (r *Postgres) Load(ctx context.Context, entries []Entry) error {
	if _, err := NewInMemory(entries); err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: begin load: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM registry_agents"); err != nil {
		return fmt.Errorf("registry: clear: %w", err)
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO registry_agents (gid, name, role, color, lane, retired)
            VALUES ($1, $2, $3, $4, $5, $6)`,
			string(e.GID), e.Name, e.Role.String(), e.Color, string(e.Lane), e.Retired)
		if err != nil {
			return fmt.Errorf("registry: insert %s: %w", e.GID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: commit load: %w", err)
	}
	return nil
}

const (
	byGIDQuery  = `SELECT gid, name, role, color, lane, retired FROM registry_agents WHERE gid = $1`
	byNameQuery = `SELECT gid, name, role, color, lane, retired FROM registry_agents WHERE name = $1`
)

// ByGID implements Resolver.
func (r *Postgres) ByGID(gid GID) (Entry, error) {
	e, err := r.lookup(byGIDQuery, string(gid))
	if errors.Is(err, ErrNotFound) {
		return Entry{}, fmt.Errorf("%w: gid %s", ErrNotFound, gid)
	}
	return e, err
}

// ByName implements Resolver.
func (r *Postgres) ByName(name string) (Entry, error) {
	e, err := r.lookup(byNameQuery, name)
	if errors.Is(err, ErrNotFound) {
		return Entry{}, fmt.Errorf("%w: name %s", ErrNotFound, name)
	}
	return e, err
}

func (r *Postgres) lookup(query, key string) (Entry, error) {
	row := r.db.QueryRowContext(context.Background(), query, key)
	var (
		e       Entry
		gid     string
		roleStr string
		lane    string
	)
	err := row.Scan(&gid, &e.Name, &roleStr, &e.Color, &lane, &e.Retired)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		// Backend faults must surface as unavailability, never as an
		// absent identity: the two reject very differently upstream.
		return Entry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	role, err := ParseRole(roleStr)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: corrupt stored role for %s: %v", ErrUnavailable, key, err)
	}
	e.GID = GID(gid)
	e.Role = role
	e.Lane = Lane(lane)
	return e, nil
}

var _ Resolver = (*Postgres)(nil)
