package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is a durable Store on PostgreSQL, for deployments where
// several settlement processes share one ledger.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresStore wraps an open database handle and runs migrations.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgresStore connects with a lib/pq DSN.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	s, err := NewPostgresStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithClock overrides the time source. For tests.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS ledger_entries (
        sequence BIGINT PRIMARY KEY,
        payload BYTEA NOT NULL,
        payload_hash TEXT NOT NULL,
        prev_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL,
        ts TEXT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS ledger_reservations (
        number BIGINT PRIMARY KEY,
        holder TEXT NOT NULL,
        authority TEXT NOT NULL DEFAULT '',
        expires_at_ns BIGINT NOT NULL,
        consumed BOOLEAN NOT NULL DEFAULT FALSE
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, payload []byte, expectedPrevHash string) (Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevSeq uint64
	head := HeadGenesis
	err = tx.QueryRowContext(ctx,
		`SELECT sequence, entry_hash FROM ledger_entries ORDER BY sequence DESC LIMIT 1`,
	).Scan(&prevSeq, &head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("read head: %w", err)
	}
	if expectedPrevHash != head {
		return Entry{}, fmt.Errorf("%w: expected %s, head is %s", ErrConflict, expectedPrevHash, head)
	}

	entry := Entry{
		Sequence:    prevSeq + 1,
		Payload:     payload,
		PayloadHash: HashPayload(payload),
		PrevHash:    head,
		Timestamp:   s.clock().UTC(),
	}
	entry.EntryHash = ComputeEntryHash(entry.Sequence, entry.PrevHash, entry.PayloadHash, entry.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (sequence, payload, payload_hash, prev_hash, entry_hash, ts)
         VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (sequence) DO NOTHING`,
		entry.Sequence, entry.Payload, entry.PayloadHash, entry.PrevHash, entry.EntryHash,
		entry.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	if n == 0 {
		return Entry{}, fmt.Errorf("%w: sequence %d already written", ErrConflict, entry.Sequence)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit append: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Entry(ctx context.Context, seq uint64) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, payload, payload_hash, prev_hash, entry_hash, ts
         FROM ledger_entries WHERE sequence = $1`, seq)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	return e, err
}

func (s *PostgresStore) Entries(ctx context.Context, from uint64, limit int) ([]Entry, error) {
	if from == 0 {
		from = 1
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, payload, payload_hash, prev_hash, entry_hash, ts
         FROM ledger_entries WHERE sequence >= $1 ORDER BY sequence ASC LIMIT $2`,
		from, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Head(ctx context.Context) (string, error) {
	head := HeadGenesis
	err := s.db.QueryRowContext(ctx,
		`SELECT entry_hash FROM ledger_entries ORDER BY sequence DESC LIMIT 1`,
	).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read head: %w", err)
	}
	return head, nil
}

func (s *PostgresStore) Length(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, number uint64, holder, authority string, ttl time.Duration) (Reservation, error) {
	if number == 0 || holder == "" {
		return Reservation{}, fmt.Errorf("ledger: number and holder required")
	}
	now := s.clock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, fmt.Errorf("begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var committed uint64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&committed); err != nil {
		return Reservation{}, fmt.Errorf("count entries: %w", err)
	}
	if number <= committed {
		return Reservation{}, fmt.Errorf("%w: number %d is already committed", ErrConflict, number)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ledger_reservations WHERE number = $1 AND NOT consumed AND expires_at_ns <= $2`,
		number, now.UnixNano(),
	); err != nil {
		return Reservation{}, fmt.Errorf("purge expired: %w", err)
	}

	res := Reservation{
		Number:    number,
		Holder:    holder,
		Authority: authority,
		ExpiresAt: now.Add(clampTTL(ttl)),
	}
	ins, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_reservations (number, holder, authority, expires_at_ns)
         VALUES ($1, $2, $3, $4) ON CONFLICT (number) DO NOTHING`,
		res.Number, res.Holder, res.Authority, res.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	n, err := ins.RowsAffected()
	if err != nil {
		return Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	if n == 0 {
		return Reservation{}, fmt.Errorf("%w: number %d is already reserved", ErrConflict, number)
	}
	if err := tx.Commit(); err != nil {
		return Reservation{}, fmt.Errorf("commit reserve: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) Consume(ctx context.Context, number uint64, holder string) error {
	var (
		rowHolder string
		expiresNs int64
		consumed  bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT holder, expires_at_ns, consumed FROM ledger_reservations WHERE number = $1`,
		number,
	).Scan(&rowHolder, &expiresNs, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: number %d", ErrNotReserved, number)
	}
	if err != nil {
		return fmt.Errorf("read reservation: %w", err)
	}
	switch {
	case consumed:
		return fmt.Errorf("%w: number %d", ErrConsumed, number)
	case s.clock().UnixNano() >= expiresNs:
		return fmt.Errorf("%w: reservation of number %d expired", ErrNotReserved, number)
	case rowHolder != holder:
		return fmt.Errorf("%w: number %d is held by %s", ErrNotHolder, number, rowHolder)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE ledger_reservations SET consumed = TRUE WHERE number = $1 AND NOT consumed`,
		number)
	if err != nil {
		return fmt.Errorf("consume reservation: %w", err)
	}
	return nil
}

func (s *PostgresStore) NextAvailable(ctx context.Context) (uint64, error) {
	committed, err := s.Length(ctx)
	if err != nil {
		return 0, err
	}
	taken, err := s.takenNumbers(ctx, s.db, s.clock())
	if err != nil {
		return 0, err
	}
	return lowestFree(committed+1, taken), nil
}

func (s *PostgresStore) takenNumbers(ctx context.Context, q querier, now time.Time) ([]uint64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT number FROM ledger_reservations
         WHERE consumed OR expires_at_ns > $1 ORDER BY number ASC`,
		now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var taken []uint64
	for rows.Next() {
		var n uint64
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		taken = append(taken, n)
	}
	return taken, rows.Err()
}
