package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresStore(db)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	return s, mock
}

func TestPostgresStore_Append(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	payload := []byte(`{"pdo":"PDO-2026-0001"}`)
	payloadHash := HashPayload(payload)
	entryHash := ComputeEntryHash(1, HeadGenesis, payloadHash, now)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, entry_hash FROM ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(uint64(1), payload, payloadHash, HeadGenesis, entryHash, now.Format(time.RFC3339Nano)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	entry, err := s.Append(context.Background(), payload, HeadGenesis)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if entry.Sequence != 1 || entry.EntryHash != entryHash {
		t.Errorf("entry = %+v, want seq 1 hash %s", entry, entryHash)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_AppendStaleHead(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, entry_hash FROM ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}).
			AddRow(uint64(7), "sha256:facefacefaceface"))
	mock.ExpectRollback()

	_, err := s.Append(context.Background(), []byte("x"), HeadGenesis)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Append = %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_AppendLostRace(t *testing.T) {
	s, mock := newMockPostgres(t)

	// Head reads clean but another writer lands the sequence first:
	// ON CONFLICT DO NOTHING reports zero rows and the append conflicts.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sequence, entry_hash FROM ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.Append(context.Background(), []byte("x"), HeadGenesis)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Append = %v, want ErrConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_ConsumeClassification(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	mock.ExpectQuery("SELECT holder, expires_at_ns, consumed FROM ledger_reservations").
		WithArgs(uint64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"holder", "expires_at_ns", "consumed"}).
			AddRow("GID-03", now.Add(time.Hour).UnixNano(), false))

	err := s.Consume(context.Background(), 3, "GID-07")
	if !errors.Is(err, ErrNotHolder) {
		t.Fatalf("Consume wrong holder = %v, want ErrNotHolder", err)
	}

	mock.ExpectQuery("SELECT holder, expires_at_ns, consumed FROM ledger_reservations").
		WithArgs(uint64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"holder", "expires_at_ns", "consumed"}).
			AddRow("GID-03", now.Add(-time.Minute).UnixNano(), false))

	err = s.Consume(context.Background(), 3, "GID-03")
	if !errors.Is(err, ErrNotReserved) {
		t.Fatalf("Consume expired = %v, want ErrNotReserved", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
