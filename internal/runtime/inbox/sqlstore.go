package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
)

// DefaultLease is how long a claim stays exclusive when none is configured.
const DefaultLease = 5 * time.Minute

// SQLStore is a Deduplicator backed by a database/sql ledger table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	table   Table
	lease   time.Duration
	now     func() time.Time

	insertSQL  string
	reclaimSQL string
	extendSQL  string
	releaseSQL string
	markSQL    string
	statusSQL  string
	lookupSQL  string
}

var _ Deduplicator = (*SQLStore)(nil)

// SQLOption customises a SQLStore.
type SQLOption func(*SQLStore)

// WithTable overrides the ledger table.
func WithTable(t Table) SQLOption {
	return func(s *SQLStore) {
		if t.Name != "" {
			s.table.Name = t.Name
		}
		if t.Schema != "" {
			s.table.Schema = t.Schema
		}
	}
}

// WithLease sets how long a claimed record stays exclusive.
func WithLease(d time.Duration) SQLOption {
	return func(s *SQLStore) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithClock replaces time.Now. Tests use it to expire leases.
func WithClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLStore returns a ledger over db. Call EnsureSchema before use unless
// the table is managed elsewhere.
func NewSQLStore(db *sql.DB, dialect Dialect, opts ...SQLOption) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("inbox: database handle is required")
	}
	if dialect == nil {
		return nil, errors.New("inbox: dialect is required")
	}
	s := &SQLStore{
		db:      db,
		dialect: dialect,
		table:   Table{Schema: "dbo", Name: "InboxMessages"},
		lease:   DefaultLease,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !validIdentifier(s.table.Name) || !validIdentifier(s.table.Schema) {
		return nil, fmt.Errorf("inbox: invalid table %q.%q", s.table.Schema, s.table.Name)
	}

	s.insertSQL = dialect.Insert(s.table)
	s.reclaimSQL = dialect.Reclaim(s.table)
	s.extendSQL = dialect.Extend(s.table)
	s.releaseSQL = dialect.Release(s.table)
	s.markSQL = dialect.MarkProcessed(s.table)
	s.statusSQL = dialect.Status(s.table)
	s.lookupSQL = dialect.Lookup(s.table)
	return s, nil
}

// Dialect returns the store's dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Table returns the ledger table.
func (s *SQLStore) Table() Table { return s.table }

// Lease returns how long a claim stays exclusive without renewal.
func (s *SQLStore) Lease() time.Duration { return s.lease }

// EnsureSchema creates the ledger table when it does not exist yet.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	query, args := s.dialect.TableExists(s.table)
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return &errspkg.DedupStorageError{Op: "check table", EventID: s.table.Name, Err: err}
	}
	if count > 0 {
		return nil
	}
	for _, stmt := range s.dialect.CreateTable(s.table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &errspkg.DedupStorageError{Op: "create table", EventID: s.table.Name, Err: err}
		}
	}
	return nil
}

// TryBeginProcessing claims rec.ID for rec.Token. The insert either
// succeeds, which makes the caller the owner, or hits the unique constraint;
// in that case an expired or released claim is taken over with a single
// conditional update that also replaces the token.
func (s *SQLStore) TryBeginProcessing(ctx context.Context, rec Record) (Outcome, error) {
	if rec.ID == "" {
		return 0, &errspkg.DedupStorageError{Op: "insert", Err: errors.New("record id is required")}
	}
	if rec.Token == "" {
		return 0, &errspkg.DedupStorageError{Op: "insert", EventID: rec.ID, Err: ErrTokenRequired}
	}
	now := s.now()
	leaseEnd := s.dialect.Time(now.Add(s.lease))
	occurred := rec.OccurredOn
	if occurred.IsZero() {
		occurred = now
	}

	_, err := s.db.ExecContext(ctx, s.insertSQL, rec.ID, rec.Kind, rec.Data, s.dialect.Time(occurred), leaseEnd, rec.Token)
	if err == nil {
		return OutcomeNew, nil
	}
	if !s.dialect.IsUniqueViolation(err) {
		return 0, &errspkg.DedupStorageError{Op: "insert", EventID: rec.ID, Err: err}
	}

	res, err := s.db.ExecContext(ctx, s.reclaimSQL, leaseEnd, rec.Token, rec.ID, s.dialect.Time(now))
	if err != nil {
		return 0, &errspkg.DedupStorageError{Op: "reclaim", EventID: rec.ID, Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return OutcomeNew, nil
	}

	var processed int
	err = s.db.QueryRowContext(ctx, s.statusSQL, rec.ID).Scan(&processed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Deleted between the insert and now; the next delivery inserts again.
		return OutcomeInProgress, nil
	case err != nil:
		return 0, &errspkg.DedupStorageError{Op: "status", EventID: rec.ID, Err: err}
	case processed == 1:
		return OutcomeAlreadyProcessed, nil
	default:
		return OutcomeInProgress, nil
	}
}

// Extend renews the lease held by token. ErrClaimLost means another
// claimant took the record over or it was completed.
func (s *SQLStore) Extend(ctx context.Context, id, token string) error {
	leaseEnd := s.dialect.Time(s.now().Add(s.lease))
	return s.owned(ctx, "extend", id, s.extendSQL, leaseEnd, id, token)
}

// MarkProcessed stamps the record as done if token still holds it.
func (s *SQLStore) MarkProcessed(ctx context.Context, id, token string) error {
	return s.owned(ctx, "mark processed", id, s.markSQL, s.dialect.Time(s.now()), id, token)
}

// Release drops the claim so a redelivery can take the record over at once.
// The record stays unprocessed. A token that lost the claim releases nothing.
func (s *SQLStore) Release(ctx context.Context, id, token string) error {
	if _, err := s.db.ExecContext(ctx, s.releaseSQL, id, token); err != nil {
		return &errspkg.DedupStorageError{Op: "release", EventID: id, Err: err}
	}
	return nil
}

// owned runs an update guarded by the claim token and reports ErrClaimLost
// when it matched no row.
func (s *SQLStore) owned(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &errspkg.DedupStorageError{Op: op, EventID: id, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &errspkg.DedupStorageError{Op: op, EventID: id, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("inbox: %s %s: %w", op, id, ErrClaimLost)
	}
	return nil
}

// Lookup reads a record. Used by diagnostics and tests.
func (s *SQLStore) Lookup(ctx context.Context, id string) (Record, error) {
	var (
		rec       Record
		processed any
		token     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.lookupSQL, id).Scan(&rec.ID, &rec.Kind, &rec.Data, &processed, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, &errspkg.DedupStorageError{Op: "lookup", EventID: id, Err: err}
	}
	if rec.ProcessedDate, err = scannedTime(processed); err != nil {
		return Record{}, &errspkg.DedupStorageError{Op: "lookup", EventID: id, Err: err}
	}
	rec.Token = token.String
	return rec, nil
}

var storedTimeLayouts = []string{
	sqliteTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
}

// scannedTime normalises a nullable timestamp column as drivers return it.
func scannedTime(v any) (*time.Time, error) {
	var raw string
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &t, nil
	case []byte:
		raw = string(t)
	case string:
		raw = t
	default:
		return nil, fmt.Errorf("inbox: unexpected timestamp type %T", v)
	}
	for _, layout := range storedTimeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return &parsed, nil
		}
	}
	return nil, fmt.Errorf("inbox: unparseable timestamp %q", raw)
}

func validIdentifier(name string) bool {
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return name != ""
}
