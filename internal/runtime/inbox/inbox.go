// Package inbox is the idempotency ledger that keeps handler side effects to
// at most once per event id.
//
// A record is claimed by inserting it; the storage-level uniqueness on the id
// is the only coordination between workers. A claimed but unprocessed record
// carries a lease and the claimant's token, so it can be reclaimed after its
// holder releases it or dies. Only the current token may extend, release or
// complete a claim.
package inbox

import (
	"context"
	"errors"
	"time"

	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
)

// Outcome is the result of TryBeginProcessing.
type Outcome int

const (
	// OutcomeNew means the caller owns the record and should dispatch.
	OutcomeNew Outcome = iota + 1
	// OutcomeAlreadyProcessed means a previous delivery completed the event.
	OutcomeAlreadyProcessed
	// OutcomeInProgress means another worker holds the record. Retry later.
	OutcomeInProgress
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeAlreadyProcessed:
		return "already_processed"
	case OutcomeInProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

var (
	// ErrRecordNotFound is returned by lookups of an unknown id.
	ErrRecordNotFound = errors.New("inbox: record not found")
	// ErrClaimLost is returned by Extend and MarkProcessed when the token no
	// longer owns the record.
	ErrClaimLost = errspkg.ErrClaimLost
	// ErrTokenRequired rejects claims without a token.
	ErrTokenRequired = errors.New("inbox: claim token is required")
)

// Record is one row of the ledger.
type Record struct {
	ID            string
	Kind          string
	Data          string
	OccurredOn    time.Time
	ProcessedDate *time.Time
	// Token identifies the claimant. Every delivery attempt uses a fresh one.
	Token string
}

// Deduplicator guards handler dispatch. Storage failures are reported as
// errors and never as an outcome.
type Deduplicator interface {
	TryBeginProcessing(ctx context.Context, rec Record) (Outcome, error)
	// Extend pushes the lease of a held claim forward.
	Extend(ctx context.Context, id, token string) error
	MarkProcessed(ctx context.Context, id, token string) error
	// Release drops a held claim. Releasing a claim the token no longer
	// holds changes nothing.
	Release(ctx context.Context, id, token string) error
}

// Leaser is implemented by ledgers whose claims expire. Callers renew well
// inside the lease.
type Leaser interface {
	Lease() time.Duration
}
