package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
)

// DefaultRedisPrefix namespaces ledger keys.
const DefaultRedisPrefix = "horseback:inbox:"

// The lease key holds the claimant's token. KEYS[1] is the lease key and
// KEYS[2] the processed marker in every script.
var (
	// claimScript returns 1 when the caller now holds the lease, 2 when the
	// event is already processed and 3 when another worker holds it.
	claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 2
end
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return 1
end
return 3
`)

	// extendScript returns 1 when the token's lease was renewed.
	extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

	// markScript completes the event for the lease holder. ARGV[3] is the
	// marker retention in milliseconds, 0 for none.
	markScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[2], ARGV[2])
end
redis.call('DEL', KEYS[1])
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisStore is a Deduplicator for deployments without a SQL database. A
// lease key with a TTL is the claim and a second key marks completion.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	lease     time.Duration
	retention time.Duration
}

var _ Deduplicator = (*RedisStore)(nil)

// RedisOption customises a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix overrides the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisLease sets the claim TTL.
func WithRedisLease(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithRetention expires processed markers after d. Zero keeps them forever.
func WithRetention(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.retention = d }
}

// NewRedisStore returns a ledger on client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("inbox: redis client is required")
	}
	s := &RedisStore{client: client, prefix: DefaultRedisPrefix, lease: DefaultLease}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) leaseKey(id string) string     { return s.prefix + id + ":lease" }
func (s *RedisStore) processedKey(id string) string { return s.prefix + id + ":processed" }
func (s *RedisStore) keys(id string) []string       { return []string{s.leaseKey(id), s.processedKey(id)} }

// Lease returns the claim TTL.
func (s *RedisStore) Lease() time.Duration { return s.lease }

func (s *RedisStore) TryBeginProcessing(ctx context.Context, rec Record) (Outcome, error) {
	if rec.ID == "" {
		return 0, &errspkg.DedupStorageError{Op: "claim", Err: errors.New("record id is required")}
	}
	if rec.Token == "" {
		return 0, &errspkg.DedupStorageError{Op: "claim", EventID: rec.ID, Err: ErrTokenRequired}
	}
	res, err := claimScript.Run(ctx, s.client, s.keys(rec.ID), rec.Token, s.lease.Milliseconds()).Int()
	if err != nil {
		return 0, &errspkg.DedupStorageError{Op: "claim", EventID: rec.ID, Err: err}
	}
	switch res {
	case 1:
		return OutcomeNew, nil
	case 2:
		return OutcomeAlreadyProcessed, nil
	default:
		return OutcomeInProgress, nil
	}
}

func (s *RedisStore) Extend(ctx context.Context, id, token string) error {
	n, err := extendScript.Run(ctx, s.client, s.keys(id), token, s.lease.Milliseconds()).Int()
	if err != nil {
		return &errspkg.DedupStorageError{Op: "extend", EventID: id, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("inbox: extend %s: %w", id, ErrClaimLost)
	}
	return nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, id, token string) error {
	n, err := markScript.Run(ctx, s.client, s.keys(id),
		token, time.Now().UTC().Format(time.RFC3339Nano), s.retention.Milliseconds(),
	).Int()
	if err != nil {
		return &errspkg.DedupStorageError{Op: "mark processed", EventID: id, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("inbox: mark processed %s: %w", id, ErrClaimLost)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, id, token string) error {
	if err := releaseScript.Run(ctx, s.client, s.keys(id), token).Err(); err != nil {
		return &errspkg.DedupStorageError{Op: "release", EventID: id, Err: err}
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
