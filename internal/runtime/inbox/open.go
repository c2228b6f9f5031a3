package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/redis/go-redis/v9"

	"github.com/kacey90/horseback/internal/runtime/config"
	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
)

// Store is a Deduplicator that owns its connection.
type Store interface {
	Deduplicator
	io.Closer
}

type ownedSQLStore struct {
	*SQLStore
	db *sql.DB
}

func (o ownedSQLStore) Close() error { return o.db.Close() }

// Open builds the ledger configured by cfg. SQL ledgers get their table
// created when it is missing.
func Open(ctx context.Context, cfg config.Inbox) (Store, error) {
	cfg = cfg.WithDefaults()
	if strings.EqualFold(cfg.Dialect, config.DialectRedis) {
		return openRedis(ctx, cfg)
	}

	dialect, err := DialectFor(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectionString == "" {
		return nil, errors.New("inbox: connection string is required")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = dialect.DriverName()
	}

	dsn, err := dataSource(dialect, driver, cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("inbox: open %s: %w", driver, err)
	}
	if _, ok := dialect.(SQLite); ok {
		// One writer at a time avoids SQLITE_BUSY and keeps shared in-memory
		// databases alive for the pool's lifetime.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &errspkg.DedupStorageError{Op: "connect", EventID: driver, Err: err}
	}

	store, err := NewSQLStore(db, dialect,
		WithTable(Table{Schema: cfg.Schema, Name: cfg.TableName}),
		WithLease(cfg.LeaseDuration),
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ownedSQLStore{SQLStore: store, db: db}, nil
}

// dataSource adjusts dsn for the driver. MySQL must report matched rather
// than changed rows, or a renewal landing on the same LockedUntil reads as a
// lost claim.
func dataSource(dialect Dialect, driver, dsn string) (string, error) {
	if _, ok := dialect.(MySQL); !ok || driver != dialect.DriverName() {
		return dsn, nil
	}
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("inbox: parse mysql dsn: %w", err)
	}
	mc.ClientFoundRows = true
	return mc.FormatDSN(), nil
}

func openRedis(ctx context.Context, cfg config.Inbox) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, &errspkg.DedupStorageError{Op: "connect", EventID: cfg.RedisAddr, Err: err}
	}
	return NewRedisStore(client, WithRedisLease(cfg.LeaseDuration))
}
