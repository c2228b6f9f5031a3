// Package sqlite provides a durable SQLite broker for horseback. Topics,
// subscriptions and rules are tables; publishing fans a message out to the
// queue of every subscription whose rules accept it.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/kacey90/horseback/internal/runtime/jsoncodec"
	"github.com/kacey90/horseback/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

const (
	// DefaultPollInterval is the default interval for polling new messages.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxDeliveries is how many times a message is delivered before it is dead-lettered.
	DefaultMaxDeliveries = 10
	// DefaultLockDuration is how long a delivered message stays invisible to other consumers.
	DefaultLockDuration = 30 * time.Second
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build creates a new SQLite transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{FilePath: cfg.GetSQLiteFile()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:    t,
		Subscribers:  t,
		Admin:        t,
		Capabilities: transport.SQLiteCapabilities,
	}, nil
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
	// MaxDeliveries is the number of deliveries after which a nacked message is dead-lettered.
	MaxDeliveries int
	// LockDuration bounds how long a consumer may hold a message without settling it.
	LockDuration time.Duration
	// RedeliveryDelay is added per delivery attempt before a nacked message is visible again.
	RedeliveryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = "horseback_broker.db"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = DefaultMaxDeliveries
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.RedeliveryDelay < 0 {
		c.RedeliveryDelay = 0
	}
	return c
}

// Transport is the publisher, subscriber factory and Admin of one SQLite database.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

var _ transport.Admin = (*Transport)(nil)

// New creates a new SQLite-based transport.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &Transport{
		db:         db,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return t, nil
}

func (t *Transport) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS topics (
		name TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		topic TEXT NOT NULL REFERENCES topics(name),
		name TEXT NOT NULL,
		PRIMARY KEY (topic, name)
	);

	CREATE TABLE IF NOT EXISTS rules (
		topic TEXT NOT NULL,
		subscription TEXT NOT NULL,
		name TEXT NOT NULL,
		header TEXT NOT NULL DEFAULT '',
		value TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (topic, subscription, name)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		topic TEXT NOT NULL,
		subscription TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		available_at TIMESTAMP NOT NULL,
		locked_until TIMESTAMP,
		delivery_count INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_queue ON messages(topic, subscription, available_at);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		topic TEXT NOT NULL,
		subscription TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT,
		reason TEXT,
		failed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		delivery_count INTEGER DEFAULT 0
	);
	`
	_, err := t.db.Exec(schema)
	return err
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

func (t *Transport) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.logger.Error("failed to rollback transaction", err, nil)
	}
}

// TopicExists implements transport.Admin.
func (t *Transport) TopicExists(ctx context.Context, topic string) (bool, error) {
	return t.exists(ctx, `SELECT COUNT(*) FROM topics WHERE name = ?`, topic)
}

// CreateTopic implements transport.Admin.
func (t *Transport) CreateTopic(ctx context.Context, topic string) error {
	exists, err := t.TopicExists(ctx, topic)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("topic %q: %w", topic, transport.ErrAlreadyExists)
	}
	_, err = t.db.ExecContext(ctx, `INSERT INTO topics (name) VALUES (?)`, topic)
	return err
}

// SubscriptionExists implements transport.Admin.
func (t *Transport) SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error) {
	return t.exists(ctx, `SELECT COUNT(*) FROM subscriptions WHERE topic = ? AND name = ?`, topic, subscription)
}

// CreateSubscription adds subscription with the catch-all rule attached.
func (t *Transport) CreateSubscription(ctx context.Context, topic, subscription string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer t.rollback(tx)

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM topics WHERE name = ?`, topic).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("topic %q: %w", topic, transport.ErrNotFound)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE topic = ? AND name = ?`, topic, subscription).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("subscription %q: %w", subscription, transport.ErrAlreadyExists)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO subscriptions (topic, name) VALUES (?, ?)`, topic, subscription); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rules (topic, subscription, name, created_at) VALUES (?, ?, ?, ?)`,
		topic, subscription, transport.DefaultRuleName, time.Now().UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

// Rules implements transport.Admin.
func (t *Transport) Rules(ctx context.Context, topic, subscription string) ([]transport.Rule, error) {
	exists, err := t.SubscriptionExists(ctx, topic, subscription)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("subscription %q on %q: %w", subscription, topic, transport.ErrNotFound)
	}
	return t.rules(ctx, t.db, topic, subscription)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (t *Transport) rules(ctx context.Context, q querier, topic, subscription string) ([]transport.Rule, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, header, value FROM rules
		WHERE topic = ? AND subscription = ?
		ORDER BY created_at ASC
	`, topic, subscription)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []transport.Rule
	for rows.Next() {
		var r transport.Rule
		if err := rows.Scan(&r.Name, &r.Filter.Header, &r.Filter.Value); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// CreateRule implements transport.Admin.
func (t *Transport) CreateRule(ctx context.Context, topic, subscription string, rule transport.Rule) error {
	exists, err := t.SubscriptionExists(ctx, topic, subscription)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("subscription %q on %q: %w", subscription, topic, transport.ErrNotFound)
	}
	ruleExists, err := t.exists(ctx, `SELECT COUNT(*) FROM rules WHERE topic = ? AND subscription = ? AND name = ?`, topic, subscription, rule.Name)
	if err != nil {
		return err
	}
	if ruleExists {
		return fmt.Errorf("rule %q: %w", rule.Name, transport.ErrAlreadyExists)
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO rules (topic, subscription, name, header, value, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		topic, subscription, rule.Name, rule.Filter.Header, rule.Filter.Value, time.Now().UnixNano())
	return err
}

// DeleteRule implements transport.Admin.
func (t *Transport) DeleteRule(ctx context.Context, topic, subscription, name string) error {
	res, err := t.db.ExecContext(ctx, `DELETE FROM rules WHERE topic = ? AND subscription = ? AND name = ?`, topic, subscription, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %q: %w", name, transport.ErrNotFound)
	}
	return nil
}

func (t *Transport) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var count int
	if err := t.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// Publish copies each message into the queue of every subscription of topic
// whose rules accept it.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return fmt.Errorf("transport is closed")
	}
	ctx := context.Background()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer t.rollback(tx)

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM topics WHERE name = ?`, topic).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("publish to %q: %w", topic, transport.ErrNotFound)
	}

	routing, err := t.routingTable(ctx, tx, topic)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (uuid, topic, subscription, payload, metadata, available_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		for _, sub := range routing {
			if !transport.MatchesAny(sub.rules, msg.Metadata) {
				continue
			}
			if _, err := stmt.ExecContext(ctx, msg.UUID, topic, sub.name, msg.Payload, string(metadata), now); err != nil {
				return fmt.Errorf("failed to insert message: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type subscriptionRules struct {
	name  string
	rules []transport.Rule
}

func (t *Transport) routingTable(ctx context.Context, tx *sql.Tx, topic string) ([]subscriptionRules, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM subscriptions WHERE topic = ? ORDER BY name`, topic)
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	table := make([]subscriptionRules, 0, len(names))
	for _, name := range names {
		rules, err := t.rules(ctx, tx, topic, name)
		if err != nil {
			return nil, err
		}
		table = append(table, subscriptionRules{name: name, rules: rules})
	}
	return table, nil
}

// NewSubscriber returns a subscriber polling subscription's queue. Each
// Subscribe call starts a competing poller.
func (t *Transport) NewSubscriber(topic, subscription string) (message.Subscriber, error) {
	if topic == "" || subscription == "" {
		return nil, errors.New("sqlite: topic and subscription are required")
	}
	return &Subscriber{t: t, topic: topic, subscription: subscription}, nil
}

// Subscriber consumes one subscription of a SQLite transport.
type Subscriber struct {
	t            *Transport
	topic        string
	subscription string
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t := s.t
	if topic != s.topic {
		return nil, fmt.Errorf("sqlite: subscriber bound to %q cannot subscribe to %q", s.topic, topic)
	}

	t.closedMu.RLock()
	if t.closed {
		t.closedMu.RUnlock()
		return nil, fmt.Errorf("transport is closed")
	}
	t.wg.Add(1)
	t.closedMu.RUnlock()

	exists, err := t.SubscriptionExists(ctx, s.topic, s.subscription)
	if err != nil || !exists {
		t.wg.Done()
		if err == nil {
			err = fmt.Errorf("subscription %q on %q: %w", s.subscription, s.topic, transport.ErrNotFound)
		}
		return nil, err
	}

	msgChan := make(chan *message.Message)
	go s.pollMessages(ctx, msgChan)
	return msgChan, nil
}

func (s *Subscriber) Close() error {
	return nil
}

func (s *Subscriber) pollMessages(ctx context.Context, msgChan chan *message.Message) {
	t := s.t
	defer t.wg.Done()
	defer close(msgChan)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		case <-ticker.C:
			// Drain what is available before waiting for the next tick.
			for s.processAvailableMessage(ctx, msgChan) {
			}
		}
	}
}

type fetchedMessage struct {
	id       int64
	uuid     string
	payload  []byte
	metadata string
}

func (s *Subscriber) fetchAndLockMessage(ctx context.Context) (*fetchedMessage, bool) {
	t := s.t
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("failed to begin transaction", err, nil)
		}
		return nil, false
	}
	defer t.rollback(tx)

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT id, uuid, payload, metadata
		FROM messages
		WHERE topic = ?
		AND subscription = ?
		AND available_at <= ?
		AND (locked_until IS NULL OR locked_until < ?)
		ORDER BY available_at ASC, id ASC
		LIMIT 1
	`, s.topic, s.subscription, now, now)

	var fm fetchedMessage
	if err := row.Scan(&fm.id, &fm.uuid, &fm.payload, &fm.metadata); err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			t.logger.Error("failed to scan message", err, nil)
		}
		return nil, false
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE messages SET locked_until = ?, delivery_count = delivery_count + 1 WHERE id = ?`,
		now.Add(t.config.LockDuration), fm.id); err != nil {
		t.logger.Error("failed to lock message", err, nil)
		return nil, false
	}

	if err := tx.Commit(); err != nil {
		t.logger.Error("failed to commit lock", err, nil)
		return nil, false
	}

	return &fm, true
}

func (s *Subscriber) processAvailableMessage(ctx context.Context, msgChan chan *message.Message) bool {
	t := s.t
	fm, found := s.fetchAndLockMessage(ctx)
	if !found {
		return false
	}

	metadata := make(message.Metadata)
	if fm.metadata != "" {
		if err := jsoncodec.Unmarshal([]byte(fm.metadata), &metadata); err != nil {
			t.logger.Error("failed to unmarshal metadata", err, nil)
		}
	}

	msg := message.NewMessage(fm.uuid, fm.payload)
	msg.Metadata = metadata
	msg.SetContext(ctx)

	select {
	case msgChan <- msg:
	case <-ctx.Done():
		t.unlockMessage(fm.id)
		return false
	case <-t.closedChan:
		t.unlockMessage(fm.id)
		return false
	}

	select {
	case <-msg.Acked():
		t.ackMessage(fm.id)
	case <-msg.Nacked():
		t.nackMessage(fm.id)
	case <-ctx.Done():
		t.unlockMessage(fm.id)
		return false
	case <-t.closedChan:
		t.unlockMessage(fm.id)
		return false
	}
	return true
}

func (t *Transport) ackMessage(id int64) {
	if _, err := t.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		t.logger.Error("failed to ack message", err, nil)
	}
}

func (t *Transport) nackMessage(id int64) {
	var deliveries int
	if err := t.db.QueryRow(`SELECT delivery_count FROM messages WHERE id = ?`, id).Scan(&deliveries); err != nil {
		t.logger.Error("failed to get delivery count", err, nil)
		return
	}

	if deliveries >= t.config.MaxDeliveries {
		_, err := t.db.Exec(`
			INSERT INTO dead_letters (uuid, topic, subscription, payload, metadata, reason, delivery_count)
			SELECT uuid, topic, subscription, payload, metadata, 'max deliveries exceeded', delivery_count
			FROM messages WHERE id = ?
		`, id)
		if err != nil {
			t.logger.Error("failed to dead-letter message", err, nil)
			return
		}
		t.ackMessage(id)
		return
	}

	availableAt := time.Now().UTC().Add(time.Duration(deliveries) * t.config.RedeliveryDelay)
	if _, err := t.db.Exec(`UPDATE messages SET locked_until = NULL, available_at = ? WHERE id = ?`, availableAt, id); err != nil {
		t.logger.Error("failed to nack message", err, nil)
	}
}

func (t *Transport) unlockMessage(id int64) {
	if _, err := t.db.Exec(`UPDATE messages SET locked_until = NULL WHERE id = ?`, id); err != nil {
		t.logger.Error("failed to unlock message", err, nil)
	}
}

// Close closes the transport and releases resources.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()
	return t.db.Close()
}

// DB returns the underlying database connection.
func (t *Transport) DB() *sql.DB {
	return t.db
}

// PendingCount returns the number of messages queued for subscription.
func (t *Transport) PendingCount(topic, subscription string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE topic = ? AND subscription = ?`, topic, subscription).Scan(&count)
	return count, err
}

// DeadLetterCount returns the number of dead-lettered messages of subscription.
func (t *Transport) DeadLetterCount(topic, subscription string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE topic = ? AND subscription = ?`, topic, subscription).Scan(&count)
	return count, err
}
