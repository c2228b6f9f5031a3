// Package postgres provides a PostgreSQL broker for horseback. Topics,
// subscriptions and rules live in their own schema; each subscription has a
// queue that competing pollers drain with SKIP LOCKED.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lib/pq"

	"github.com/kacey90/horseback/internal/runtime/jsoncodec"
	"github.com/kacey90/horseback/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultMaxDeliveries = 10
	DefaultLockDuration  = 30 * time.Second
	DefaultSchemaName    = "horseback"
)

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

var schemaNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func init() {
	Register()
}

// Register registers the postgres transport and its "postgresql" alias.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

// Build creates a new PostgreSQL transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(ctx, Config{ConnectionString: cfg.GetPostgresURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:    t,
		Subscribers:  t,
		Admin:        t,
		Capabilities: transport.PostgresCapabilities,
	}, nil
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// SchemaName holds the broker tables.
	SchemaName string
	// PollInterval is the interval for polling new messages.
	PollInterval time.Duration
	// MaxDeliveries is the number of deliveries after which a nacked message is dead-lettered.
	MaxDeliveries int
	// LockDuration bounds how long a consumer may hold a message without settling it.
	LockDuration time.Duration
	// RedeliveryDelay is added per delivery attempt before a nacked message is visible again.
	RedeliveryDelay time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
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
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return errors.New("postgres: connection string is required")
	}
	if !schemaNamePattern.MatchString(c.SchemaName) {
		return fmt.Errorf("postgres: invalid schema name %q", c.SchemaName)
	}
	return nil
}

// Transport is the publisher, subscriber factory and Admin of one PostgreSQL schema.
type Transport struct {
	db     *sql.DB
	config Config
	q      queries
	logger watermill.LoggerAdapter

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

var _ transport.Admin = (*Transport)(nil)

// New connects to PostgreSQL and creates the broker tables.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	t := newTransport(db, cfg, logger)
	if err := t.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return t, nil
}

func newTransport(db *sql.DB, cfg Config, logger watermill.LoggerAdapter) *Transport {
	return &Transport{
		db:         db,
		config:     cfg,
		q:          newQueries(cfg.SchemaName),
		logger:     logger,
		closedChan: make(chan struct{}),
	}
}

func (t *Transport) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(t.config.SchemaName) {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func schemaStatements(schema string) []string {
	s := pq.QuoteIdentifier(schema)
	return []string{
		`CREATE SCHEMA IF NOT EXISTS ` + s,
		`CREATE TABLE IF NOT EXISTS ` + s + `.topics (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s + `.subscriptions (
			topic TEXT NOT NULL REFERENCES ` + s + `.topics(name),
			name TEXT NOT NULL,
			PRIMARY KEY (topic, name)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s + `.rules (
			topic TEXT NOT NULL,
			subscription TEXT NOT NULL,
			name TEXT NOT NULL,
			header TEXT NOT NULL DEFAULT '',
			value TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			PRIMARY KEY (topic, subscription, name),
			FOREIGN KEY (topic, subscription) REFERENCES ` + s + `.subscriptions(topic, name)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s + `.messages (
			id BIGSERIAL PRIMARY KEY,
			uuid TEXT NOT NULL,
			topic TEXT NOT NULL,
			subscription TEXT NOT NULL,
			payload BYTEA NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			locked_until TIMESTAMPTZ,
			delivery_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_queue ON ` + s + `.messages(topic, subscription, available_at)`,
		`CREATE TABLE IF NOT EXISTS ` + s + `.dead_letters (
			id BIGSERIAL PRIMARY KEY,
			uuid TEXT NOT NULL,
			topic TEXT NOT NULL,
			subscription TEXT NOT NULL,
			payload BYTEA NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			reason TEXT,
			failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			delivery_count INTEGER NOT NULL DEFAULT 0
		)`,
	}
}

// queries holds every statement with the schema spliced in once.
type queries struct {
	topicExists        string
	createTopic        string
	subscriptionExists string
	createSubscription string
	listSubscriptions  string
	listRules          string
	createRule         string
	deleteRule         string
	enqueue            string
	fetch              string
	ack                string
	nack               string
	deadLetter         string
	unlock             string
	pending            string
	deadLetters        string
}

func newQueries(schema string) queries {
	s := pq.QuoteIdentifier(schema)
	return queries{
		topicExists:        `SELECT EXISTS (SELECT 1 FROM ` + s + `.topics WHERE name = $1)`,
		createTopic:        `INSERT INTO ` + s + `.topics (name) VALUES ($1)`,
		subscriptionExists: `SELECT EXISTS (SELECT 1 FROM ` + s + `.subscriptions WHERE topic = $1 AND name = $2)`,
		createSubscription: `INSERT INTO ` + s + `.subscriptions (topic, name) VALUES ($1, $2)`,
		listSubscriptions:  `SELECT name FROM ` + s + `.subscriptions WHERE topic = $1 ORDER BY name`,
		listRules: `SELECT name, header, value FROM ` + s + `.rules
			WHERE topic = $1 AND subscription = $2 ORDER BY created_at ASC, name ASC`,
		createRule: `INSERT INTO ` + s + `.rules (topic, subscription, name, header, value) VALUES ($1, $2, $3, $4, $5)`,
		deleteRule: `DELETE FROM ` + s + `.rules WHERE topic = $1 AND subscription = $2 AND name = $3`,
		enqueue: `INSERT INTO ` + s + `.messages (uuid, topic, subscription, payload, metadata, available_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		fetch: `UPDATE ` + s + `.messages
			SET locked_until = $1, delivery_count = delivery_count + 1
			WHERE id = (
				SELECT id FROM ` + s + `.messages
				WHERE topic = $2 AND subscription = $3
				AND available_at <= $4
				AND (locked_until IS NULL OR locked_until < $4)
				ORDER BY available_at ASC, id ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, uuid, payload, metadata, delivery_count`,
		ack: `DELETE FROM ` + s + `.messages WHERE id = $1`,
		nack: `UPDATE ` + s + `.messages SET locked_until = NULL, available_at = $1 WHERE id = $2`,
		deadLetter: `WITH moved AS (
				DELETE FROM ` + s + `.messages WHERE id = $1
				RETURNING uuid, topic, subscription, payload, metadata, delivery_count
			)
			INSERT INTO ` + s + `.dead_letters (uuid, topic, subscription, payload, metadata, reason, delivery_count)
			SELECT uuid, topic, subscription, payload, metadata, 'max deliveries exceeded', delivery_count FROM moved`,
		unlock:      `UPDATE ` + s + `.messages SET locked_until = NULL WHERE id = $1`,
		pending:     `SELECT COUNT(*) FROM ` + s + `.messages WHERE topic = $1 AND subscription = $2`,
		deadLetters: `SELECT COUNT(*) FROM ` + s + `.dead_letters WHERE topic = $1 AND subscription = $2`,
	}
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

// isUniqueViolation reports whether err is a duplicate key failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exists(ctx context.Context, q queryRower, query string, args ...any) (bool, error) {
	var ok bool
	if err := q.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// TopicExists implements transport.Admin.
func (t *Transport) TopicExists(ctx context.Context, topic string) (bool, error) {
	return exists(ctx, t.db, t.q.topicExists, topic)
}

// CreateTopic implements transport.Admin. The primary key decides races
// between concurrent creators.
func (t *Transport) CreateTopic(ctx context.Context, topic string) error {
	if _, err := t.db.ExecContext(ctx, t.q.createTopic, topic); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("topic %q: %w", topic, transport.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// SubscriptionExists implements transport.Admin.
func (t *Transport) SubscriptionExists(ctx context.Context, topic, subscription string) (bool, error) {
	return exists(ctx, t.db, t.q.subscriptionExists, topic, subscription)
}

// CreateSubscription adds subscription with the catch-all rule attached.
func (t *Transport) CreateSubscription(ctx context.Context, topic, subscription string) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer t.rollback(tx)

	ok, err := exists(ctx, tx, t.q.topicExists, topic)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("topic %q: %w", topic, transport.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, t.q.createSubscription, topic, subscription); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("subscription %q: %w", subscription, transport.ErrAlreadyExists)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, t.q.createRule, topic, subscription, transport.DefaultRuleName, "", ""); err != nil {
		return err
	}
	return tx.Commit()
}

// Rules implements transport.Admin.
func (t *Transport) Rules(ctx context.Context, topic, subscription string) ([]transport.Rule, error) {
	ok, err := t.SubscriptionExists(ctx, topic, subscription)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("subscription %q on %q: %w", subscription, topic, transport.ErrNotFound)
	}
	return t.rules(ctx, t.db, topic, subscription)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (t *Transport) rules(ctx context.Context, q querier, topic, subscription string) ([]transport.Rule, error) {
	rows, err := q.QueryContext(ctx, t.q.listRules, topic, subscription)
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
	ok, err := t.SubscriptionExists(ctx, topic, subscription)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("subscription %q on %q: %w", subscription, topic, transport.ErrNotFound)
	}
	if _, err := t.db.ExecContext(ctx, t.q.createRule, topic, subscription, rule.Name, rule.Filter.Header, rule.Filter.Value); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rule %q: %w", rule.Name, transport.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// DeleteRule implements transport.Admin.
func (t *Transport) DeleteRule(ctx context.Context, topic, subscription, name string) error {
	res, err := t.db.ExecContext(ctx, t.q.deleteRule, topic, subscription, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %q: %w", name, transport.ErrNotFound)
	}
	return nil
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

	ok, err := exists(ctx, tx, t.q.topicExists, topic)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("publish to %q: %w", topic, transport.ErrNotFound)
	}

	routing, err := t.routingTable(ctx, tx, topic)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, t.q.enqueue)
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
	rows, err := tx.QueryContext(ctx, t.q.listSubscriptions, topic)
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
		return nil, errors.New("postgres: topic and subscription are required")
	}
	return &Subscriber{t: t, topic: topic, subscription: subscription}, nil
}

// Subscriber consumes one subscription of a PostgreSQL transport.
type Subscriber struct {
	t            *Transport
	topic        string
	subscription string
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t := s.t
	if topic != s.topic {
		return nil, fmt.Errorf("postgres: subscriber bound to %q cannot subscribe to %q", s.topic, topic)
	}

	t.closedMu.RLock()
	if t.closed {
		t.closedMu.RUnlock()
		return nil, fmt.Errorf("transport is closed")
	}
	t.wg.Add(1)
	t.closedMu.RUnlock()

	ok, err := t.SubscriptionExists(ctx, s.topic, s.subscription)
	if err != nil || !ok {
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
			for s.processAvailableMessage(ctx, msgChan) {
			}
		}
	}
}

type lockedMessage struct {
	id         int64
	deliveries int
	msg        *message.Message
}

func (s *Subscriber) fetchAndLockMessage(ctx context.Context) (*lockedMessage, bool) {
	t := s.t
	now := time.Now().UTC()

	var (
		lm       lockedMessage
		uuid     string
		payload  []byte
		metadata []byte
	)
	err := t.db.QueryRowContext(ctx, t.q.fetch, now.Add(t.config.LockDuration), s.topic, s.subscription, now).
		Scan(&lm.id, &uuid, &payload, &metadata, &lm.deliveries)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			t.logger.Error("failed to fetch and lock message", err, nil)
		}
		return nil, false
	}

	md := make(message.Metadata)
	if len(metadata) > 0 {
		if err := jsoncodec.Unmarshal(metadata, &md); err != nil {
			t.logger.Error("failed to unmarshal metadata", err, nil)
		}
	}
	lm.msg = message.NewMessage(uuid, payload)
	lm.msg.Metadata = md
	return &lm, true
}

func (s *Subscriber) processAvailableMessage(ctx context.Context, msgChan chan *message.Message) bool {
	t := s.t
	lm, found := s.fetchAndLockMessage(ctx)
	if !found {
		return false
	}
	msg := lm.msg
	msg.SetContext(ctx)

	select {
	case msgChan <- msg:
	case <-ctx.Done():
		t.unlockMessage(lm.id)
		return false
	case <-t.closedChan:
		t.unlockMessage(lm.id)
		return false
	}

	select {
	case <-msg.Acked():
		t.ackMessage(lm.id)
	case <-msg.Nacked():
		t.nackMessage(lm.id, lm.deliveries)
	case <-ctx.Done():
		t.unlockMessage(lm.id)
		return false
	case <-t.closedChan:
		t.unlockMessage(lm.id)
		return false
	}
	return true
}

func (t *Transport) ackMessage(id int64) {
	if _, err := t.db.Exec(t.q.ack, id); err != nil {
		t.logger.Error("failed to ack message", err, nil)
	}
}

func (t *Transport) nackMessage(id int64, deliveries int) {
	if deliveries >= t.config.MaxDeliveries {
		if _, err := t.db.Exec(t.q.deadLetter, id); err != nil {
			t.logger.Error("failed to dead-letter message", err, nil)
		}
		return
	}
	availableAt := time.Now().UTC().Add(time.Duration(deliveries) * t.config.RedeliveryDelay)
	if _, err := t.db.Exec(t.q.nack, availableAt, id); err != nil {
		t.logger.Error("failed to nack message", err, nil)
	}
}

func (t *Transport) unlockMessage(id int64) {
	if _, err := t.db.Exec(t.q.unlock, id); err != nil {
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
func (t *Transport) PendingCount(ctx context.Context, topic, subscription string) (int64, error) {
	var count int64
	err := t.db.QueryRowContext(ctx, t.q.pending, topic, subscription).Scan(&count)
	return count, err
}

// DeadLetterCount returns the number of dead-lettered messages of subscription.
func (t *Transport) DeadLetterCount(ctx context.Context, topic, subscription string) (int64, error) {
	var count int64
	err := t.db.QueryRowContext(ctx, t.q.deadLetters, topic, subscription).Scan(&count)
	return count, err
}
