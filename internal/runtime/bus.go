package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/kacey90/horseback/internal/runtime/config"
	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
	"github.com/kacey90/horseback/internal/runtime/events"
	handlerpkg "github.com/kacey90/horseback/internal/runtime/handlers"
	"github.com/kacey90/horseback/internal/runtime/inbox"
	loggingpkg "github.com/kacey90/horseback/internal/runtime/logging"
	transportpkg "github.com/kacey90/horseback/internal/runtime/transport"
	"github.com/kacey90/horseback/transport"
)

// DefaultCloseTimeout bounds how long in-flight deliveries drain on shutdown.
const DefaultCloseTimeout = 30 * time.Second

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

var openInbox = func(ctx context.Context, cfg configpkg.Inbox) (inbox.Store, error) {
	return inbox.Open(ctx, cfg)
}

// BusDependencies holds optional collaborators. Zero values select the
// defaults built from the configuration.
type BusDependencies struct {
	// Inbox replaces the ledger opened from Config.Inbox. The caller keeps
	// ownership; Close does not close it.
	Inbox                     inbox.Deduplicator
	TransportFactory          transportpkg.Factory
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips the default middleware chain when true.
	Hooks                     JobHooks
	ErrorClassifier           ErrorClassifier
	// Registerer receives the Prometheus collectors. Defaults to prometheus.DefaultRegisterer.
	Registerer   prometheus.Registerer
	CloseTimeout time.Duration
}

// Bus wires the registry, the handler table, the inbox, the publisher and a
// watermill router consuming every subscription.
type Bus struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport   transport.Transport
	registry    *events.Registry
	handlers    *handlerpkg.Table
	inbox       inbox.Deduplicator
	inboxCloser io.Closer
	provisioner *Provisioner
	publisher   *Publisher
	router      *message.Router

	registerer      prometheus.Registerer
	metrics         *DeliveryMetrics
	errorClassifier ErrorClassifier
	resources       *resourceSampler

	mu            sync.Mutex
	subscriptions []Subscription
	infos         []*SubscriptionInfo
	provisioned   bool
	started       bool
	closed        bool

	httpMu      sync.Mutex
	httpMuxes   map[int]*http.ServeMux
	httpServers []*http.Server
}

// NewBus builds a bus for conf. Register kinds, handlers and subscriptions on
// the returned bus, then call Start.
func NewBus(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BusDependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	conf.Delivery = conf.Delivery.WithDefaults()

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event bus", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	b := &Bus{
		Conf:            conf,
		Logger:          log,
		registry:        events.NewRegistry(conf.DefaultTopic),
		handlers:        handlerpkg.NewTable(),
		registerer:      deps.Registerer,
		errorClassifier: deps.ErrorClassifier,
		resources:       newResourceSampler(),
	}
	if b.registerer == nil {
		b.registerer = prometheus.DefaultRegisterer
	}
	if b.errorClassifier == nil {
		b.errorClassifier = defaultErrorClassifier
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	t, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	b.transport = t

	fail := func(err error) (*Bus, error) {
		_ = b.release()
		return nil, err
	}
	if t.Admin == nil {
		return fail(errspkg.ErrAdminRequired)
	}
	if t.Publisher == nil {
		return fail(errspkg.ErrPublisherRequired)
	}

	if deps.Inbox != nil {
		b.inbox = deps.Inbox
	} else {
		store, err := openInbox(ctx, conf.Inbox)
		if err != nil {
			return fail(fmt.Errorf("open inbox: %w", err))
		}
		b.inbox = store
		b.inboxCloser = store
	}

	if b.provisioner, err = NewProvisioner(t.Admin, b.registry, conf.Delivery, log); err != nil {
		return fail(err)
	}
	b.provisioner.OnlyHandled(b.handles)
	if b.publisher, err = NewPublisher(t.Publisher, b.provisioner, b.registry, conf.Delivery, log); err != nil {
		return fail(err)
	}

	b.metrics = NewDeliveryMetrics(b.registerer)
	if conf.MetricsEnabled {
		if err := b.metrics.Register(); err != nil {
			return fail(fmt.Errorf("register metrics: %w", err))
		}
	}

	closeTimeout := deps.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: closeTimeout}, wmLogger)
	if err != nil {
		return fail(err)
	}
	b.router = router
	b.router.AddPlugin(plugin.SignalsHandler)

	if err := b.registerConfiguredMiddlewares(deps); err != nil {
		return fail(err)
	}
	return b, nil
}

func (b *Bus) registerConfiguredMiddlewares(deps BusDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	registrations = append(registrations, JobHooksMiddleware(deps.Hooks))
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := b.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Registry returns the event type registry.
func (b *Bus) Registry() *events.Registry { return b.registry }

// Handlers returns the handler table.
func (b *Bus) Handlers() *handlerpkg.Table { return b.handlers }

// Publisher returns the bus publisher.
func (b *Bus) Publisher() *Publisher { return b.publisher }

// Metrics returns the delivery counters.
func (b *Bus) Metrics() *DeliveryMetrics { return b.metrics }

// Capabilities describes the transport the bus runs on.
func (b *Bus) Capabilities() transport.Capabilities { return b.transport.Capabilities }

// Publish sends evt through the bus publisher.
func (b *Bus) Publish(ctx context.Context, evt *events.IntegrationEvent) error {
	return b.publisher.Publish(ctx, evt)
}

// AddSubscription declares a subscription explicitly. Without explicit
// subscriptions the bus subscribes to every topic that has a handled kind.
func (b *Bus) AddSubscription(sub Subscription) error {
	if sub.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	if sub.Name == "" {
		sub.Name = SubscriptionName(sub.Topic, b.Conf.ServiceName)
	}
	if sub.Delivery == (configpkg.Delivery{}) {
		sub.Delivery = b.Conf.Delivery
	}
	sub.Delivery = sub.Delivery.WithDefaults()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errspkg.ErrBusStarted
	}
	for _, existing := range b.subscriptions {
		if existing.Topic == sub.Topic && existing.Name == sub.Name {
			return fmt.Errorf("subscription %q on %q already declared", sub.Name, sub.Topic)
		}
	}
	b.subscriptions = append(b.subscriptions, sub)
	b.provisioned = false
	return nil
}

// Subscriptions returns the declared subscriptions plus one conventional
// subscription per handled topic not already covered.
func (b *Bus) Subscriptions() []Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscriptionsLocked()
}

func (b *Bus) subscriptionsLocked() []Subscription {
	subs := append([]Subscription(nil), b.subscriptions...)
	covered := make(map[string]bool, len(subs))
	for _, s := range subs {
		covered[s.Topic] = true
	}

	var topics []string
	for _, kind := range b.handlers.Kinds() {
		topic, err := b.registry.TopicFor(kind)
		if err != nil || covered[topic] {
			continue
		}
		covered[topic] = true
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		subs = append(subs, Subscription{
			Topic:    topic,
			Name:     SubscriptionName(topic, b.Conf.ServiceName),
			Delivery: b.Conf.Delivery,
		})
	}
	return subs
}

// Provision closes registration and converges broker state for every
// subscription. Start refuses to consume until it succeeded.
func (b *Bus) Provision(ctx context.Context) error {
	b.registry.Close()
	b.handlers.Seal()

	subs := b.Subscriptions()
	if err := b.provisioner.ProvisionAll(ctx, subs); err != nil {
		b.Logger.Error("Provisioning failed", err, nil)
		return err
	}

	b.mu.Lock()
	b.provisioned = true
	b.mu.Unlock()
	b.Logger.Info("Subscriptions provisioned", loggingpkg.LogFields{"subscriptions": len(subs)})
	return nil
}

// Start provisions when needed, starts a consumer per subscription and runs
// the router until ctx is cancelled or Close is called.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return errspkg.ErrBusClosed
	case b.started:
		b.mu.Unlock()
		return errspkg.ErrBusStarted
	}
	provisioned := b.provisioned
	b.mu.Unlock()

	if !provisioned {
		if err := b.Provision(ctx); err != nil {
			return err
		}
	}

	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errspkg.ErrBusStarted
	}
	b.started = true
	subs := b.subscriptionsLocked()
	b.mu.Unlock()

	for _, sub := range subs {
		if err := b.addConsumers(sub); err != nil {
			return err
		}
	}

	b.registerStatsHandlers()
	if err := b.startHTTPServers(); err != nil {
		return err
	}
	defer b.stopHTTPServers()

	return routerRun(b.router, ctx)
}

func (b *Bus) addConsumers(sub Subscription) error {
	subscriber, err := b.transport.Subscribers.NewSubscriber(sub.Topic, sub.Name)
	if err != nil {
		return fmt.Errorf("subscriber for %q: %w", sub.Name, err)
	}

	c := newConsumer(sub, b.registry, b.handlers, b.inbox, b.metrics, b.Logger)
	stats := newSubscriptionStats(sub.Name, b.resources)
	handle := wrapHandlerWithStats(c.Handle, stats, b.errorClassifier)

	for i := 0; i < c.sub.Delivery.MaxConcurrentCalls; i++ {
		b.router.AddNoPublisherHandler(
			sub.Name+consumerIndexSeparator+strconv.Itoa(i),
			sub.Topic,
			subscriber,
			handle,
		)
	}

	b.mu.Lock()
	b.infos = append(b.infos, &SubscriptionInfo{
		Name:               sub.Name,
		Topic:              sub.Topic,
		Kinds:              b.handledKinds(sub.Topic),
		MaxConcurrentCalls: c.sub.Delivery.MaxConcurrentCalls,
		AutoComplete:       c.sub.Delivery.AutoComplete,
		Stats:              stats,
	})
	b.mu.Unlock()

	b.Logger.With(loggingpkg.SubscriptionFields(sub.Topic, sub.Name)).Info("Subscription consumer added", loggingpkg.LogFields{
		"max_concurrent_calls": c.sub.Delivery.MaxConcurrentCalls,
	})
	return nil
}

// handles reports whether kind has a handler on this bus. Kinds registered
// only for publishing get no rule on the bus's subscriptions.
func (b *Bus) handles(kind string) bool {
	return len(b.handlers.Handlers(kind)) > 0
}

func (b *Bus) handledKinds(topic string) []string {
	var kinds []string
	for _, kind := range b.registry.KindsForTopic(topic) {
		if b.handles(kind) {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Running is closed once the router consumes.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

// Close stops consumption, letting in-flight deliveries drain, then releases
// the transport and the inbox it opened.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if b.router != nil {
		errs = append(errs, b.router.Close())
	}
	b.stopHTTPServers()
	errs = append(errs, b.release())
	return errors.Join(errs...)
}

func (b *Bus) release() error {
	var errs []error
	errs = append(errs, b.transport.Close())
	if b.inboxCloser != nil {
		errs = append(errs, b.inboxCloser.Close())
	}
	return errors.Join(errs...)
}

// RegisterHTTPHandler serves handler on port once the bus starts.
func (b *Bus) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpMu.Lock()
	defer b.httpMu.Unlock()

	if b.httpMuxes == nil {
		b.httpMuxes = make(map[int]*http.ServeMux)
	}
	mux, ok := b.httpMuxes[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpMuxes[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (b *Bus) startHTTPServers() error {
	b.httpMu.Lock()
	defer b.httpMu.Unlock()

	for port, mux := range b.httpMuxes {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		b.httpServers = append(b.httpServers, srv)
		b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.Logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	return nil
}

func (b *Bus) stopHTTPServers() {
	b.httpMu.Lock()
	servers := b.httpServers
	b.httpServers = nil
	b.httpMu.Unlock()

	for _, srv := range servers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
	}
}
