package runtime

import (
	"context"
	"errors"
	"sync"

	configpkg "github.com/kacey90/horseback/internal/runtime/config"
	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
	"github.com/kacey90/horseback/internal/runtime/events"
	loggingpkg "github.com/kacey90/horseback/internal/runtime/logging"
	"github.com/kacey90/horseback/transport"
)

// Provisioning steps reported in ProvisioningError.Step.
const (
	StepEnsureTopic        = "ensure topic"
	StepEnsureSubscription = "ensure subscription"
	StepRemoveDefaultRule  = "remove default rule"
	StepCreateKindRules    = "create kind rules"
	StepRemoveKindRules    = "remove unhandled kind rules"
)

// Provisioner converges broker state for a subscription: the topic and the
// subscription exist, the catch-all rule is gone and every kind registered on
// the topic has its rule. With a handled filter set, only handled kinds get a
// rule and the rules of registered kinds nobody handles are removed. Every
// step checks before it acts, so running it again changes nothing.
type Provisioner struct {
	admin    transport.Admin
	registry *events.Registry
	delivery configpkg.Delivery
	logger   loggingpkg.ServiceLogger
	handled  func(kind string) bool
}

// NewProvisioner creates a provisioner over admin. Admin calls are retried
// according to delivery.
func NewProvisioner(admin transport.Admin, registry *events.Registry, delivery configpkg.Delivery, logger loggingpkg.ServiceLogger) (*Provisioner, error) {
	if admin == nil {
		return nil, errspkg.ErrAdminRequired
	}
	if registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Provisioner{
		admin:    admin,
		registry: registry,
		delivery: delivery.WithDefaults(),
		logger:   logger,
	}, nil
}

// OnlyHandled restricts kind rules to the kinds for which handled reports true.
// A nil handled routes every registered kind.
func (p *Provisioner) OnlyHandled(handled func(kind string) bool) {
	p.handled = handled
}

func (p *Provisioner) routes(kind string) bool {
	return p.handled == nil || p.handled(kind)
}

// EnsureTopic creates topic when it does not exist.
func (p *Provisioner) EnsureTopic(ctx context.Context, topic string) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	err := p.do(ctx, "ensure topic "+topic, func() error {
		exists, err := p.admin.TopicExists(ctx, topic)
		if err != nil || exists {
			return err
		}
		p.logger.Info("Creating topic", loggingpkg.LogFields{loggingpkg.FieldTopic: topic})
		return ignoreExists(p.admin.CreateTopic(ctx, topic))
	})
	if err != nil {
		return &errspkg.ProvisioningError{Topic: topic, Step: StepEnsureTopic, Err: err}
	}
	return nil
}

// Provision runs every step for one subscription of topic.
func (p *Provisioner) Provision(ctx context.Context, topic, subscription string) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if subscription == "" {
		return errspkg.ErrSubscriptionRequired
	}
	fail := func(step string, err error) error {
		return &errspkg.ProvisioningError{Topic: topic, Subscription: subscription, Step: step, Err: err}
	}

	// The topic and subscription checks start together; creating the
	// subscription waits for the topic.
	topicReady := make(chan error, 1)
	go func() { topicReady <- p.EnsureTopic(ctx, topic) }()

	var subExists bool
	err := p.do(ctx, "check subscription "+subscription, func() error {
		var err error
		subExists, err = p.admin.SubscriptionExists(ctx, topic, subscription)
		if errors.Is(err, transport.ErrNotFound) {
			return nil
		}
		return err
	})
	if topicErr := <-topicReady; topicErr != nil {
		return topicErr
	}
	if err != nil {
		return fail(StepEnsureSubscription, err)
	}
	if !subExists {
		p.logger.Info("Creating subscription", loggingpkg.SubscriptionFields(topic, subscription))
		if err := p.do(ctx, "create subscription "+subscription, func() error {
			return ignoreExists(p.admin.CreateSubscription(ctx, topic, subscription))
		}); err != nil {
			return fail(StepEnsureSubscription, err)
		}
	}

	var rules []transport.Rule
	if err := p.do(ctx, "list rules "+subscription, func() error {
		var err error
		rules, err = p.admin.Rules(ctx, topic, subscription)
		return err
	}); err != nil {
		return fail(StepRemoveDefaultRule, err)
	}
	present := make(map[string]bool, len(rules))
	for _, r := range rules {
		present[r.Name] = true
	}

	if present[transport.DefaultRuleName] {
		p.logger.Info("Removing default rule", loggingpkg.SubscriptionFields(topic, subscription))
		if err := p.do(ctx, "delete default rule", func() error {
			return ignoreNotFound(p.admin.DeleteRule(ctx, topic, subscription, transport.DefaultRuleName))
		}); err != nil {
			return fail(StepRemoveDefaultRule, err)
		}
	}

	for _, kind := range p.registry.KindsForTopic(topic) {
		rule := transport.KindRule(kind)
		if !p.routes(kind) {
			if !present[rule.Name] {
				continue
			}
			p.logger.Info("Removing rule of unhandled kind", loggingpkg.LogFields{
				loggingpkg.FieldTopic:        topic,
				loggingpkg.FieldSubscription: subscription,
				loggingpkg.FieldKind:         kind,
				"rule":                       rule.Name,
			})
			if err := p.do(ctx, "delete rule "+rule.Name, func() error {
				return ignoreNotFound(p.admin.DeleteRule(ctx, topic, subscription, rule.Name))
			}); err != nil {
				return fail(StepRemoveKindRules, err)
			}
			continue
		}
		if present[rule.Name] {
			continue
		}
		p.logger.Info("Creating rule", loggingpkg.LogFields{
			loggingpkg.FieldTopic:        topic,
			loggingpkg.FieldSubscription: subscription,
			loggingpkg.FieldKind:         kind,
			"rule":                       rule.Name,
		})
		if err := p.do(ctx, "create rule "+rule.Name, func() error {
			return ignoreExists(p.admin.CreateRule(ctx, topic, subscription, rule))
		}); err != nil {
			return fail(StepCreateKindRules, err)
		}
	}
	return nil
}

// ProvisionAll provisions subscriptions concurrently and joins their failures.
func (p *Provisioner) ProvisionAll(ctx context.Context, subs []Subscription) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			if err := p.Provision(ctx, sub.Topic, sub.Name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (p *Provisioner) do(ctx context.Context, what string, op func() error) error {
	_, err := retryTransport(ctx, p.delivery, p.logger, what, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// ignoreExists treats losing a creation race as success.
func ignoreExists(err error) error {
	if errors.Is(err, transport.ErrAlreadyExists) {
		return nil
	}
	return err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, transport.ErrNotFound) {
		return nil
	}
	return err
}
