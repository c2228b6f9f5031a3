package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Topology is an in-process Admin. The memory broker uses it as its routing
// table; brokers without native rules use it to keep rules client-side.
//
// Creation is strict: creating something that already exists returns
// ErrAlreadyExists, the way hosted brokers reject duplicate entities.
type Topology struct {
	mu sync.RWMutex
	// implicitTopics makes every topic exist, for brokers that create topics on first use.
	implicitTopics bool
	topics         map[string]map[string][]Rule
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{topics: make(map[string]map[string][]Rule)}
}

// NewImplicitTopology returns a topology whose topics always exist.
func NewImplicitTopology() *Topology {
	t := NewTopology()
	t.implicitTopics = true
	return t
}

var _ Admin = (*Topology)(nil)

func (t *Topology) TopicExists(_ context.Context, topic string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.topics[topic]
	return ok || t.implicitTopics, nil
}

func (t *Topology) CreateTopic(_ context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.topics[topic]; ok {
		return fmt.Errorf("topic %q: %w", topic, ErrAlreadyExists)
	}
	t.topics[topic] = make(map[string][]Rule)
	return nil
}

func (t *Topology) SubscriptionExists(_ context.Context, topic, subscription string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.topics[topic][subscription]
	return ok, nil
}

// CreateSubscription adds subscription with the catch-all rule attached.
func (t *Topology) CreateSubscription(_ context.Context, topic, subscription string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs, ok := t.topics[topic]
	if !ok {
		if !t.implicitTopics {
			return fmt.Errorf("topic %q: %w", topic, ErrNotFound)
		}
		subs = make(map[string][]Rule)
		t.topics[topic] = subs
	}
	if _, ok := subs[subscription]; ok {
		return fmt.Errorf("subscription %q: %w", subscription, ErrAlreadyExists)
	}
	subs[subscription] = []Rule{DefaultRule()}
	return nil
}

func (t *Topology) Rules(_ context.Context, topic, subscription string) ([]Rule, error) {
	rules, ok := t.RulesFor(topic, subscription)
	if !ok {
		return nil, fmt.Errorf("subscription %q on %q: %w", subscription, topic, ErrNotFound)
	}
	return rules, nil
}

func (t *Topology) CreateRule(_ context.Context, topic, subscription string, rule Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rules, ok := t.topics[topic][subscription]
	if !ok {
		return fmt.Errorf("subscription %q on %q: %w", subscription, topic, ErrNotFound)
	}
	for _, r := range rules {
		if r.Name == rule.Name {
			return fmt.Errorf("rule %q: %w", rule.Name, ErrAlreadyExists)
		}
	}
	t.topics[topic][subscription] = append(rules, rule)
	return nil
}

func (t *Topology) DeleteRule(_ context.Context, topic, subscription, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rules, ok := t.topics[topic][subscription]
	if !ok {
		return fmt.Errorf("subscription %q on %q: %w", subscription, topic, ErrNotFound)
	}
	for i, r := range rules {
		if r.Name == name {
			t.topics[topic][subscription] = append(rules[:i:i], rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %q: %w", name, ErrNotFound)
}

// RulesFor returns a copy of the subscription's rules.
func (t *Topology) RulesFor(topic, subscription string) ([]Rule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rules, ok := t.topics[topic][subscription]
	if !ok {
		return nil, false
	}
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out, true
}

// Subscriptions returns the sorted subscriptions of topic.
func (t *Topology) Subscriptions(topic string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	subs := make([]string, 0, len(t.topics[topic]))
	for name := range t.topics[topic] {
		subs = append(subs, name)
	}
	sort.Strings(subs)
	return subs
}

// Accepts reports whether a message with headers is routed to subscription.
// A subscription with no rules receives nothing.
func (t *Topology) Accepts(topic, subscription string, headers map[string]string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return MatchesAny(t.topics[topic][subscription], headers)
}
