package handlers

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	errspkg "github.com/kacey90/horseback/internal/runtime/errors"
)

// Table maps event kinds to their handlers. It is filled during setup and
// sealed before consumption starts; afterwards reads take no lock.
type Table struct {
	mu     sync.RWMutex
	byKind map[string][]Handler
	sealed atomic.Bool
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{byKind: make(map[string][]Handler)}
}

// Add appends h to the handlers of kind. Handlers run in the order added.
func (t *Table) Add(kind string, h Handler) error {
	if kind == "" {
		return errspkg.ErrKindRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed.Load() {
		return errspkg.ErrRegistryClosed
	}
	t.byKind[kind] = append(t.byKind[kind], h)
	return nil
}

// Seal ends registration.
func (t *Table) Seal() {
	t.mu.Lock()
	t.sealed.Store(true)
	t.mu.Unlock()
}

// Sealed reports whether registration has ended.
func (t *Table) Sealed() bool { return t.sealed.Load() }

// Handlers returns the handlers of kind.
func (t *Table) Handlers(kind string) []Handler {
	if t.sealed.Load() {
		return t.byKind[kind]
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Handler, len(t.byKind[kind]))
	copy(out, t.byKind[kind])
	return out
}

// Kinds returns the kinds with at least one handler, sorted.
func (t *Table) Kinds() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	kinds := make([]string, 0, len(t.byKind))
	for kind := range t.byKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Dispatch runs every handler of the event's kind in order. The first failure
// stops dispatch and is returned as a HandlerError.
func (t *Table) Dispatch(ctx context.Context, msg Message) error {
	for _, h := range t.Handlers(msg.Event.Kind) {
		if err := h.Handle(ctx, msg); err != nil {
			return &errspkg.HandlerError{
				Kind:    msg.Event.Kind,
				Handler: h.Name(),
				EventID: msg.Event.ID,
				Err:     err,
			}
		}
	}
	return nil
}
