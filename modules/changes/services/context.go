package services

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/opsforge/changeflow/pkg/composables"
	"github.com/opsforge/changeflow/pkg/eventbus"
)

type skipNotificationsKey struct{}

// WithSkipNotifications suppresses outbound notification dispatch for the
// duration of the call; used by seed and backfill tooling.
func WithSkipNotifications(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipNotificationsKey{}, true)
}

func shouldSkipNotifications(ctx context.Context) bool {
	skip, _ := ctx.Value(skipNotificationsKey{}).(bool)
	return skip
}

// pendingEvents queues bus events raised inside a transaction. Delivery
// happens only after the transaction commits; a rollback discards the queue,
// so subscribers never observe an uncommitted transition.
type pendingEvents struct {
	mu    sync.Mutex
	queue []queuedEvent
}

type queuedEvent struct {
	bus   eventbus.EventBus
	event eventbus.Event
}

type pendingEventsKey struct{}

func (p *pendingEvents) add(bus eventbus.EventBus, event eventbus.Event) {
	p.mu.Lock()
	p.queue = append(p.queue, queuedEvent{bus: bus, event: event})
	p.mu.Unlock()
}

func (p *pendingEvents) flush() {
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, q := range queue {
		q.bus.Publish(q.event)
	}
}

// enqueueEvent defers the event until the surrounding inTx succeeds. Returns
// false when no transaction scope is active, in which case the caller
// publishes directly.
func enqueueEvent(ctx context.Context, bus eventbus.EventBus, event eventbus.Event) bool {
	pending, ok := ctx.Value(pendingEventsKey{}).(*pendingEvents)
	if !ok {
		return false
	}
	pending.add(bus, event)
	return true
}

// inTx runs fn inside a fresh transaction when a pool is wired into the
// context. Without a pool (in-memory repositories) fn runs directly; the
// per-change keyed mutex then provides the serialization the row lock would.
// Bus events raised inside fn are held back and published once fn succeeds
// and the transaction has committed.
func inTx[T any](ctx context.Context, fn func(txCtx context.Context) (T, error)) (T, error) {
	pending := &pendingEvents{}
	ctx = context.WithValue(ctx, pendingEventsKey{}, pending)

	pool, err := composables.UsePool(ctx)
	if err != nil {
		out, err := fn(ctx)
		if err != nil {
			return out, err
		}
		pending.flush()
		return out, nil
	}

	var zero T
	tx, err := pool.Begin(ctx)
	if err != nil {
		return zero, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out, err := fn(composables.WithTx(ctx, tx))
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, err
	}
	pending.flush()
	return out, nil
}

// keyedMutex serializes operations per change id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*keyedLock)}
}

func (m *keyedMutex) Lock(id uuid.UUID) (unlock func()) {
	m.mu.Lock()
	l := m.locks[id]
	if l == nil {
		l = &keyedLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}
