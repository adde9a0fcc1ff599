// Package registry caches the latest value per key and fans updates out to subscribers.
package registry

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"spread-trade-bot-go/internal/metrics"
)

// Callback receives a published value. Returned errors are logged and never stop delivery.
type Callback[V any] func(V) error

// Registry holds the latest value per key and the subscribers registered under each key.
//
// Independent keys never contend on a shared lock. Updates to one key must come from a single
// publisher; with that, every subscriber sees the key's updates in publish order.
type Registry[K comparable, V any] struct {
	name    string
	logger  *zap.Logger
	entries sync.Map // K -> *entry[V]
}

type entry[V any] struct {
	mu       sync.Mutex
	value    V
	hasValue bool
	version  uint64
	subs     []*subscriber[V]
}

type subscriber[V any] struct {
	id      string
	cb      Callback[V]
	removed atomic.Bool

	// mu serialises deliveries to this subscriber so a replay always lands before later publishes.
	mu        sync.Mutex
	delivered uint64
}

// New creates an empty registry. The name labels log lines and metrics.
func New[K comparable, V any](name string, logger *zap.Logger) *Registry[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry[K, V]{
		name:   name,
		logger: logger.Named("registry").With(zap.String("registry", name)),
	}
}

func (r *Registry[K, V]) entry(key K) *entry[V] {
	if e, ok := r.entries.Load(key); ok {
		return e.(*entry[V])
	}
	e, _ := r.entries.LoadOrStore(key, &entry[V]{})
	return e.(*entry[V])
}

// Subscribe registers cb under key for subscriberID, replacing any earlier registration of the
// same subscriber on that key. When key already has a cached value, cb is invoked once with it
// before Subscribe returns.
func (r *Registry[K, V]) Subscribe(key K, subscriberID string, cb Callback[V]) {
	sub := &subscriber[V]{id: subscriberID, cb: cb}
	sub.mu.Lock()
	defer sub.mu.Unlock()

	e := r.entry(key)
	e.mu.Lock()
	for i, existing := range e.subs {
		if existing.id == subscriberID {
			existing.removed.Store(true)
			e.subs = slices.Delete(e.subs, i, i+1)
			break
		}
	}
	e.subs = append(e.subs, sub)
	value, hasValue, version := e.value, e.hasValue, e.version
	e.mu.Unlock()

	if hasValue {
		sub.delivered = version
		r.invoke(key, sub, value)
	}
}

// Unsubscribe removes subscriberID from key. It is a no-op when the subscriber is absent.
// Deliveries still in flight for the removed subscriber are discarded.
func (r *Registry[K, V]) Unsubscribe(key K, subscriberID string) {
	v, ok := r.entries.Load(key)
	if !ok {
		return
	}
	e := v.(*entry[V])
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.subs {
		if sub.id == subscriberID {
			sub.removed.Store(true)
			e.subs = slices.Delete(e.subs, i, i+1)
			return
		}
	}
}

// Publish caches value under key and delivers it to every subscriber registered at call time.
func (r *Registry[K, V]) Publish(key K, value V) {
	e := r.entry(key)
	e.mu.Lock()
	e.value = value
	e.hasValue = true
	e.version++
	version := e.version
	subs := slices.Clone(e.subs)
	e.mu.Unlock()

	for _, sub := range subs {
		r.deliver(key, sub, value, version)
	}
}

func (r *Registry[K, V]) deliver(key K, sub *subscriber[V], value V, version uint64) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.removed.Load() || version <= sub.delivered {
		return
	}
	sub.delivered = version
	r.invoke(key, sub, value)
}

func (r *Registry[K, V]) invoke(key K, sub *subscriber[V], value V) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.RegistryCallbackErrors.WithLabelValues(r.name).Inc()
			r.logger.Error("Subscriber callback panicked",
				zap.String("subscriber", sub.id),
				zap.String("key", fmt.Sprint(key)),
				zap.Any("panic", rec))
		}
	}()
	if err := sub.cb(value); err != nil {
		metrics.RegistryCallbackErrors.WithLabelValues(r.name).Inc()
		r.logger.Warn("Subscriber callback failed",
			zap.String("subscriber", sub.id),
			zap.String("key", fmt.Sprint(key)),
			zap.Error(err))
	}
}

// Get returns the cached value for key.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	var zero V
	v, ok := r.entries.Load(key)
	if !ok {
		return zero, false
	}
	e := v.(*entry[V])
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasValue {
		return zero, false
	}
	return e.value, true
}

// Range calls fn for every cached value until fn returns false.
func (r *Registry[K, V]) Range(fn func(key K, value V) bool) {
	r.entries.Range(func(k, v any) bool {
		e := v.(*entry[V])
		e.mu.Lock()
		value, hasValue := e.value, e.hasValue
		e.mu.Unlock()
		if !hasValue {
			return true
		}
		return fn(k.(K), value)
	})
}

// Keys returns the keys holding a cached value, in no particular order.
func (r *Registry[K, V]) Keys() []K {
	var keys []K
	r.Range(func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Len returns the number of keys holding a cached value.
func (r *Registry[K, V]) Len() int {
	n := 0
	r.Range(func(K, V) bool {
		n++
		return true
	})
	return n
}

// Subscribers returns the number of subscribers registered under key.
func (r *Registry[K, V]) Subscribers(key K) int {
	v, ok := r.entries.Load(key)
	if !ok {
		return 0
	}
	e := v.(*entry[V])
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
