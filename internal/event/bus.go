// Package event provides the host application's event bus. Events are
// identified by name; a trailing "*" in a subscription name matches any
// suffix, so "plugin:*" receives every plugin lifecycle event.
package event

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Stats reports bus activity counters.
type Stats struct {
	Published     uint64
	Delivered     uint64
	HandlerPanics uint64
	Subscribers   int
}

type subscription struct {
	pattern string
	fn      func(data map[string]any)
}

// Bus is a synchronous name-keyed publish/subscribe bus. Handlers run on
// the publisher's goroutine; a panicking handler is recovered and logged
// without affecting the others.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	log    *logrus.Logger

	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerPanics atomic.Uint64
}

// NewBus creates an empty bus. A nil logger falls back to the standard
// logrus logger.
func NewBus(log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{
		subs: make(map[int]*subscription),
		log:  log,
	}
}

// Subscribe registers a handler for events matching name. The returned
// function removes the subscription; calling it more than once is
// harmless.
func (b *Bus) Subscribe(name string, fn func(data map[string]any)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{pattern: name, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers an event to every matching subscriber.
func (b *Bus) Publish(name string, data map[string]any) {
	b.published.Add(1)

	b.mu.RLock()
	matched := make([]func(data map[string]any), 0, len(b.subs))
	for _, sub := range b.subs {
		if match(sub.pattern, name) {
			matched = append(matched, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		b.deliver(name, fn, data)
	}
}

func (b *Bus) deliver(name string, fn func(data map[string]any), data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.log.WithField("event", name).Errorf("event handler panicked: %v", r)
		}
	}()
	fn(data)
	b.delivered.Add(1)
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerPanics: b.handlerPanics.Load(),
		Subscribers:   n,
	}
}

// match reports whether an event name satisfies a subscription pattern.
// Patterns are exact names, optionally ending in "*" to match any suffix.
func match(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}
