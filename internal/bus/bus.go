package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Delivery to a subscriber is FIFO; a subscriber whose buffer is full misses
// the event rather than blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	id        int
	namespace string
	ch        chan Event
	done      chan struct{}
	once      sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Deliver is Publish without loss: it waits for buffer room in every
// matching subscriber instead of skipping it. A subscriber removed while
// Deliver waits is skipped.
func (b *Bus) Deliver(evt Event) {
	b.mu.RLock()
	var targets []*subscription
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.ch <- evt:
		case <-sub.done:
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	sub := b.add(namespace, bufSize)
	return sub.ch, func() { b.remove(sub) }
}

// Handle runs fn for every event matching namespace on a dedicated goroutine,
// in publish order, until the returned function is called or the bus is Reset.
func (b *Bus) Handle(namespace string, bufSize int, fn func(Event)) func() {
	sub := b.add(namespace, bufSize)
	go func() {
		for {
			select {
			case evt := <-sub.ch:
				select {
				case <-sub.done:
					return
				default:
				}
				fn(evt)
			case <-sub.done:
				return
			}
		}
	}()
	return func() { b.remove(sub) }
}

// Reset drops every subscription. Handler goroutines exit; channels returned
// by Subscribe stop receiving.
func (b *Bus) Reset() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) add(namespace string, bufSize int) *subscription {
	sub := &subscription{
		namespace: namespace,
		ch:        make(chan Event, bufSize),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	sub.id = b.next
	b.next++
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	if cur, ok := b.subs[sub.id]; ok && cur == sub {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	sub.stop()
}
