// Package events is a process-wide publish/subscribe bus keyed by event type.
package events

import (
	"reflect"
	"sync"
)

// Event is any value that can be published. Each concrete type is its own topic.
type Event any

type handler func(any)

var (
	subscriptions   = make(map[reflect.Type]map[*subscription]handler)
	subscriptionsMu sync.RWMutex
)

type subscription struct {
	topic reflect.Type
}

// Subscription is returned by Subscribe and can be passed to Unsubscribe.
type Subscription[T Event] struct {
	sub *subscription
}

// Subscribe registers callback for every emitted value of type T.
func Subscribe[T Event](callback func(evt T)) *Subscription[T] {
	topic := reflect.TypeFor[T]()
	sub := &subscription{topic: topic}

	subscriptionsMu.Lock()
	defer subscriptionsMu.Unlock()
	if subscriptions[topic] == nil {
		subscriptions[topic] = make(map[*subscription]handler)
	}
	subscriptions[topic][sub] = func(e any) { callback(e.(T)) }
	return &Subscription[T]{sub: sub}
}

// SubscribeOnce registers callback for the next emitted value of type T only.
func SubscribeOnce[T Event](callback func(evt T)) *Subscription[T] {
	var (
		once sync.Once
		s    *Subscription[T]
		mu   sync.Mutex
	)
	mu.Lock()
	defer mu.Unlock()
	s = Subscribe(func(evt T) {
		once.Do(func() {
			mu.Lock()
			sub := s
			mu.Unlock()
			Unsubscribe(sub)
			callback(evt)
		})
	})
	return s
}

// Unsubscribe removes the given subscription. It is a no-op for nil or already removed
// subscriptions.
func Unsubscribe[T Event](s *Subscription[T]) {
	if s == nil || s.sub == nil {
		return
	}
	subscriptionsMu.Lock()
	defer subscriptionsMu.Unlock()
	if subs, ok := subscriptions[s.sub.topic]; ok {
		delete(subs, s.sub)
		if len(subs) == 0 {
			delete(subscriptions, s.sub.topic)
		}
	}
}

// Emit notifies all subscribers of T. Callbacks run asynchronously in their own goroutines.
func Emit[T Event](evt T) {
	subscriptionsMu.RLock()
	defer subscriptionsMu.RUnlock()
	for _, cb := range subscriptions[reflect.TypeFor[T]()] {
		go cb(evt)
	}
}
