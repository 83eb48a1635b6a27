package chat

import (
	"sync"

	"supportchat/logger"
)

// Callback receives a published payload: *ChatMessage for messages and
// admin-broadcast, *Alert for alerts, *stomp.Frame for error, nil for
// connect/disconnect.
type Callback func(payload interface{})

// Subscription is the handle returned by Subscribe. A handle is registered
// at most once per category; cancelling it twice is a no-op. Closures with
// identical bodies get distinct handles and stay distinct.
type Subscription struct {
	ev Event
	id uint64
}

type subscriber struct {
	id uint64
	fn Callback
}

// Registry fans inbound events out to registered callbacks. Dispatch is
// synchronous and in registration order; a callback that panics does not
// stop delivery to later callbacks.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Event][]subscriber
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[Event][]subscriber)}
}

func (r *Registry) Subscribe(ev Event, fn Callback) *Subscription {
	if fn == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.subs[ev] = append(r.subs[ev], subscriber{id: r.nextID, fn: fn})
	return &Subscription{ev: ev, id: r.nextID}
}

func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[sub.ev]
	for i, s := range list {
		if s.id == sub.id {
			r.subs[sub.ev] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every callback currently registered under ev.
// Registrations made during a dispatch are only guaranteed visible on the
// next one.
func (r *Registry) Publish(ev Event, payload interface{}) {
	r.mu.Lock()
	snapshot := r.subs[ev]
	r.mu.Unlock()

	for _, s := range snapshot {
		invoke(ev, s.fn, payload)
	}
}

func invoke(ev Event, fn Callback, payload interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("panic in %s subscriber: %v", ev, rec)
		}
	}()
	fn(payload)
}
