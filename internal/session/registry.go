package session

import (
	"log"
	"sync"
	"time"
)

type Key struct {
	UserID  string
	EventID string
}

// Factory builds the controller for a newly opened session. observer must be
// passed through to the controller Config.
type Factory func(key Key, observer Observer) (*Controller, error)

type subscriber struct {
	ch chan Event
}

type entry struct {
	controller  *Controller
	lastTouched time.Time
	subscribers map[*subscriber]struct{}
}

// Registry keeps one controller per (user, event) and fans their events out
// to subscribers.
type Registry struct {
	factory   Factory
	observers []Observer
	logger    *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	sessions map[Key]*entry
}

func NewRegistry(factory Factory, logger *log.Logger, observers ...Observer) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		factory:   factory,
		observers: observers,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[Key]*entry),
	}
}

// Open returns the session for key, creating it in NotCheckedIn if needed.
func (r *Registry) Open(key Key) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[key]; ok {
		e.lastTouched = r.now()
		return e.controller, nil
	}
	e := &entry{lastTouched: r.now(), subscribers: make(map[*subscriber]struct{})}
	controller, err := r.factory(key, func(ev Event) { r.dispatch(key, ev) })
	if err != nil {
		return nil, err
	}
	e.controller = controller
	r.sessions[key] = e
	r.logger.Printf("session opened event=%s user=%s", key.EventID, key.UserID)
	return controller, nil
}

func (r *Registry) Lookup(key Key) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[key]
	if !ok {
		return nil, false
	}
	e.lastTouched = r.now()
	return e.controller, true
}

// Discard cancels any in-flight attempt and forgets the session.
// Subscribers see the cancellation before their channel closes.
func (r *Registry) Discard(key Key) bool {
	r.mu.Lock()
	e, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.controller.Cancel()

	r.mu.Lock()
	if current, ok := r.sessions[key]; ok && current == e {
		delete(r.sessions, key)
	}
	for sub := range e.subscribers {
		delete(e.subscribers, sub)
		close(sub.ch)
	}
	r.mu.Unlock()
	r.logger.Printf("session discarded event=%s user=%s", key.EventID, key.UserID)
	return true
}

// Sweep discards sessions untouched for longer than idle that have no
// transition in flight. It returns the number discarded.
//
// Controllers are never queried while r.mu is held: an emitting controller
// holds its own lock while waiting on an observer that takes r.mu.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.now().Add(-idle)
	type candidate struct {
		key        Key
		controller *Controller
	}
	var candidates []candidate
	r.mu.Lock()
	for key, e := range r.sessions {
		if e.lastTouched.Before(cutoff) {
			candidates = append(candidates, candidate{key: key, controller: e.controller})
		}
	}
	r.mu.Unlock()

	count := 0
	for _, c := range candidates {
		if c.controller.InFlight() {
			continue
		}
		if r.Discard(c.key) {
			count++
		}
	}
	return count
}

// HasUser reports whether any open session belongs to userID.
func (r *Registry) HasUser(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.sessions {
		if key.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Subscribe streams events of the session at key. The channel is closed when
// the session is discarded, when the subscriber falls behind, or on cancel.
func (r *Registry) Subscribe(key Key, buffer int) (<-chan Event, func(), bool) {
	if buffer <= 0 {
		buffer = 16
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[key]
	if !ok {
		return nil, func() {}, false
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	e.subscribers[sub] = struct{}{}
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := e.subscribers[sub]; ok {
			delete(e.subscribers, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel, true
}

func (r *Registry) dispatch(key Key, ev Event) {
	for _, observer := range r.observers {
		observer(ev)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[key]
	if !ok {
		return
	}
	e.lastTouched = r.now()
	for sub := range e.subscribers {
		select {
		case sub.ch <- ev:
		default:
			r.logger.Printf("session subscriber too slow event=%s user=%s", key.EventID, key.UserID)
			delete(e.subscribers, sub)
			close(sub.ch)
		}
	}
}
