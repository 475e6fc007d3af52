package lifecycle

import (
	"sync"

	"afterglow/internal/job"
)

// Hub fans lifecycle events out to subscribers. Publish never blocks: each
// subscription buffers without bound, so a slow reader delays only itself and
// never loses an event.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscription that receives every later event accepted
// by filter. A nil filter accepts everything. Subscribing to a closed hub
// returns a subscription whose channel is already closed.
func (h *Hub) Subscribe(filter func(job.Event) bool) *Subscription {
	s := &Subscription{
		hub:    h,
		filter: filter,
		signal: make(chan struct{}, 1),
		out:    make(chan job.Event),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.out)
		return s
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	h.mu.Unlock()

	go s.pump()
	return s
}

// Publish delivers e to every matching subscription. Each subscriber gets its
// own copy.
func (h *Hub) Publish(e job.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		if s.filter == nil || s.filter(e) {
			s.push(e.Clone())
		}
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close stops accepting events. Subscriptions drain what they already hold and
// then close their channels.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscription is one reader's view of the hub.
type Subscription struct {
	hub    *Hub
	id     uint64
	filter func(job.Event) bool

	mu       sync.Mutex
	queue    []job.Event
	draining bool

	signal    chan struct{}
	out       chan job.Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events returns the channel of delivered events. It is closed after Close, or
// after the hub closes and pending events are read.
func (s *Subscription) Events() <-chan job.Event {
	return s.out
}

// Close unsubscribes and discards undelivered events.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.id != 0 {
			s.hub.remove(s.id)
		}
		close(s.done)
	})
}

func (s *Subscription) push(e job.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.draining {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.signal:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		e := s.queue[0]
		s.queue[0] = job.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
