package lifecycle

import "sync"

// Filter selects which events a subscription receives. A nil Filter receives all.
type Filter func(Event) bool

// ForRequest matches events of a single transaction.
func ForRequest(requestID string) Filter {
	return func(ev Event) bool { return ev.Snapshot.RequestID == requestID }
}

// ForDraft selects events for the transaction submitted under draftID, so a
// caller can subscribe before the request id exists.
func ForDraft(draftID string) Filter {
	return func(ev Event) bool { return ev.Snapshot.DraftID == draftID }
}

// TransitionsOnly drops pending heartbeats.
func TransitionsOnly(ev Event) bool {
	return ev.Kind == EventTransition
}

// Subscription delivers events in publish order. Its queue is unbounded so a
// slow reader never drops a transition or stalls the manager.
type Subscription struct {
	id     uint64
	filter Filter
	remove func(uint64)

	mu       sync.Mutex
	queue    []Event
	closed   bool
	draining bool
	notify   chan struct{}
	done     chan struct{}
	out      chan Event
	once     sync.Once
}

func newSubscription(id uint64, filter Filter, remove func(uint64)) *Subscription {
	s := &Subscription{
		id:     id,
		filter: filter,
		remove: remove,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
	go s.pump()
	return s
}

// Events is closed after Close, or when the manager shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		if s.remove != nil {
			s.remove(s.id)
		}
	})
}

// finish stops intake and lets the reader drain what is already queued.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.draining = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) deliver(ev Event) {
	if s.filter != nil && !s.filter(ev) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
