package local

import (
	"context"
	"sync"

	account "github.com/petcare/go-account"
)

// hub fans session events out to subscribers. Each subscriber owns a queue
// drained by its own goroutine, so handlers see events in publish order and a
// slow handler never blocks the publisher.
type hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) subscribe(handler account.SessionHandler) *subscriber {
	s := &subscriber{
		hub:     h,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	go s.run()
	return s
}

func (h *hub) publish(event account.SessionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.push(event)
	}
}

func (h *hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *hub) close() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type subscriber struct {
	hub     *hub
	handler account.SessionHandler

	mu    sync.Mutex
	queue []account.SessionEvent

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *subscriber) push(event account.SessionEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (account.SessionEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return account.SessionEvent{}, false
	}
	event := s.queue[0]
	s.queue[0] = account.SessionEvent{}
	s.queue = s.queue[1:]
	return event, true
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			event, ok := s.next()
			if !ok {
				break
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(context.Background(), event)
		}
	}
}

// Unsubscribe stops delivery. Events still queued are dropped.
func (s *subscriber) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}
