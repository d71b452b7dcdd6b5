// internal/custody/notify.go
package custody

import "sync"

// bus fans notifications out to subscribers. publish never blocks: every
// subscriber owns an unbounded queue drained by its own goroutine.
type bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func newBus() *bus {
	return &bus{subs: make(map[*Subscription]struct{})}
}

func (b *bus) publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.push(n)
	}
}

func (b *bus) subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	s := &Subscription{
		bus:    b,
		signal: make(chan struct{}, 1),
		out:    make(chan Notification, buffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go s.run()
	return s
}

func (b *bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription receives ledger notifications in per-batch history order.
type Subscription struct {
	bus *bus

	mu     sync.Mutex
	queue  []Notification
	signal chan struct{}

	out       chan Notification
	done      chan struct{}
	closeOnce sync.Once
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan Notification {
	return s.out
}

// Close stops delivery and releases the subscription.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

func (s *Subscription) push(n Notification) {
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		n := s.queue[0]
		s.queue[0] = Notification{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- n:
		case <-s.done:
			return
		}
	}
}
