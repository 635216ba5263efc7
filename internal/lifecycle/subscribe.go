package lifecycle

import "sync"

// subscriber queues every published Status for one observer. The queue is
// unbounded so a slow reader never stalls the manager or loses a transition.
type subscriber struct {
	out  chan Status
	wake chan struct{}
	stop chan struct{}
	once sync.Once

	mu     sync.Mutex
	queue  []Status
	closed bool
}

func newSubscriber(initial Status) *subscriber {
	s := &subscriber{
		out:   make(chan Status),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		queue: []Status{initial},
	}
	go s.pump()
	return s
}

func (s *subscriber) push(st Status) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, st)
	s.mu.Unlock()
	s.notify()
}

// finish lets the pump deliver what is queued and then close out.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notify()
}

// cancel stops delivery immediately.
func (s *subscriber) cancel() {
	s.once.Do(func() { close(s.stop) })
}

func (s *subscriber) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.stop:
			return
		}
	}
}
