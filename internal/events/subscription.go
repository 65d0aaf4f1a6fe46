package events

import "sync"

// Subscription 是总线上的一个订阅者。事件按发布顺序从 C() 读出。
type Subscription struct {
	bus      *Bus
	id       int
	patterns []string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	out  chan Event
	done chan struct{}
	once sync.Once
}

func newSubscription(bus *Bus, id int, patterns []string) *Subscription {
	s := &Subscription{
		bus:      bus,
		id:       id,
		patterns: append([]string(nil), patterns...),
		out:      make(chan Event),
		done:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// C 返回事件 channel；订阅关闭后 channel 会被关闭。
func (s *Subscription) C() <-chan Event { return s.out }

// Close 取消订阅，未读事件将被丢弃。
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.unsubscribe(s.id)
	}
	s.shutdown()
}

func (s *Subscription) accepts(topic Topic) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, p := range s.patterns {
		if topic.Match(p) {
			return true
		}
	}
	return false
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// Pending 返回尚未被消费的事件数。
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
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
