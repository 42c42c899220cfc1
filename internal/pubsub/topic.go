// Package pubsub provides in-process broadcast topics.
//
// Every subscriber owns an unbounded FIFO queue, so a slow consumer never
// blocks the publisher or its sibling subscribers, and each subscriber sees
// events in publication order. A subscriber attached before a Publish call
// receives that event; past events are never replayed.
package pubsub

import (
	"container/list"
	"sync"
)

// Topic is a broadcast stream of values of type T.
type Topic[T any] struct {
	name string

	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

// NewTopic creates an empty topic.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{
		name: name,
		subs: make(map[uint64]*Subscription[T]),
	}
}

// Name returns the topic name used in logs and metrics.
func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe attaches a new subscriber. On a closed topic the returned
// subscription is already drained and its channel closed.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		topic:  t,
		queue:  list.New(),
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		s.closing = true
		go s.pump()
		return s
	}
	t.nextID++
	s.id = t.nextID
	t.subs[s.id] = s
	t.mu.Unlock()

	go s.pump()
	return s
}

// Publish enqueues v for every current subscriber and returns how many
// subscribers it was delivered to. Publishing on a closed topic is a no-op.
func (t *Topic[T]) Publish(v T) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0
	}
	for _, s := range t.subs {
		s.enqueue(v)
	}
	return len(t.subs)
}

// SubscriberCount returns the number of attached subscribers.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Close detaches all subscribers. Already queued values are still delivered
// before each subscriber channel closes.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[uint64]*Subscription[T])
	t.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

// Subscription is one consumer of a Topic.
type Subscription[T any] struct {
	topic *Topic[T]
	id    uint64

	mu      sync.Mutex
	queue   *list.List
	closing bool

	notify chan struct{}
	out    chan T
	done   chan struct{}
	once   sync.Once
}

// C returns the delivery channel. It is closed after Cancel, or after the
// topic is closed and the backlog has been delivered.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Cancel releases the subscription. Undelivered values are discarded.
// Safe to call more than once.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		if s.topic != nil && s.id != 0 {
			s.topic.remove(s.id)
		}
		close(s.done)
	})
}

// Pending returns the number of queued, undelivered values.
func (s *Subscription[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Subscription[T]) enqueue(v T) {
	s.mu.Lock()
	s.queue.PushBack(v)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		front := s.queue.Front()
		if front == nil {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		s.queue.Remove(front)
		s.mu.Unlock()

		select {
		case s.out <- front.Value.(T):
		case <-s.done:
			return
		}
	}
}
