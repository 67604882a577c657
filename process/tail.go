package process

import (
	"sync"
)

const defaultSubscriberBuffer = 256

// Tail fans child output lines out to a dynamic set of subscribers.
// Unlike the output log, delivery is best effort: Publish never blocks, and a subscriber
// whose buffer is full misses the line.
type Tail struct {
	m           sync.Mutex
	closed      bool
	bufSize     int
	subscribers map[chan string]struct{}
}

func NewTail() *Tail {
	return &Tail{
		bufSize:     defaultSubscriberBuffer,
		subscribers: map[chan string]struct{}{},
	}
}

// Subscribe registers a new subscriber. The returned channel is closed when the
// cancel func is called or the tail is closed.
func (t *Tail) Subscribe() (<-chan string, func()) {
	t.m.Lock()
	defer t.m.Unlock()

	ch := make(chan string, t.bufSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	t.subscribers[ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.m.Lock()
			defer t.m.Unlock()
			if _, ok := t.subscribers[ch]; ok {
				delete(t.subscribers, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish offers line to every subscriber and returns the number that missed it.
func (t *Tail) Publish(line string) int {
	t.m.Lock()
	defer t.m.Unlock()

	dropped := 0
	for ch := range t.subscribers {
		select {
		case ch <- line:
		default:
			dropped++
		}
	}
	return dropped
}

// Len returns the number of active subscribers.
func (t *Tail) Len() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.subscribers)
}

// Close closes every subscriber channel. Later subscriptions receive an already closed channel.
func (t *Tail) Close() {
	t.m.Lock()
	defer t.m.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, ch)
	}
}
