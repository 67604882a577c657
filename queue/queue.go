package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrConsumerGone is returned by Enqueue once the consumer has permanently stopped dequeuing.
	ErrConsumerGone = errors.New("command queue consumer is gone")
	// ErrProducerClosed is returned by Dequeue once the producer side is closed and nothing is left to dequeue.
	ErrProducerClosed = errors.New("command queue producer is closed")
)

// Command is one unit of text forwarded verbatim to the child process.
// No delimiter is appended, so callers must include any terminator the child expects.
type Command string

// Queue is an unbounded multi-producer/single-consumer FIFO of commands.
// Enqueue never blocks. Dequeue blocks until a command is available.
type Queue struct {
	m          sync.Mutex
	items      []Command
	sendClosed bool
	recvClosed bool

	// notify has capacity 1 and is signaled whenever the queue state changes,
	// so a blocked Dequeue can recheck it.
	notify chan struct{}
}

func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends cmd to the tail of the queue.
func (q *Queue) Enqueue(cmd Command) error {
	q.m.Lock()
	defer q.m.Unlock()
	if q.recvClosed {
		return ErrConsumerGone
	}
	if q.sendClosed {
		return ErrProducerClosed
	}
	q.items = append(q.items, cmd)
	q.signal()
	return nil
}

// Dequeue removes and returns the head of the queue, blocking until one is available.
// Commands still queued when the producer side is closed are returned before ErrProducerClosed.
func (q *Queue) Dequeue(ctx context.Context) (Command, error) {
	for {
		q.m.Lock()
		if len(q.items) > 0 {
			cmd := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			if len(q.items) > 0 {
				// leave a wakeup for the next call
				q.signal()
			}
			q.m.Unlock()
			return cmd, nil
		}
		if q.sendClosed {
			q.m.Unlock()
			return "", ErrProducerClosed
		}
		q.m.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.notify:
		}
	}
}

// CloseSend permanently closes the producer side. Subsequent enqueues fail.
func (q *Queue) CloseSend() {
	q.m.Lock()
	defer q.m.Unlock()
	q.sendClosed = true
	q.signal()
}

// CloseRecv marks the consumer as permanently gone and drops anything still queued.
func (q *Queue) CloseRecv() {
	q.m.Lock()
	defer q.m.Unlock()
	q.recvClosed = true
	q.items = nil
}

// Len returns the number of commands waiting to be dequeued.
func (q *Queue) Len() int {
	q.m.Lock()
	defer q.m.Unlock()
	return len(q.items)
}
