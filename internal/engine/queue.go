package engine

import (
	"context"
	"sync"

	"github.com/Replicant-Partners/Chrysalis/internal/gossip"
)

// commandType distinguishes between queued command kinds.
type commandType int

const (
	// commandCall runs a closure on the loop.
	commandCall commandType = iota + 1
	// commandSendResults applies the outcome of a dispatched batch.
	commandSendResults
)

// sendResult is the outcome of one outbound message.
type sendResult struct {
	gossip.Outbound
	Err error
}

// command is one unit of work for the Run loop.
type command struct {
	Type    commandType
	Call    func(ctx context.Context)
	Results []sendResult
}

// commandQueue is a thread-safe FIFO queue of commands.
//
// The queue is unbounded so API callers and send goroutines never block
// on the loop. The signal channel enables context-aware waiting in Run.
type commandQueue struct {
	mu       sync.Mutex
	commands []command
	closed   bool
	signal   chan struct{} // Signals availability (buffered, size 1)
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		commands: make([]command, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a command to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *commandQueue) Enqueue(c command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.commands = append(q.commands, c)

	// Non-blocking: a buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes and returns the front command without blocking.
func (q *commandQueue) TryDequeue() (command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.commands) == 0 {
		return command{}, false
	}
	c := q.commands[0]

	// Clear the slot so the closure and results can be collected.
	q.commands[0] = command{}
	if len(q.commands) == 1 {
		q.commands = q.commands[:0]
	} else {
		q.commands = q.commands[1:]
	}
	return c, true
}

// Wait returns a channel that signals when commands may be available.
// The channel is closed once the queue is closed.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands)
}

// Drained reports whether the queue is closed and empty.
func (q *commandQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.commands) == 0
}

// Close signals that no more commands will be enqueued and wakes any
// waiter by closing the signal channel.
func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// tracker counts dispatched batches whose results are not yet queued.
type tracker struct {
	mu      sync.Mutex
	n       int
	waiters []chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		for _, w := range t.waiters {
			close(w)
		}
		t.waiters = nil
	}
}

// wait blocks until no batch is in flight or ctx is done.
func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
