package orchestrator

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Inbox is a typed message channel with a bounded send. Workers deliver
// spec results through it; a full inbox is reported instead of blocking
// the pool forever.
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger

	sent     atomic.Int64
	received atomic.Int64
	timeouts atomic.Int64
}

// NewInbox creates an inbox with the given buffer size and send timeout.
func NewInbox[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Send delivers a message, waiting up to the send timeout. Returns
// false when the inbox stayed full.
func (ib *Inbox[T]) Send(msg T) bool {
	select {
	case ib.ch <- msg:
		ib.sent.Add(1)
		return true
	case <-time.After(ib.timeout):
		ib.timeouts.Add(1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	}
}

// Receive blocks until a message is available.
func (ib *Inbox[T]) Receive() T {
	msg := <-ib.ch
	ib.received.Add(1)
	return msg
}

// Len returns the current number of queued messages.
func (ib *Inbox[T]) Len() int { return len(ib.ch) }

// Timeouts returns how many sends gave up.
func (ib *Inbox[T]) Timeouts() int64 { return ib.timeouts.Load() }

// Close closes the inbox channel.
func (ib *Inbox[T]) Close() { close(ib.ch) }
