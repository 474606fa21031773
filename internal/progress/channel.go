// Package progress holds the ordered queue of progress lines a harvest run
// emits and a stream consumer drains.
package progress

import (
	"context"
	"sync"
	"time"
)

// Channel is a multi-producer, single-consumer FIFO of progress lines.
// Publish never blocks; Next waits on a notification channel rather than
// polling.
type Channel struct {
	mu       sync.Mutex
	lines    []string
	notify   chan struct{}
	capacity int
	dropped  int
}

// Option configures a Channel.
type Option func(*Channel)

// WithCapacity bounds the buffer. When full, the oldest line is dropped.
// A capacity of zero or less leaves the buffer unbounded.
func WithCapacity(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// New returns an empty Channel.
func New(opts ...Option) *Channel {
	c := &Channel{notify: make(chan struct{})}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish appends a line and wakes any waiting consumer.
func (c *Channel) Publish(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity > 0 && len(c.lines) >= c.capacity {
		c.lines[0] = ""
		c.lines = c.lines[1:]
		c.dropped++
	}
	c.lines = append(c.lines, line)

	close(c.notify)
	c.notify = make(chan struct{})
}

// Next returns the oldest buffered line, waiting up to timeout for one to
// arrive. ok is false when the timeout elapsed with nothing to read. err is
// non-nil only when ctx is done.
func (c *Channel) Next(ctx context.Context, timeout time.Duration) (line string, ok bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if len(c.lines) > 0 {
			line = c.lines[0]
			c.lines[0] = ""
			c.lines = c.lines[1:]
			c.mu.Unlock()
			return line, true, nil
		}
		wait := c.notify
		c.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return "", false, nil
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

// Drain removes and returns every buffered line.
func (c *Channel) Drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.lines
	c.lines = nil
	return out
}

// Reset discards every buffered line and the drop counter.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = nil
	c.dropped = 0
}

// Len reports the number of buffered lines.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

// Dropped reports how many lines were discarded because the buffer was full.
func (c *Channel) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
