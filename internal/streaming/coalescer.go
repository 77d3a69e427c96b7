// Package streaming assembles the agent's high-frequency text updates into
// a small number of platform messages: coalescers batch updates, the split
// tracker decides message boundaries under platform length caps.
package streaming

import (
	"strings"
	"sync"
	"time"
)

// Coalescer accumulates streamed text for one response block.
type Coalescer interface {
	// Push appends streamed text. An empty string marks a block boundary:
	// streaming coalescers flush the pending snapshot on it, buffered
	// coalescers ignore it. It is never content.
	Push(text string)

	// Complete flushes and finalizes. Callbacks fire at most once more.
	Complete()

	// Abort discards the stream; no further callbacks fire.
	Abort()
}

// BufferedCoalescer accumulates everything and delivers the full text once
// on Complete. Used for platforms without incremental message edits.
type BufferedCoalescer struct {
	mu         sync.Mutex
	buf        strings.Builder
	done       bool
	onComplete func(fullText string)
}

// NewBufferedCoalescer creates a coalescer that calls onComplete exactly
// once with the accumulated text.
func NewBufferedCoalescer(onComplete func(fullText string)) *BufferedCoalescer {
	return &BufferedCoalescer{onComplete: onComplete}
}

// Push appends text to the buffer.
func (c *BufferedCoalescer) Push(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.buf.WriteString(text)
}

// Complete delivers the accumulated text.
func (c *BufferedCoalescer) Complete() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	full := c.buf.String()
	onComplete := c.onComplete
	c.mu.Unlock()

	if onComplete != nil {
		onComplete(full)
	}
}

// Abort discards the buffer.
func (c *BufferedCoalescer) Abort() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}

// StreamCoalescer flushes snapshots of the accumulated text either when at
// least minChars arrived since the last flush or when the stream has been
// idle for idleDelay. Each onChunk snapshot is authoritative: the platform
// side edits the current message to equal it.
type StreamCoalescer struct {
	mu           sync.Mutex
	buf          strings.Builder
	lastFlushLen int
	done         bool

	minChars  int
	idleDelay time.Duration
	timer     *time.Timer

	// deliverMu serializes snapshot computation and delivery, so a timer
	// flush can never hand an older snapshot over after a newer one.
	deliverMu sync.Mutex

	onChunk    func(snapshot string)
	onComplete func(fullText string)
}

// NewStreamCoalescer creates a streaming coalescer. minChars and idleDelay
// of zero fall back to 1500 chars and 1 second.
func NewStreamCoalescer(minChars int, idleDelay time.Duration, onChunk func(string), onComplete func(string)) *StreamCoalescer {
	if minChars <= 0 {
		minChars = 1500
	}
	if idleDelay <= 0 {
		idleDelay = time.Second
	}
	return &StreamCoalescer{
		minChars:   minChars,
		idleDelay:  idleDelay,
		onChunk:    onChunk,
		onComplete: onComplete,
	}
}

// Push appends text and flushes if the size trigger is met; otherwise the
// idle timer is re-armed. An empty push is a block boundary and flushes
// whatever is pending.
func (c *StreamCoalescer) Push(text string) {
	if text == "" {
		c.deliver()
		return
	}

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.buf.WriteString(text)

	flush := c.buf.Len()-c.lastFlushLen >= c.minChars
	if !flush {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timer = time.AfterFunc(c.idleDelay, c.deliver)
	}
	c.mu.Unlock()

	if flush {
		c.deliver()
	}
}

// deliver emits one snapshot when undelivered text remains. deliverMu is
// held across the cut and the callback so concurrent size and idle flushes
// hand snapshots over in order.
func (c *StreamCoalescer) deliver() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.done || c.buf.Len() == c.lastFlushLen {
		c.mu.Unlock()
		return
	}
	snapshot := c.flushLocked()
	c.mu.Unlock()

	c.onChunk(snapshot)
}

// flushLocked marks the current buffer as delivered and returns it.
func (c *StreamCoalescer) flushLocked() string {
	c.lastFlushLen = c.buf.Len()
	return c.buf.String()
}

// Complete emits a final snapshot if undelivered text remains, then the
// completion callback.
func (c *StreamCoalescer) Complete() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	if c.timer != nil {
		c.timer.Stop()
	}
	dirty := c.buf.Len() > c.lastFlushLen
	full := c.buf.String()
	c.mu.Unlock()

	if dirty && c.onChunk != nil {
		c.onChunk(full)
	}
	if c.onComplete != nil {
		c.onComplete(full)
	}
}

// Abort stops all further callbacks.
func (c *StreamCoalescer) Abort() {
	c.mu.Lock()
	c.done = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
}
