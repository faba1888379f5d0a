package sandbox

import (
	"bytes"
	"sync"
)

// Capture is a size-capped, concurrency-safe output buffer. Writes past the
// cap are dropped and mark the capture truncated; they never fail, so the
// writer is never blocked or killed by a full buffer.
type Capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	total     int64
	truncated bool
}

// NewCapture returns a capture that retains at most limit bytes.
func NewCapture(limit int) *Capture {
	return &Capture{limit: limit}
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total += int64(len(p))
	room := c.limit - c.buf.Len()
	if room < 0 {
		room = 0
	}
	if len(p) > room {
		c.truncated = true
		c.buf.Write(p[:room])
	} else {
		c.buf.Write(p)
	}
	return len(p), nil
}

// Bytes returns a copy of the retained output.
func (c *Capture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes())
}

// Tail returns a copy of at most the last n retained bytes.
func (c *Capture) Tail(n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buf.Bytes()
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return bytes.Clone(b)
}

func (c *Capture) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// Total is the number of bytes offered, including dropped ones.
func (c *Capture) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
