package sandbox

import (
	"bytes"
	"sync"
	"testing"
)

func TestCaptureUnderLimit(t *testing.T) {
	c := NewCapture(16)
	n, err := c.Write([]byte("hello"))
	if n != 5 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if string(c.Bytes()) != "hello" || c.Truncated() {
		t.Errorf("got %q truncated=%v", c.Bytes(), c.Truncated())
	}
}

func TestCaptureTruncates(t *testing.T) {
	c := NewCapture(8)
	c.Write([]byte("12345"))
	n, err := c.Write([]byte("67890"))
	if n != 5 || err != nil {
		t.Fatalf("writes past the cap must not fail: %d, %v", n, err)
	}
	c.Write([]byte("more"))

	if got := string(c.Bytes()); got != "12345678" {
		t.Errorf("bytes = %q, want %q", got, "12345678")
	}
	if !c.Truncated() {
		t.Error("not marked truncated")
	}
	if c.Total() != 14 {
		t.Errorf("total = %d, want 14", c.Total())
	}
}

func TestCaptureExactlyAtLimit(t *testing.T) {
	c := NewCapture(4)
	c.Write([]byte("abcd"))
	if c.Truncated() {
		t.Error("filling the capture exactly is not truncation")
	}
	c.Write(nil)
	if c.Truncated() {
		t.Error("empty write marked truncated")
	}
}

func TestCaptureTail(t *testing.T) {
	c := NewCapture(64)
	c.Write([]byte("Traceback\nMemoryError\n"))
	if got := string(c.Tail(12)); got != "MemoryError\n" {
		t.Errorf("tail = %q", got)
	}
}

func TestCaptureConcurrentWriters(t *testing.T) {
	c := NewCapture(1 << 20)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Write([]byte("ab"))
			}
		}()
	}
	wg.Wait()

	got := c.Bytes()
	if len(got) != 16000 {
		t.Fatalf("len = %d, want 16000", len(got))
	}
	if bytes.Count(got, []byte("ab")) != 8000 {
		t.Error("writes were interleaved mid-chunk")
	}
}
