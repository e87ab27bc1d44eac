package channels

import (
	"strings"
	"sync"
	"time"
)

const (
	batchFlushDelay = 400 * time.Millisecond
	batchMaxLen     = 1500
)

// Batcher coalesces streamed text deltas into chat-sized messages. Text is
// flushed at sentence boundaries, when the buffer grows past batchMaxLen, or
// after a quiet period, whichever comes first.
type Batcher struct {
	mu      sync.Mutex
	buf     strings.Builder
	timer   *time.Timer
	flushFn func(text string)
	closed  bool
}

func NewBatcher(flush func(text string)) *Batcher {
	return &Batcher{flushFn: flush}
}

// Write adds a delta to the buffer, flushing when a boundary is reached.
func (b *Batcher) Write(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.buf.WriteString(delta)

	if b.buf.Len() >= batchMaxLen || endsSentence(b.buf.String()) {
		b.flushLocked()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(batchFlushDelay, b.timerFlush)
	} else {
		b.timer.Reset(batchFlushDelay)
	}
}

// Flush forces out any buffered text.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Close flushes and stops the batcher; further writes are dropped.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
	b.closed = true
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.flushLocked()
	}
}

// flushLocked emits the buffer. Caller holds mu.
func (b *Batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	text := b.buf.String()
	b.buf.Reset()
	if strings.TrimSpace(text) == "" {
		return
	}
	b.flushFn(text)
}

// endsSentence reports whether the buffer ends on a natural break.
func endsSentence(s string) bool {
	trimmed := strings.TrimRight(s, " ")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}
