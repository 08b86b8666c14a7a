// Package streambuf batches small incremental text deltas.
//
// Content is flushed either when the pending size passes MaxSize (synchronously, inside
// Add) or once Delay has elapsed since the first unflushed character.
package streambuf

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultDelay   = 50 * time.Millisecond
	DefaultMaxSize = 1024
)

// Config controls flush timing
type Config struct {
	Delay   time.Duration
	MaxSize int
}

// FlushFunc receives flushed content
type FlushFunc func(text string)

// Buffer accumulates text and flushes it in batches
type Buffer struct {
	cfg Config

	mu         sync.Mutex
	pending    strings.Builder
	timer      *time.Timer
	generation uint64
	onFlush    FlushFunc
	disposed   bool
}

// New creates a buffer, filling zero config values with defaults
func New(cfg Config) *Buffer {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	return &Buffer{cfg: cfg}
}

// Add appends text. A pending timer is not reset by later adds.
func (b *Buffer) Add(text string, onFlush FlushFunc) {
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return
	}

	b.pending.WriteString(text)
	b.onFlush = onFlush

	if b.pending.Len() > b.cfg.MaxSize {
		b.flushLocked(onFlush)
		return
	}

	if b.timer == nil {
		gen := b.generation
		b.timer = time.AfterFunc(b.cfg.Delay, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			// A synchronous flush may have happened while this callback waited for the lock.
			if b.disposed || b.generation != gen {
				return
			}
			b.flushLocked(b.onFlush)
		})
	}
}

// Flush emits any pending content immediately
func (b *Buffer) Flush(onFlush FlushFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return
	}
	b.flushLocked(onFlush)
}

// Pending returns the number of unflushed bytes
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len()
}

// Dispose stops the timer and drops unflushed content without emitting it
func (b *Buffer) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopTimerLocked()
	b.pending.Reset()
	b.onFlush = nil
	b.disposed = true
}

func (b *Buffer) flushLocked(onFlush FlushFunc) {
	b.stopTimerLocked()

	if b.pending.Len() == 0 {
		return
	}
	text := b.pending.String()
	b.pending.Reset()

	if onFlush != nil {
		onFlush(text)
	}
}

func (b *Buffer) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.generation++
}
