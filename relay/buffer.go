// Package relay fans one producer's byte chunks out to any number of listeners
// through a bounded shared log.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kmsepr/YtPlaylist/metrics"
)

const (
	// DefaultCapacity is the number of chunks the log retains.
	DefaultCapacity = 64
	// DefaultSlowClientTimeout is how long one listener may keep the log full before it is evicted.
	DefaultSlowClientTimeout = 10 * time.Second
)

var (
	// ErrClosed is returned once the buffer has been closed and drained.
	ErrClosed = errors.New("relay buffer closed")
	// ErrEvicted is returned to a subscription that fell too far behind.
	ErrEvicted = errors.New("subscription evicted: listener too slow")
)

// Policy decides what Push does when the log is full.
type Policy string

const (
	// PolicyBlock makes the producer wait for the slowest listener.
	PolicyBlock Policy = "block"
	// PolicyDropOldest discards the oldest chunk; lagging listeners skip ahead.
	PolicyDropOldest Policy = "drop-oldest"
)

// ParsePolicy accepts "block" and "drop-oldest". Empty means block.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyBlock:
		return PolicyBlock, nil
	case PolicyDropOldest, "drop_oldest", "drop":
		return PolicyDropOldest, nil
	default:
		return "", fmt.Errorf("unknown queue policy %q", s)
	}
}

// Options configures a Buffer.
type Options struct {
	// Name labels the buffer's metrics, usually the playlist name.
	Name              string
	Capacity          int
	Policy            Policy
	SlowClientTimeout time.Duration
	Logger            *slog.Logger
}

// Buffer is a bounded log of chunks. Each subscription reads it through its own
// cursor, so every listener receives the full stream.
type Buffer struct {
	name        string
	capacity    int
	policy      Policy
	slowTimeout time.Duration
	logger      *slog.Logger

	mutex   sync.Mutex
	chunks  [][]byte
	head    uint64 // sequence number of chunks[0]
	subs    map[string]*Subscription
	changed chan struct{}
	closed  bool
}

// New creates an empty buffer.
func New(opts Options) *Buffer {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Policy == "" {
		opts.Policy = PolicyBlock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Buffer{
		name:        opts.Name,
		capacity:    opts.Capacity,
		policy:      opts.Policy,
		slowTimeout: opts.SlowClientTimeout,
		logger:      opts.Logger,
		chunks:      make([][]byte, 0, opts.Capacity),
		subs:        make(map[string]*Subscription),
		changed:     make(chan struct{}),
	}
}

// Push appends a copy of chunk. Under PolicyBlock it waits while the log is full;
// it returns ctx.Err() if ctx ends first and ErrClosed after Close.
func (b *Buffer) Push(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	// Callers reuse their read buffer, so keep a private copy.
	data := append([]byte(nil), chunk...)

	var fullSince time.Time
	b.mutex.Lock()
	for {
		if b.closed {
			b.mutex.Unlock()
			return ErrClosed
		}
		// Room left: append and wake every waiting listener.
		if len(b.chunks) < b.capacity {
			b.chunks = append(b.chunks, data)
			b.broadcastLocked()
			metrics.QueueDepth.WithLabelValues(b.name).Set(float64(len(b.chunks)))
			b.mutex.Unlock()
			return nil
		}
		// Full under PolicyDropOldest: listeners behind the head lose a chunk.
		if b.policy == PolicyDropOldest {
			b.discardLocked(1)
			continue
		}

		// Full under PolicyBlock. Listeners holding the oldest chunk for too long are evicted.
		var timeout <-chan time.Time
		var timer *time.Timer
		if len(b.subs) > 0 && b.slowTimeout > 0 {
			if fullSince.IsZero() {
				fullSince = time.Now()
			}
			remaining := b.slowTimeout - time.Since(fullSince)
			// The slow timeout ran out while still full: drop whoever pins the head.
			if remaining <= 0 {
				b.evictLaggingLocked()
				fullSince = time.Time{}
				continue
			}
			timer = time.NewTimer(remaining)
			timeout = timer.C
		} else {
			// No listeners to blame, so wait without a deadline.
			fullSince = time.Time{}
		}

		// Sleep until a listener advances or the eviction deadline passes.
		wait := b.changed
		b.mutex.Unlock()

		var ctxErr error
		select {
		case <-ctx.Done():
			ctxErr = ctx.Err()
		case <-wait:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctxErr != nil {
			return ctxErr
		}

		b.mutex.Lock()
		// Progress resets the eviction clock.
		if len(b.chunks) < b.capacity {
			fullSince = time.Time{}
		}
	}
}

// Subscribe registers a listener starting at the oldest retained chunk.
func (b *Buffer) Subscribe() (*Subscription, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{
		ID:     uuid.NewString(),
		buffer: b,
		next:   b.head,
	}
	b.subs[sub.ID] = sub
	metrics.Listeners.WithLabelValues(b.name).Set(float64(len(b.subs)))
	return sub, nil
}

// Close wakes the producer and every listener. Listeners drain what is left, then get ErrClosed.
func (b *Buffer) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.broadcastLocked()
}

// Len is the number of retained chunks. It never exceeds Cap.
func (b *Buffer) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.chunks)
}

// Cap is the maximum number of retained chunks.
func (b *Buffer) Cap() int {
	return b.capacity
}

// Policy returns the backpressure policy.
func (b *Buffer) Policy() Policy {
	return b.policy
}

// Subscribers is the number of attached listeners.
func (b *Buffer) Subscribers() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.subs)
}

// broadcastLocked wakes everybody waiting for a state change.
func (b *Buffer) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Buffer) discardLocked(n int) {
	if n <= 0 {
		return
	}
	for i := 0; i < n; i++ {
		b.chunks[i] = nil
	}
	b.chunks = b.chunks[n:]
	b.head += uint64(n)
	metrics.QueueDepth.WithLabelValues(b.name).Set(float64(len(b.chunks)))
	b.broadcastLocked()
}

// trimLocked drops chunks every listener has already read.
func (b *Buffer) trimLocked() {
	if len(b.subs) == 0 {
		return
	}
	lowest := b.head + uint64(len(b.chunks))
	for _, sub := range b.subs {
		if sub.next < lowest {
			lowest = sub.next
		}
	}
	if lowest > b.head {
		b.discardLocked(int(lowest - b.head))
	}
}

func (b *Buffer) evictLaggingLocked() {
	for id, sub := range b.subs {
		if sub.next > b.head {
			continue
		}
		sub.evicted = true
		delete(b.subs, id)
		metrics.Evictions.WithLabelValues(b.name).Inc()
		b.logger.Warn("Evicting slow listener",
			slog.String("listener_id", id),
			slog.Duration("timeout", b.slowTimeout))
	}
	metrics.Listeners.WithLabelValues(b.name).Set(float64(len(b.subs)))
	b.trimLocked()
	b.broadcastLocked()
}

// Subscription is one listener's cursor into a Buffer.
type Subscription struct {
	ID string

	buffer   *Buffer
	next     uint64
	skipped  uint64
	evicted  bool
	detached bool
}

// Next returns the next chunk, waiting for the producer if needed. The returned
// slice is shared with other listeners and must not be modified.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	b := s.buffer
	b.mutex.Lock()
	for {
		if s.evicted {
			b.mutex.Unlock()
			return nil, ErrEvicted
		}
		if s.detached {
			b.mutex.Unlock()
			return nil, ErrClosed
		}
		if s.next < b.head {
			s.skipped += b.head - s.next
			s.next = b.head
		}
		if idx := s.next - b.head; idx < uint64(len(b.chunks)) {
			chunk := b.chunks[idx]
			s.next++
			b.trimLocked()
			b.mutex.Unlock()
			return chunk, nil
		}
		if b.closed {
			b.mutex.Unlock()
			return nil, ErrClosed
		}

		wait := b.changed
		b.mutex.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
		b.mutex.Lock()
	}
}

// Skipped is the number of chunks this listener lost to PolicyDropOldest.
func (s *Subscription) Skipped() uint64 {
	s.buffer.mutex.Lock()
	defer s.buffer.mutex.Unlock()

	return s.skipped
}

// Close detaches the listener so it no longer holds chunks in the log.
func (s *Subscription) Close() {
	b := s.buffer
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if s.detached {
		return
	}
	s.detached = true
	if _, ok := b.subs[s.ID]; ok {
		delete(b.subs, s.ID)
		metrics.Listeners.WithLabelValues(b.name).Set(float64(len(b.subs)))
		b.trimLocked()
		b.broadcastLocked()
	}
}
