// Package valuestream implements a single-producer, multi-reader fan-out
// stream: a producer pushes items through a Sender into a dense, shared log,
// and every reader (present or future) walks that log from its own position.
// Readers never pull from a source themselves; a reader at the tail waits
// for the producer's next Send. Once the producer calls Close the stream is
// sealed into a closed, serializable snapshot.
//
// This mirrors the producer-goroutine-feeding-a-buffered-channel shape used
// for batching commits upstream, generalized so that more than one consumer
// can independently walk the same sequence of produced values from its own
// position.
package valuestream

import (
	"context"
	"errors"
	"sync"
)

// ErrOpenStreamNotSerializable is returned when code attempts to snapshot a
// Stream that has not yet reached end-of-source. It is fatal to the
// serialization attempt, not to the process.
var ErrOpenStreamNotSerializable = errors.New("valuestream: open stream is not serializable")

// Sender is the producer handle returned by NewOpen. Items sent become
// visible to every reader in submission order; Close must be called exactly
// once when the source is exhausted.
type Sender[T any] struct {
	stream *Stream[T]
}

// Send appends value to the stream's log and wakes any reader waiting at the
// tail.
func (s *Sender[T]) Send(value T) {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	if s.stream.closed {
		return
	}
	s.stream.log = append(s.stream.log, value)
	s.stream.cond.Broadcast()
}

// Close seals the stream: the state transitions to Closed and any reader
// waiting at the tail is woken to observe end-of-stream.
func (s *Sender[T]) Close() {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	if s.stream.closed {
		return
	}
	s.stream.closed = true
	s.stream.cond.Broadcast()
}

// Stream is a restartable, fan-out, finite-or-infinite lazy sequence over T.
// Zero value is not usable; construct with NewClosed or NewOpen.
type Stream[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	log    []T
	closed bool
}

// NewClosed constructs a Stream that is immediately Closed over values. No
// producer is ever consulted.
func NewClosed[T any](values []T) *Stream[T] {
	s := &Stream[T]{log: values, closed: true}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// NewOpen constructs a Stream fed by the returned Sender. initial, if
// non-nil, seeds the log before any Send call (used when re-hydrating a
// partially-pulled stream).
func NewOpen[T any](initial []T) (*Sender[T], *Stream[T]) {
	s := &Stream[T]{log: initial}
	s.cond = sync.NewCond(&s.mu)
	return &Sender[T]{stream: s}, s
}

// Reader walks a Stream from position zero. Multiple independent Readers
// opened on the same Stream each track their own index but share the
// underlying log, so a reader blocks only at the tail, until the next item
// is sent — every reader that reaches an already-sent position (including a
// fresh reader starting over from zero) replays it instantly.
type Reader[T any] struct {
	stream *Stream[T]
	index  int
}

// Read returns a new Reader positioned at the start of s.
func (s *Stream[T]) Read() *Reader[T] {
	return &Reader[T]{stream: s}
}

// Next blocks until the item at the reader's current position is available,
// returning it and advancing the position, or reports ok=false once the
// stream is Closed and exhausted. It respects ctx cancellation.
func (r *Reader[T]) Next(ctx context.Context) (value T, ok bool, err error) {
	s := r.stream
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if r.index < len(s.log) {
			v := s.log[r.index]
			r.index++
			return v, true, nil
		}
		if s.closed {
			var zero T
			return zero, false, nil
		}
		if ctx.Err() != nil {
			var zero T
			return zero, false, ctx.Err()
		}
		waitWithContext(ctx, s.cond)
		if ctx.Err() != nil {
			var zero T
			return zero, false, ctx.Err()
		}
	}
}

// waitWithContext blocks on cond.Wait() but also returns promptly if ctx is
// cancelled, by spawning a one-shot waker goroutine that broadcasts when the
// context is done.
func waitWithContext(ctx context.Context, cond *sync.Cond) {
	if ctx.Done() == nil {
		cond.Wait()
		return
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-done:
		}
	}()
	cond.Wait()
	close(done)
}

// IsClosed reports whether the stream has reached end-of-source.
func (s *Stream[T]) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Snapshot returns the full produced sequence if the stream is Closed.
// Returns ErrOpenStreamNotSerializable otherwise.
func (s *Stream[T]) Snapshot() ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil, ErrOpenStreamNotSerializable
	}
	out := make([]T, len(s.log))
	copy(out, s.log)
	return out, nil
}

// Equal reports whether two streams share identity, or are both Closed with
// equal contents.
func Equal[T comparable](a, b *Stream[T]) bool {
	if a == b {
		return true
	}
	aVals, aErr := a.Snapshot()
	bVals, bErr := b.Snapshot()
	if aErr != nil || bErr != nil {
		return false
	}
	if len(aVals) != len(bVals) {
		return false
	}
	for i := range aVals {
		if aVals[i] != bVals[i] {
			return false
		}
	}
	return true
}
