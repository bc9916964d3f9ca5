package event

import "sync/atomic"

// Sink is the output boundary an engine publishes RowEvents to. It is the
// only shared object between an engine's task and the consuming goroutine
// (spec §5): the engine blocks on Emit when the channel is full, which in
// turn stalls its socket reads — the intended backpressure signal to the
// primary.
type Sink struct {
	ch        chan any // RowEvent or ErrorSentinel
	committed atomic.Value // stores Cursor
}

// NewSink creates a Sink with the given channel capacity.
func NewSink(capacity int) *Sink {
	return &Sink{ch: make(chan any, capacity)}
}

// Events returns the read side of the output channel.
func (s *Sink) Events() <-chan any { return s.ch }

// Emit publishes a RowEvent, blocking if the channel is full.
func (s *Sink) Emit(e RowEvent) { s.ch <- e }

// Fail publishes the terminal error sentinel and closes the channel. Must be
// called at most once, by the engine's owning task only.
func (s *Sink) Fail(err error) {
	if err != nil {
		s.ch <- ErrorSentinel{Err: err}
	}
	close(s.ch)
}

// Close closes the channel cleanly (no error), used on graceful shutdown.
func (s *Sink) Close() { close(s.ch) }

// Commit records the caller's durable checkpoint. Engines read this via
// Committed to decide what to report as flushed/applied in their status
// acknowledgements; it never blocks and never fails — advancing it is purely
// a client-local bookkeeping operation (spec §4.6, §9).
func (s *Sink) Commit(c Cursor) { s.committed.Store(c) }

// Committed returns the last committed cursor, or the zero Cursor if Commit
// has never been called.
func (s *Sink) Committed() (Cursor, bool) {
	v := s.committed.Load()
	if v == nil {
		return Cursor{}, false
	}
	return v.(Cursor), true
}
