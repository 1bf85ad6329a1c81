package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/core"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Stats summarises the work a session has done so far.
type Stats struct {
	BytesReceived int
	Decoded       int
	Played        int
	Duration      time.Duration
}

// Session is one end-to-end synthesis-and-play request.
//
// Input callbacks (OnChunk, OnComplete, OnError) may be called from any goroutine
// but are expected in stream order. Decoded buffers play strictly in arrival order
// and at most one buffer is handed to the sink at a time.
type Session struct {
	id        string
	threshold int
	decoder   core.Decoder
	sink      core.AudioSink
	log       *logger.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	stopWatch  func() bool
	done       chan struct{}
	inputMutex sync.Mutex
	handoff    sync.Mutex

	mu        sync.Mutex
	acc       []byte
	pending   []*core.AudioBuffer
	current   *core.AudioBuffer
	handle    core.PlaybackHandle
	decoding  bool
	consuming bool
	inputDone bool
	stopped   bool
	finished  bool
	err       error
	stats     Stats
}

func newSession(
	parent context.Context,
	threshold int,
	decoder core.Decoder,
	sink core.AudioSink,
	log *logger.Logger,
) *Session {
	ctx, cancel := context.WithCancel(parent)

	session := &Session{
		id:        uuid.NewString(),
		threshold: threshold,
		decoder:   decoder,
		sink:      sink,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	stopWatch := context.AfterFunc(parent, session.Stop)

	session.mu.Lock()
	session.stopWatch = stopWatch
	session.mu.Unlock()

	log.Info("Playback session %s started (threshold %s)", session.id, humanize.IBytes(uint64(threshold)))

	return session
}

// ID returns the session identifier used in log lines.
func (s *Session) ID() string {
	return s.id
}

// OnChunk appends encoded bytes to the accumulation buffer. Once the buffer holds at
// least the configured threshold it is decoded and queued for playback.
func (s *Session) OnChunk(data []byte) {
	if len(data) == 0 {
		return
	}

	s.inputMutex.Lock()
	defer s.inputMutex.Unlock()

	s.mu.Lock()
	if s.finished || s.inputDone {
		s.mu.Unlock()

		return
	}

	s.acc = append(s.acc, data...)
	s.stats.BytesReceived += len(data)

	if len(s.acc) < s.threshold {
		s.mu.Unlock()

		return
	}

	encoded := s.acc
	s.acc = nil
	s.decoding = true
	s.mu.Unlock()

	s.flush(encoded)
}

// OnComplete flushes whatever is still accumulated, even below the threshold, and
// marks the input as finished. The session completes once the queue drains.
func (s *Session) OnComplete() {
	s.inputMutex.Lock()
	defer s.inputMutex.Unlock()

	s.mu.Lock()
	if s.finished || s.inputDone {
		s.mu.Unlock()

		return
	}

	s.inputDone = true

	encoded := s.acc
	s.acc = nil

	if len(encoded) > 0 {
		s.decoding = true
		s.mu.Unlock()
		s.flush(encoded)

		return
	}

	idle := !s.consuming && !s.decoding && len(s.pending) == 0
	s.mu.Unlock()

	if idle {
		s.finish(nil)
	}
}

// OnError aborts the session with a transport error.
func (s *Session) OnError(err error) {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}

	s.finish(fmt.Errorf("%w: %w", ErrTransport, err))
}

// Stop cancels the session: the sounding buffer is halted, queued buffers are
// discarded and nothing further is started. Stop is idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()

		return
	}

	s.stopped = true
	s.mu.Unlock()

	s.finish(ErrStopped)
}

// Done is closed once the session has completed, failed or been stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends and returns its outcome: nil once every buffer
// has played, ErrStopped after Stop, or an error wrapping ErrTransport, ErrDecode or
// ErrOutput.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()

		return s.err
	case <-ctx.Done():
		return fmt.Errorf("waiting for playback session %s: %w", s.id, ctx.Err())
	}
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopped:
		return StateStopped
	case s.finished:
		return StateIdle
	case s.current != nil:
		return StatePlaying
	case len(s.pending) > 0:
		return StateQueued
	case s.decoding:
		return StateDecoding
	default:
		return StateAccumulating
	}
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stats
}

// pump forwards a transport stream into the input callbacks.
func (s *Session) pump(stream core.AudioStream) {
	defer func() {
		closeErr := stream.Close()
		if closeErr != nil {
			s.log.Warn("Playback session %s: failed to close audio stream: %v", s.id, closeErr)
		}
	}()

	for {
		data, err := stream.Recv(s.ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.OnComplete()
			case s.ctx.Err() != nil:
				s.Stop()
			default:
				s.OnError(err)
			}

			return
		}

		s.OnChunk(data)
	}
}

// flush decodes one accumulation and appends the result to the playback queue.
func (s *Session) flush(encoded []byte) {
	buf, err := s.decoder.Decode(s.ctx, encoded)

	s.mu.Lock()
	s.decoding = false
	s.stats.Decoded++

	if s.finished {
		s.mu.Unlock()

		return
	}

	if err != nil {
		s.mu.Unlock()
		s.finish(fmt.Errorf("%w: %w", ErrDecode, err))

		return
	}

	if buf != nil && buf.Frames() > 0 {
		s.pending = append(s.pending, buf)
	}

	if s.consuming {
		s.mu.Unlock()

		return
	}

	s.consuming = true
	s.mu.Unlock()

	s.advance()
}

// advance hands the head of the queue to the sink, or completes the session when
// the queue is empty and no more input is coming.
func (s *Session) advance() {
	s.handoff.Lock()
	defer s.handoff.Unlock()

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()

		return
	}

	if len(s.pending) == 0 {
		s.consuming = false
		complete := s.inputDone && !s.decoding
		s.mu.Unlock()

		if complete {
			s.finish(nil)
		}

		return
	}

	buf := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.current = buf
	s.mu.Unlock()

	handle, err := s.sink.Play(buf, func(playErr error) {
		go s.played(buf, playErr)
	})
	if err != nil {
		s.finish(fmt.Errorf("%w: %w", ErrOutput, err))

		return
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		handle.Stop()

		return
	}

	if s.current == buf {
		s.handle = handle
	}
	s.mu.Unlock()
}

// played is the sink's finished notification for buf.
func (s *Session) played(buf *core.AudioBuffer, playErr error) {
	s.mu.Lock()
	if s.finished || s.current != buf {
		s.mu.Unlock()

		return
	}

	s.current = nil
	s.handle = nil
	s.stats.Played++
	s.stats.Duration += buf.Duration()
	s.mu.Unlock()

	if playErr != nil {
		s.finish(fmt.Errorf("%w: %w", ErrOutput, playErr))

		return
	}

	s.advance()
}

// finish resolves the completion signal exactly once and releases session state.
func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()

		return
	}

	s.finished = true
	s.err = err
	s.acc = nil
	s.pending = nil
	s.current = nil
	s.consuming = false
	handle := s.handle
	s.handle = nil
	stats := s.stats
	stopWatch := s.stopWatch
	s.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}

	s.cancel()

	if stopWatch != nil {
		stopWatch()
	}

	close(s.done)

	switch {
	case err == nil:
		s.log.Info("Playback session %s completed: %d buffers, %s, %s received",
			s.id, stats.Played, stats.Duration, humanize.IBytes(uint64(stats.BytesReceived)))
	case errors.Is(err, ErrStopped):
		s.log.Info("Playback session %s stopped after %d buffers", s.id, stats.Played)
	default:
		s.log.Error("Playback session %s failed: %v", s.id, err)
	}
}
