// Package playback implements a streaming audio playback queue.
//
// A Queue accepts encoded audio delivered incrementally by a speech-synthesis
// transport, decodes it in threshold-sized units and plays the decoded buffers back
// to back through an AudioSink. Each call to Start opens a new Session; a session
// can be cancelled at any point with Stop.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/core"
)

// DefaultChunkThreshold is the number of accumulated bytes that triggers a decode.
const DefaultChunkThreshold = 8 * 1024

// Failure taxonomy surfaced through Session.Wait.
var (
	// ErrTransport indicates that the audio source channel failed or timed out.
	ErrTransport = errors.New("audio transport failed")
	// ErrDecode indicates that received bytes could not be decoded.
	ErrDecode = errors.New("audio decode failed")
	// ErrOutput indicates that the audio sink rejected or aborted playback.
	ErrOutput = errors.New("audio output failed")
	// ErrStopped indicates that the session was cancelled by Stop.
	ErrStopped = errors.New("playback stopped")
)

// Construction errors.
var (
	ErrInvalidThreshold = errors.New("chunk threshold must be positive")
	ErrDecoderRequired  = errors.New("decoder cannot be nil")
	ErrSinkRequired     = errors.New("audio sink cannot be nil")
	ErrLoggerRequired   = errors.New("logger cannot be nil")
)

// Config holds the tunable parameters of a Queue.
type Config struct {
	// ChunkThreshold is the accumulation size in bytes at which buffered audio is
	// decoded and queued. Smaller values start sound sooner at the cost of more
	// decode calls.
	ChunkThreshold int
}

// Validate checks that cfg can build a Queue.
func (c Config) Validate() error {
	if c.ChunkThreshold <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidThreshold, c.ChunkThreshold)
	}

	return nil
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{ChunkThreshold: DefaultChunkThreshold}
}

// Queue owns an audio sink and a decoder and runs at most one playback session at
// a time.
type Queue struct {
	cfg     Config
	decoder core.Decoder
	sink    core.AudioSink
	log     *logger.Logger

	mu      sync.Mutex
	current *Session
}

// New creates a Queue. The sink is owned by the queue from this point on and is
// released by Close.
func New(cfg Config, decoder core.Decoder, sink core.AudioSink, log *logger.Logger) (*Queue, error) {
	cfgErr := cfg.Validate()
	if cfgErr != nil {
		return nil, cfgErr
	}

	if decoder == nil {
		return nil, ErrDecoderRequired
	}

	if sink == nil {
		return nil, ErrSinkRequired
	}

	if log == nil {
		return nil, ErrLoggerRequired
	}

	return &Queue{
		cfg:     cfg,
		decoder: decoder,
		sink:    sink,
		log:     log,
		mu:      sync.Mutex{},
		current: nil,
	}, nil
}

// Start opens a new playback session fed by stream. Any session still active on
// this queue is stopped first, so two sessions never overlap on the sink.
//
// When stream is nil the caller drives the session through OnChunk, OnComplete and
// OnError. Cancelling ctx stops the session.
func (q *Queue) Start(ctx context.Context, stream core.AudioStream) *Session {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil {
		q.current.Stop()
	}

	decoder := q.decoder
	if streamDecoder, ok := decoder.(core.StreamDecoder); ok {
		decoder = streamDecoder.NewStream()
	}

	session := newSession(ctx, q.cfg.ChunkThreshold, decoder, q.sink, q.log)
	q.current = session

	if stream != nil {
		go session.pump(stream)
	}

	return session
}

// Current returns the most recently started session, or nil.
func (q *Queue) Current() *Session {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.current
}

// Stop cancels the active session. Calling it when nothing is playing is a no-op.
func (q *Queue) Stop() {
	q.mu.Lock()
	session := q.current
	q.mu.Unlock()

	if session != nil {
		session.Stop()
	}
}

// Close stops any active session and releases the audio sink.
func (q *Queue) Close() error {
	q.Stop()

	err := q.sink.Close()
	if err != nil {
		return fmt.Errorf("failed to close audio sink: %w", err)
	}

	return nil
}
