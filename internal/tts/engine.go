// Package tts turns digest text into narrated audio. The Engine cleans and chunks
// text, drives a speech synthesizer chunk by chunk and caches finished audio in an
// object store. The Client talks to the news-digest HTTP service.
package tts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/audio"
	"github.com/book-expert/news-digest/internal/core"
	"github.com/book-expert/news-digest/internal/tts/text"
	"github.com/dustin/go-humanize"
)

const (
	cacheKeyPrefix   = "speech/"
	replayChunkBytes = 8 << 10
)

// Static errors.
var (
	ErrTextEmpty          = errors.New("text cannot be empty")
	ErrSynthesizerMissing = errors.New("synthesizer is required")
	ErrFormatNotStreaming = errors.New("format cannot be concatenated across synthesis chunks")
)

// EngineConfig controls how text is chunked and which audio format is produced.
type EngineConfig struct {
	Format        string
	DefaultVoice  string
	MaxChunkRunes int
}

// Engine narrates text through a core.Synthesizer. Audio is cached in an optional
// core.ObjectStore keyed by voice, format and cleaned text.
type Engine struct {
	synthesizer  core.Synthesizer
	cache        core.ObjectStore
	preprocessor *text.Preprocessor
	format       audio.Format
	voice        string
	maxRunes     int
	log          *logger.Logger
}

// NewEngine validates cfg. A nil cache disables caching.
func NewEngine(
	cfg EngineConfig,
	synthesizer core.Synthesizer,
	cache core.ObjectStore,
	log *logger.Logger,
) (*Engine, error) {
	if synthesizer == nil {
		return nil, ErrSynthesizerMissing
	}

	format, err := audio.ParseFormat(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("engine format: %w", err)
	}

	// Each chunk is a separate synthesis task; WAV would repeat its header.
	if format == audio.FormatWAV {
		return nil, fmt.Errorf("%w: %s", ErrFormatNotStreaming, format)
	}

	if cfg.MaxChunkRunes <= 0 {
		cfg.MaxChunkRunes = text.DefaultMaxChunkRunes
	}

	return &Engine{
		synthesizer:  synthesizer,
		cache:        cache,
		preprocessor: text.NewPreprocessor(),
		format:       format,
		voice:        cfg.DefaultVoice,
		maxRunes:     cfg.MaxChunkRunes,
		log:          log,
	}, nil
}

// Format returns the encoded format of the audio the engine produces.
func (e *Engine) Format() audio.Format {
	return e.format
}

// CacheKey names the cached audio for a voice, format and cleaned text.
func CacheKey(voice string, format audio.Format, cleanedText string) string {
	sum := sha256.Sum256([]byte(voice + "|" + string(format) + "|" + cleanedText))

	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// Stream narrates text and returns the audio as it is produced. The first chunk's
// synthesis task is started before Stream returns, so connection failures are
// reported here rather than on the first Recv. Cached audio is replayed without
// contacting the synthesizer.
func (e *Engine) Stream(ctx context.Context, input, voice string) (core.AudioStream, error) {
	cleaned := e.preprocessor.PreprocessText(input)
	if cleaned == "" {
		return nil, ErrTextEmpty
	}

	if voice == "" {
		voice = e.voice
	}

	key := CacheKey(voice, e.format, cleaned)

	cached, hit := e.lookup(ctx, key)
	if hit {
		e.log.Info("Replaying cached narration %s (%s)", key, humanize.IBytes(uint64(len(cached))))

		return NewBytesStream(cached, replayChunkBytes), nil
	}

	chunks := text.SplitSentences(cleaned, e.maxRunes)

	stream := &chainedStream{
		engine: e,
		chunks: chunks,
		voice:  voice,
		key:    key,
	}

	openErr := stream.open(ctx)
	if openErr != nil {
		return nil, openErr
	}

	e.log.Info("Narrating %d characters in %d chunks with voice %q", len([]rune(cleaned)), len(chunks), voice)

	return stream, nil
}

// Render narrates text and returns the complete audio.
func (e *Engine) Render(ctx context.Context, input, voice string) ([]byte, error) {
	stream, err := e.Stream(ctx, input, voice)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var rendered bytes.Buffer

	for {
		chunk, recvErr := stream.Recv(ctx)
		if errors.Is(recvErr, io.EOF) {
			return rendered.Bytes(), nil
		}

		if recvErr != nil {
			return nil, recvErr
		}

		rendered.Write(chunk)
	}
}

func (e *Engine) lookup(ctx context.Context, key string) ([]byte, bool) {
	if e.cache == nil {
		return nil, false
	}

	data, err := e.cache.Download(ctx, key)
	if err != nil {
		if !errors.Is(err, core.ErrObjectNotFound) {
			e.log.Warn("Narration cache lookup for %s failed: %v", key, err)
		}

		return nil, false
	}

	return data, len(data) > 0
}

func (e *Engine) store(ctx context.Context, key string, data []byte) {
	if e.cache == nil || len(data) == 0 {
		return
	}

	err := e.cache.Upload(ctx, key, data)
	if err != nil {
		e.log.Warn("Failed to cache narration %s: %v", key, err)

		return
	}

	e.log.Info("Cached narration %s (%s)", key, humanize.IBytes(uint64(len(data))))
}

// chainedStream plays the synthesis streams of consecutive chunks as one stream.
type chainedStream struct {
	engine *Engine
	chunks []string
	voice  string
	key    string

	mu       sync.Mutex
	index    int
	current  core.AudioStream
	recorded bytes.Buffer
	closed   bool
}

func (s *chainedStream) open(ctx context.Context) error {
	stream, err := s.engine.synthesizer.Synthesize(ctx, s.chunks[s.index], s.voice)
	if err != nil {
		return fmt.Errorf("synthesizing chunk %d/%d: %w", s.index+1, len(s.chunks), err)
	}

	s.current = stream

	return nil
}

// Recv implements core.AudioStream. It is not safe for concurrent use, but Close
// may be called while a Recv is blocked.
func (s *chainedStream) Recv(ctx context.Context) ([]byte, error) {
	for {
		current, index, err := s.next(ctx)
		if err != nil {
			return nil, err
		}

		data, recvErr := current.Recv(ctx)
		if recvErr == nil {
			if s.engine.cache != nil {
				s.recorded.Write(data)
			}

			return data, nil
		}

		if !errors.Is(recvErr, io.EOF) {
			return nil, fmt.Errorf("chunk %d/%d: %w", index+1, len(s.chunks), recvErr)
		}

		if s.advance() {
			s.engine.store(ctx, s.key, s.recorded.Bytes())

			return nil, io.EOF
		}
	}
}

// next returns the synthesis stream of the current chunk, starting it if needed.
func (s *chainedStream) next(ctx context.Context) (core.AudioStream, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, s.index, io.ErrClosedPipe
	}

	if s.current == nil {
		if s.index >= len(s.chunks) {
			return nil, s.index, io.EOF
		}

		openErr := s.open(ctx)
		if openErr != nil {
			return nil, s.index, openErr
		}
	}

	return s.current, s.index, nil
}

// advance retires the finished chunk and reports whether it was the last one.
func (s *chainedStream) advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		_ = s.current.Close()
		s.current = nil
	}

	s.index++

	return s.index >= len(s.chunks)
}

// Close implements core.AudioStream.
func (s *chainedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if s.current == nil {
		return nil
	}

	err := s.current.Close()
	s.current = nil

	if err != nil {
		return fmt.Errorf("closing synthesis stream: %w", err)
	}

	return nil
}
