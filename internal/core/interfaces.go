// Package core defines the core business types and interfaces for the news-digest service.
package core

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned by an ObjectStore when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// AudioStream delivers encoded audio incrementally from a speech-synthesis transport.
// Recv blocks until the next chunk is available and returns io.EOF once the
// transport has reported completion. Ownership of each returned slice passes to the
// caller.
type AudioStream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Synthesizer turns text into a stream of encoded audio chunks.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (AudioStream, error)
}

// AudioBuffer is a decoded, playable unit of audio.
//
// PCM holds interleaved signed 16-bit little-endian samples at SampleRate with
// Channels channels. Encoded keeps the bytes the buffer was decoded from so that
// sinks which play encoded media directly can use them.
type AudioBuffer struct {
	PCM        []byte
	Encoded    []byte
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames in the buffer.
func (b *AudioBuffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}

	return len(b.PCM) / (b.Channels * 2)
}

// Duration returns the playback length of the buffer.
func (b *AudioBuffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}

	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Decoder converts accumulated encoded bytes into a playable buffer.
type Decoder interface {
	Decode(ctx context.Context, encoded []byte) (*AudioBuffer, error)
}

// StreamDecoder is a Decoder that carries state from one cut of a stream to the
// next. NewStream returns a decoder with fresh state for a single stream.
type StreamDecoder interface {
	Decoder
	NewStream() Decoder
}

// PlaybackHandle controls a single buffer that an AudioSink has started.
type PlaybackHandle interface {
	// Stop halts the buffer as soon as the platform allows. It is safe to call
	// more than once and after the buffer has finished.
	Stop()
}

// AudioSink is the audio output device. Play starts buf and arranges for done to be
// called exactly once when the buffer finishes, fails or is stopped.
type AudioSink interface {
	Play(buf *AudioBuffer, done func(error)) (PlaybackHandle, error)
	Close() error
}
