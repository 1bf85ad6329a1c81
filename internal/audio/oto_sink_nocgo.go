//go:build nocgo

package audio

import (
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/core"
)

// OtoSink is unavailable in nocgo builds.
type OtoSink struct{}

// NewOtoSink always fails in nocgo builds so SelectSink falls through to an
// external player.
func NewOtoSink(_ Spec, _ *logger.Logger) (*OtoSink, error) {
	return nil, fmt.Errorf("%w: device output not available in nocgo build", ErrNoAudioOutput)
}

// Play implements core.AudioSink.
func (s *OtoSink) Play(_ *core.AudioBuffer, _ func(error)) (core.PlaybackHandle, error) {
	return nil, ErrNoAudioOutput
}

// Close implements core.AudioSink.
func (s *OtoSink) Close() error {
	return nil
}
