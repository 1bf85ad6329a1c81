// Package audio provides the audio formats, decoders and output sinks used by the
// playback queue.
//
// Decoders turn encoded bytes received from a speech-synthesis transport into
// interleaved signed 16-bit PCM at the output Spec. Sinks take decoded buffers and
// play them on the local machine, either directly through an audio device context
// or by handing them to an external player process.
package audio

import (
	"errors"
	"fmt"
	"strings"
)

// Defaults match the synthesis settings of the speech transport.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
)

// Limits for playback specs.
const (
	maxSampleRate   = 192000
	maxChannels     = 2
	bytesPerSample  = 2
	errFmtRateRange = "%w: sample rate must be between 1 and %d Hz, got %d"
	errFmtChanRange = "%w: channels must be between 1 and %d, got %d"
)

var (
	// ErrInvalidSpec indicates that a sample rate or channel count is out of range.
	ErrInvalidSpec = errors.New("invalid audio spec")
	// ErrUnsupportedFormat indicates that no decoder exists for the format.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Format is an encoded audio format produced by the speech transport.
type Format string

// Supported formats.
const (
	FormatPCM Format = "pcm"
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
)

// ParseFormat normalises a format name such as "MP3" or "audio/wav".
func ParseFormat(name string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.TrimPrefix(normalized, "audio/")

	switch normalized {
	case "pcm", "s16le", "l16":
		return FormatPCM, nil
	case "wav", "wave", "x-wav":
		return FormatWAV, nil
	case "mp3", "mpeg":
		return FormatMP3, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

// ContentType returns the MIME type used when the format is served over HTTP.
func (f Format) ContentType() string {
	switch f {
	case FormatPCM:
		return "audio/L16"
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

// Spec describes decoded PCM: sample rate and interleaved channel count. Samples
// are always signed 16-bit little-endian.
type Spec struct {
	SampleRate int `json:"sampleRate" toml:"sample_rate"`
	Channels   int `json:"channels"   toml:"channels"`
}

// DefaultSpec returns 16 kHz mono, the rate the speech transport synthesizes at.
func DefaultSpec() Spec {
	return Spec{SampleRate: DefaultSampleRate, Channels: DefaultChannels}
}

// Validate checks that the layout can be played back.
func (s Spec) Validate() error {
	if s.SampleRate <= 0 || s.SampleRate > maxSampleRate {
		return fmt.Errorf(errFmtRateRange, ErrInvalidSpec, maxSampleRate, s.SampleRate)
	}

	if s.Channels <= 0 || s.Channels > maxChannels {
		return fmt.Errorf(errFmtChanRange, ErrInvalidSpec, maxChannels, s.Channels)
	}

	return nil
}

// FrameSize is the number of bytes in one interleaved sample frame.
func (s Spec) FrameSize() int {
	return s.Channels * bytesPerSample
}
