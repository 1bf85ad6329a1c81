package audio

import (
	"context"
	"errors"
	"io"

	"github.com/book-expert/news-digest/internal/core"
)

// frameAlignedStream regroups an arbitrary byte stream so every chunk ends on a PCM
// frame boundary. A trailing partial frame is held back until the next chunk or,
// at end of stream, returned as is.
type frameAlignedStream struct {
	source    core.AudioStream
	frameSize int
	carry     []byte
	eof       bool
}

// AlignStream wraps source so that each Recv returns whole frames of frameSize
// bytes. HTTP bodies split audio at arbitrary offsets; raw PCM has to be cut on
// sample boundaries before it can be decoded chunk by chunk.
func AlignStream(source core.AudioStream, frameSize int) core.AudioStream {
	if frameSize <= 1 {
		return source
	}

	return &frameAlignedStream{source: source, frameSize: frameSize}
}

func (s *frameAlignedStream) Recv(ctx context.Context) ([]byte, error) {
	for {
		if s.eof {
			if len(s.carry) == 0 {
				return nil, io.EOF
			}

			rest := s.carry
			s.carry = nil

			return rest, nil
		}

		data, err := s.source.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.eof = true

				continue
			}

			return nil, err
		}

		joined := append(s.carry, data...)
		usable := len(joined) - len(joined)%s.frameSize

		if usable == 0 {
			s.carry = joined

			continue
		}

		s.carry = append([]byte(nil), joined[usable:]...)

		return joined[:usable], nil
	}
}

func (s *frameAlignedStream) Close() error {
	return s.source.Close()
}
