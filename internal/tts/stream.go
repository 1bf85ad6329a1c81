package tts

import (
	"context"
	"io"
	"sync"

	"github.com/book-expert/news-digest/internal/core"
)

// bytesStream replays a byte slice as a core.AudioStream in fixed-size chunks.
type bytesStream struct {
	mu        sync.Mutex
	data      []byte
	chunkSize int
	closed    bool
}

// NewBytesStream returns a stream over data that yields at most chunkSize bytes
// per Recv.
func NewBytesStream(data []byte, chunkSize int) core.AudioStream {
	if chunkSize <= 0 {
		chunkSize = replayChunkBytes
	}

	return &bytesStream{data: data, chunkSize: chunkSize}
}

func (s *bytesStream) Recv(ctx context.Context) ([]byte, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return nil, ctxErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.ErrClosedPipe
	}

	if len(s.data) == 0 {
		return nil, io.EOF
	}

	size := min(s.chunkSize, len(s.data))
	chunk := make([]byte, size)
	copy(chunk, s.data[:size])
	s.data = s.data[size:]

	return chunk, nil
}

func (s *bytesStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = nil

	return nil
}

// bodyStream adapts a streaming HTTP response body to core.AudioStream.
type bodyStream struct {
	body   io.ReadCloser
	buffer []byte
}

func newBodyStream(body io.ReadCloser, bufferSize int) *bodyStream {
	return &bodyStream{body: body, buffer: make([]byte, bufferSize)}
}

// Recv returns whatever the body has ready, up to the buffer size. Cancelling
// ctx closes the body, which ends a blocked read and the stream with it.
func (s *bodyStream) Recv(ctx context.Context) ([]byte, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return nil, ctxErr
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.body.Close()
	})
	defer stop()

	for {
		n, err := s.body.Read(s.buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, s.buffer[:n])

			return chunk, nil
		}

		if err != nil {
			ctxErr = ctx.Err()
			if ctxErr != nil {
				return nil, ctxErr
			}

			return nil, err
		}
	}
}

func (s *bodyStream) Close() error {
	return s.body.Close()
}
