package playback_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/core"
	"github.com/stretchr/testify/require"
)

const (
	testSampleRate = 16000
	testChannels   = 1
)

// fakeDecoder treats every input as mono s16le PCM and records each call.
type fakeDecoder struct {
	mu     sync.Mutex
	calls  int
	inputs [][]byte
	err    error
}

func (d *fakeDecoder) Decode(_ context.Context, encoded []byte) (*core.AudioBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	d.inputs = append(d.inputs, append([]byte(nil), encoded...))

	if d.err != nil {
		return nil, d.err
	}

	return &core.AudioBuffer{
		PCM:        append([]byte(nil), encoded...),
		Encoded:    encoded,
		SampleRate: testSampleRate,
		Channels:   testChannels,
	}, nil
}

func (d *fakeDecoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls
}

// fakeHandle is one buffer handed to fakeSink.
type fakeHandle struct {
	buf  *core.AudioBuffer
	done func(error)

	mu      sync.Mutex
	once    sync.Once
	stopped bool
	ended   bool
}

func (h *fakeHandle) finish(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.ended = true
		h.mu.Unlock()

		h.done(err)
	})
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()

	h.finish(nil)
}

func (h *fakeHandle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.stopped
}

func (h *fakeHandle) Ended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.ended
}

// streamingDecoder hands every stream a fresh fakeDecoder and counts them.
type streamingDecoder struct {
	fakeDecoder

	streams atomic.Int32
}

func (d *streamingDecoder) NewStream() core.Decoder {
	d.streams.Add(1)

	return &fakeDecoder{}
}

// fakeSink records every Play call. In auto mode buffers finish immediately; in
// manual mode the test finishes them through handle.
type fakeSink struct {
	auto    bool
	playErr error
	doneErr error

	mu       sync.Mutex
	handles  []*fakeHandle
	overlaps int
	closed   bool
}

func (s *fakeSink) Play(buf *core.AudioBuffer, done func(error)) (core.PlaybackHandle, error) {
	s.mu.Lock()

	if s.playErr != nil {
		s.mu.Unlock()

		return nil, s.playErr
	}

	for _, previous := range s.handles {
		if !previous.Ended() {
			s.overlaps++
		}
	}

	handle := &fakeHandle{buf: buf, done: done}
	s.handles = append(s.handles, handle)
	s.mu.Unlock()

	if s.auto {
		go handle.finish(s.doneErr)
	}

	return handle, nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

func (s *fakeSink) Plays() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.handles)
}

func (s *fakeSink) Overlaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.overlaps
}

func (s *fakeSink) handle(t *testing.T, index int) *fakeHandle {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	require.Greater(t, len(s.handles), index, "buffer %d was never played", index)

	return s.handles[index]
}

func (s *fakeSink) PlayedPCM() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []byte
	for _, handle := range s.handles {
		out = append(out, handle.buf.PCM...)
	}

	return out
}

type streamItem struct {
	data []byte
	err  error
}

// chanStream is an AudioStream fed by a channel. Closing the channel signals
// completion.
type chanStream struct {
	items  chan streamItem
	closed atomic.Bool
}

func newChanStream(size int) *chanStream {
	return &chanStream{items: make(chan streamItem, size)}
}

func (c *chanStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case item, ok := <-c.items:
		if !ok {
			return nil, io.EOF
		}

		return item.data, item.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chanStream) Close() error {
	c.closed.Store(true)

	return nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "playback-test.log")
	require.NoError(t, err)

	return testLogger
}

func pattern(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed + byte(i%251)
	}

	return data
}
