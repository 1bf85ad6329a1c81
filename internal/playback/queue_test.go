package playback_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/book-expert/news-digest/internal/audio"
	"github.com/book-expert/news-digest/internal/playback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	testLogger := newTestLogger(t)

	testCases := []struct {
		name    string
		cfg     playback.Config
		decoder *fakeDecoder
		sink    *fakeSink
		wantErr error
	}{
		{name: "zero threshold", cfg: playback.Config{ChunkThreshold: 0}, decoder: &fakeDecoder{}, sink: &fakeSink{}, wantErr: playback.ErrInvalidThreshold},
		{name: "negative threshold", cfg: playback.Config{ChunkThreshold: -1}, decoder: &fakeDecoder{}, sink: &fakeSink{}, wantErr: playback.ErrInvalidThreshold},
		{name: "missing decoder", cfg: playback.DefaultConfig(), decoder: nil, sink: &fakeSink{}, wantErr: playback.ErrDecoderRequired},
		{name: "missing sink", cfg: playback.DefaultConfig(), decoder: &fakeDecoder{}, sink: nil, wantErr: playback.ErrSinkRequired},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var (
				queue *playback.Queue
				err   error
			)

			// Typed nil pointers would satisfy the interfaces, so pass untyped nils.
			switch {
			case tc.decoder == nil:
				queue, err = playback.New(tc.cfg, nil, tc.sink, testLogger)
			case tc.sink == nil:
				queue, err = playback.New(tc.cfg, tc.decoder, nil, testLogger)
			default:
				queue, err = playback.New(tc.cfg, tc.decoder, tc.sink, testLogger)
			}

			require.ErrorIs(t, err, tc.wantErr)
			assert.Nil(t, queue)
		})
	}

	_, err := playback.New(playback.DefaultConfig(), &fakeDecoder{}, &fakeSink{}, nil)
	require.ErrorIs(t, err, playback.ErrLoggerRequired)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	assert.Equal(t, playback.DefaultChunkThreshold, playback.DefaultConfig().ChunkThreshold)
	assert.Equal(t, 8192, playback.DefaultChunkThreshold)
}

func TestQueue_StartStopsPreviousSession(t *testing.T) {
	t.Parallel()

	decoder := &fakeDecoder{}
	sink := &fakeSink{auto: false}
	queue := newTestQueue(t, 4, decoder, sink)

	first := queue.Start(context.Background(), nil)
	first.OnChunk(pattern(4, 1))
	first.OnChunk(pattern(4, 2))
	require.Equal(t, 1, sink.Plays())

	second := queue.Start(context.Background(), nil)
	assert.Same(t, second, queue.Current())
	assert.NotEqual(t, first.ID(), second.ID())

	require.ErrorIs(t, waitSession(t, first), playback.ErrStopped)
	assert.True(t, sink.handle(t, 0).Stopped(), "the previous session's audio is halted")

	second.OnChunk(pattern(4, 3))
	require.Equal(t, 2, sink.Plays(), "queued audio of the stopped session never starts")
	assert.Equal(t, pattern(4, 3), sink.handle(t, 1).buf.PCM)
	assert.Zero(t, sink.Overlaps(), "sessions never overlap on the sink")

	sink.handle(t, 1).finish(nil)
	second.OnComplete()

	require.NoError(t, waitSession(t, second))
}

func TestQueue_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	queue := newTestQueue(t, 4, &fakeDecoder{}, &fakeSink{auto: true})

	queue.Stop()
	assert.Nil(t, queue.Current())

	session := queue.Start(context.Background(), nil)
	queue.Stop()
	queue.Stop()
	session.Stop()

	require.ErrorIs(t, waitSession(t, session), playback.ErrStopped)
	assert.Equal(t, playback.StateStopped, session.State())
}

func TestQueue_CloseReleasesSink(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{auto: false}
	queue := newTestQueue(t, 4, &fakeDecoder{}, sink)

	session := queue.Start(context.Background(), nil)
	session.OnChunk(pattern(4, 1))

	require.NoError(t, queue.Close())
	require.ErrorIs(t, waitSession(t, session), playback.ErrStopped)

	sink.mu.Lock()
	defer sink.mu.Unlock()

	assert.True(t, sink.closed)
}

func TestQueue_OpensDecoderStreamPerSession(t *testing.T) {
	t.Parallel()

	decoder := &streamingDecoder{}

	queue, err := playback.New(playback.Config{ChunkThreshold: 4}, decoder, &fakeSink{auto: true}, newTestLogger(t))
	require.NoError(t, err)

	for range 2 {
		session := queue.Start(context.Background(), nil)
		session.OnChunk(pattern(4, 1))
		session.OnComplete()

		require.NoError(t, waitSession(t, session))
	}

	assert.Equal(t, int32(2), decoder.streams.Load())
	assert.Zero(t, decoder.Calls(), "sessions decode through their own stream")
}

// silentMP3 builds count MPEG-1 Layer III frames that decode to silence.
func silentMP3(count int) []byte {
	var buf bytes.Buffer

	for range count {
		frame := make([]byte, 417)
		copy(frame, []byte{0xff, 0xfb, 0x90, 0xc4})
		buf.Write(frame)
	}

	return buf.Bytes()
}

func TestQueue_PlaysMP3CutMidFrame(t *testing.T) {
	t.Parallel()

	const frames = 60

	spec := audio.Spec{SampleRate: 44100, Channels: 2}

	decoder, err := audio.NewDecoder(audio.FormatMP3, spec)
	require.NoError(t, err)

	sink := &fakeSink{auto: true}

	queue, err := playback.New(playback.Config{ChunkThreshold: 8192}, decoder, sink, newTestLogger(t))
	require.NoError(t, err)

	encoded := silentMP3(frames)
	stream := newChanStream(len(encoded)/4096 + 1)

	for start := 0; start < len(encoded); start += 4096 {
		stream.items <- streamItem{data: encoded[start:min(start+4096, len(encoded))]}
	}

	close(stream.items)

	session := queue.Start(context.Background(), stream)
	require.NoError(t, waitSession(t, session))

	assert.Len(t, sink.PlayedPCM(), frames*1152*spec.FrameSize())
	assert.Greater(t, session.Stats().Played, 1, "audio starts before the stream ends")
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", playback.StateIdle.String())
	assert.Equal(t, "accumulating", playback.StateAccumulating.String())
	assert.Equal(t, "decoding", playback.StateDecoding.String())
	assert.Equal(t, "queued", playback.StateQueued.String())
	assert.Equal(t, "playing", playback.StatePlaying.String())
	assert.Equal(t, "stopped", playback.StateStopped.String())
	assert.Equal(t, "unknown", playback.State(42).String())
}
