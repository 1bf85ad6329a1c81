package audio_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/audio"
	"github.com/book-expert/news-digest/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "audio-test.log")
	require.NoError(t, err)

	return testLogger
}

// wavBytes builds a canonical 16-bit PCM WAV file.
func wavBytes(t *testing.T, sampleRate, channels int, samples []int16) []byte {
	t.Helper()

	var buf bytes.Buffer

	dataSize := len(samples) * 2
	blockAlign := channels * 2

	write := func(v any) {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}

	buf.WriteString("RIFF")
	write(uint32(36 + dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	write(uint32(16))
	write(uint16(1))
	write(uint16(channels))
	write(uint32(sampleRate))
	write(uint32(sampleRate * blockAlign))
	write(uint16(blockAlign))
	write(uint16(16))
	buf.WriteString("data")
	write(uint32(dataSize))
	write(samples)

	return buf.Bytes()
}

func ramp(count int) []int16 {
	samples := make([]int16, count)
	for i := range samples {
		samples[i] = int16((i*97)%20000 - 10000)
	}

	return samples
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input string
		want  audio.Format
	}{
		{input: "pcm", want: audio.FormatPCM},
		{input: " MP3 ", want: audio.FormatMP3},
		{input: "audio/mpeg", want: audio.FormatMP3},
		{input: "audio/wav", want: audio.FormatWAV},
		{input: "wave", want: audio.FormatWAV},
	}

	for _, tc := range testCases {
		got, err := audio.ParseFormat(tc.input)
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.want, got, tc.input)
	}

	_, err := audio.ParseFormat("flac")
	require.ErrorIs(t, err, audio.ErrUnsupportedFormat)

	assert.Equal(t, "audio/mpeg", audio.FormatMP3.ContentType())
	assert.Equal(t, "audio/wav", audio.FormatWAV.ContentType())
	assert.Equal(t, "audio/L16", audio.FormatPCM.ContentType())
}

func TestSpec_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, audio.DefaultSpec().Validate())
	assert.Equal(t, 2, audio.DefaultSpec().FrameSize())

	invalid := []audio.Spec{
		{SampleRate: 0, Channels: 1},
		{SampleRate: 500000, Channels: 1},
		{SampleRate: 16000, Channels: 0},
		{SampleRate: 16000, Channels: 6},
	}

	for _, spec := range invalid {
		require.ErrorIs(t, spec.Validate(), audio.ErrInvalidSpec, "%+v", spec)
	}
}

func TestPCMDecoder(t *testing.T) {
	t.Parallel()

	decoder, err := audio.NewDecoder(audio.FormatPCM, audio.Spec{SampleRate: 16000, Channels: 2})
	require.NoError(t, err)

	input := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	buf, err := decoder.Decode(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, input, buf.PCM)
	assert.Equal(t, 2, buf.Frames())
	assert.Equal(t, 16000, buf.SampleRate)

	_, err = decoder.Decode(context.Background(), input[:6])
	require.ErrorIs(t, err, audio.ErrMisalignedPCM)

	_, err = decoder.Decode(context.Background(), nil)
	require.ErrorIs(t, err, audio.ErrEmptyAudio)
}

func TestNewDecoder_Errors(t *testing.T) {
	t.Parallel()

	_, err := audio.NewDecoder(audio.Format("ogg"), audio.DefaultSpec())
	require.ErrorIs(t, err, audio.ErrUnsupportedFormat)

	_, err = audio.NewDecoder(audio.FormatWAV, audio.Spec{SampleRate: 16000, Channels: 0})
	require.ErrorIs(t, err, audio.ErrInvalidSpec)
}

func TestBeepDecoder_WAV(t *testing.T) {
	t.Parallel()

	samples := ramp(1600)

	decoder, err := audio.NewDecoder(audio.FormatWAV, audio.DefaultSpec())
	require.NoError(t, err)

	buf, err := decoder.Decode(context.Background(), wavBytes(t, 16000, 1, samples))
	require.NoError(t, err)

	require.Equal(t, len(samples), buf.Frames())
	assert.Equal(t, 100*time.Millisecond, buf.Duration())

	for i, want := range samples {
		got := int16(binary.LittleEndian.Uint16(buf.PCM[i*2:]))
		assert.InDelta(t, want, got, 1, "sample %d", i)
	}
}

func TestBeepDecoder_WAVResamplesAndDownmixes(t *testing.T) {
	t.Parallel()

	stereo := ramp(8000 * 2)

	decoder, err := audio.NewDecoder(audio.FormatWAV, audio.DefaultSpec())
	require.NoError(t, err)

	buf, err := decoder.Decode(context.Background(), wavBytes(t, 8000, 2, stereo))
	require.NoError(t, err)

	assert.Equal(t, 1, buf.Channels)
	assert.InDelta(t, time.Second.Seconds(), buf.Duration().Seconds(), 0.01)
}

func TestBeepDecoder_RejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, format := range []audio.Format{audio.FormatWAV, audio.FormatMP3} {
		decoder, err := audio.NewDecoder(format, audio.DefaultSpec())
		require.NoError(t, err)

		_, err = decoder.Decode(context.Background(), []byte("definitely not audio"))
		require.Error(t, err, format)
	}
}

// silentMP3 builds count MPEG-1 Layer III frames, 128 kbps 44.1 kHz mono, whose
// zeroed side info and main data decode to silence.
func silentMP3(count int) []byte {
	const frameSize = 417

	var buf bytes.Buffer

	for range count {
		frame := make([]byte, frameSize)
		copy(frame, []byte{0xff, 0xfb, 0x90, 0xc4})
		buf.Write(frame)
	}

	return buf.Bytes()
}

// decodeInPieces feeds encoded to a fresh stream decoder size bytes at a time.
func decodeInPieces(t *testing.T, decoder *audio.MP3Decoder, encoded []byte, size int) []byte {
	t.Helper()

	stream := decoder.NewStream()

	var pcm []byte

	for start := 0; start < len(encoded); start += size {
		buf, err := stream.Decode(context.Background(), encoded[start:min(start+size, len(encoded))])
		require.NoError(t, err, "piece at byte %d", start)

		pcm = append(pcm, buf.PCM...)
	}

	return pcm
}

func TestMP3Decoder_WholeStream(t *testing.T) {
	t.Parallel()

	spec := audio.Spec{SampleRate: 44100, Channels: 2}

	decoder, err := audio.NewDecoder(audio.FormatMP3, spec)
	require.NoError(t, err)

	buf, err := decoder.Decode(context.Background(), silentMP3(40))
	require.NoError(t, err)

	assert.Equal(t, 40*1152, buf.Frames())
	assert.Equal(t, 44100, buf.SampleRate)
	assert.Equal(t, 2, buf.Channels)
}

func TestMP3Decoder_ArbitraryCuts(t *testing.T) {
	t.Parallel()

	spec := audio.Spec{SampleRate: 44100, Channels: 2}
	encoded := silentMP3(40)

	whole, err := audio.NewMP3Decoder(spec).Decode(context.Background(), encoded)
	require.NoError(t, err)

	for _, size := range []int{1000, 4096, 417, 7} {
		pcm := decodeInPieces(t, audio.NewMP3Decoder(spec), encoded, size)
		assert.Equal(t, whole.PCM, pcm, "cut every %d bytes", size)
	}
}

func TestMP3Decoder_HoldsBackPartialFrame(t *testing.T) {
	t.Parallel()

	stream := audio.NewMP3Decoder(audio.Spec{SampleRate: 44100, Channels: 2}).NewStream()
	encoded := silentMP3(2)

	buf, err := stream.Decode(context.Background(), encoded[:300])
	require.NoError(t, err)
	assert.Zero(t, buf.Frames(), "nothing plays until a frame is complete")

	buf, err = stream.Decode(context.Background(), encoded[300:])
	require.NoError(t, err)
	assert.Equal(t, 2*1152, buf.Frames())
}

func TestMP3Decoder_SkipsTags(t *testing.T) {
	t.Parallel()

	spec := audio.Spec{SampleRate: 44100, Channels: 2}

	tag := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x14"), make([]byte, 20)...)
	trailer := append([]byte("TAG"), make([]byte, 125)...)

	encoded := append(append(append([]byte(nil), tag...), silentMP3(6)...), trailer...)

	pcm := decodeInPieces(t, audio.NewMP3Decoder(spec), encoded, 7)
	assert.Len(t, pcm, 6*1152*spec.FrameSize())
}

func TestMP3Decoder_StreamsAreIndependent(t *testing.T) {
	t.Parallel()

	decoder := audio.NewMP3Decoder(audio.Spec{SampleRate: 44100, Channels: 2})
	encoded := silentMP3(3)

	first := decoder.NewStream()
	_, err := first.Decode(context.Background(), encoded[:500])
	require.NoError(t, err)

	second := decoder.NewStream()
	buf, err := second.Decode(context.Background(), encoded)
	require.NoError(t, err)
	assert.Equal(t, 3*1152, buf.Frames(), "a new stream does not inherit held-back bytes")
}

func TestMP3Decoder_Downmixes(t *testing.T) {
	t.Parallel()

	buf, err := audio.NewMP3Decoder(audio.Spec{SampleRate: 22050, Channels: 1}).
		Decode(context.Background(), silentMP3(10))
	require.NoError(t, err)

	assert.Equal(t, 1, buf.Channels)
	assert.InDelta(t, 10*1152/2, buf.Frames(), 64)
}

func TestMP3Decoder_RejectsStreamWithoutFrames(t *testing.T) {
	t.Parallel()

	stream := audio.NewMP3Decoder(audio.DefaultSpec()).NewStream()

	_, err := stream.Decode(context.Background(), bytes.Repeat([]byte("not audio "), 100))
	require.ErrorIs(t, err, audio.ErrNoMP3Frames)
}

type sliceStream struct {
	chunks [][]byte
	closed bool
}

func (s *sliceStream) Recv(_ context.Context) ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}

	next := s.chunks[0]
	s.chunks = s.chunks[1:]

	return next, nil
}

func (s *sliceStream) Close() error {
	s.closed = true

	return nil
}

func TestAlignStream(t *testing.T) {
	t.Parallel()

	source := &sliceStream{chunks: [][]byte{{1}, {2, 3, 4}, {5, 6, 7}, {8, 9}}}
	stream := audio.AlignStream(source, 4)

	var got [][]byte

	for {
		chunk, err := stream.Recv(context.Background())
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
		got = append(got, chunk)
	}

	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}, {9}}, got)

	require.NoError(t, stream.Close())
	assert.True(t, source.closed)

	passthrough := &sliceStream{}
	assert.Same(t, core.AudioStream(passthrough), audio.AlignStream(passthrough, 1))
}

func requireCommand(t *testing.T, name string) {
	t.Helper()

	_, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

// playAndWait plays buf on sink and returns what done reported.
func playAndWait(t *testing.T, sink core.AudioSink, buf *core.AudioBuffer) error {
	t.Helper()

	done := make(chan error, 1)

	_, err := sink.Play(buf, func(playErr error) {
		done <- playErr
	})
	require.NoError(t, err)

	select {
	case playErr := <-done:
		return playErr
	case <-time.After(5 * time.Second):
		t.Fatal("player never finished")

		return nil
	}
}

func TestCommandSink_PlaysToCompletion(t *testing.T) {
	t.Parallel()
	requireCommand(t, "cat")

	sink, err := audio.NewCommandSink("cat", audio.DefaultSpec(), newTestLogger(t))
	require.NoError(t, err)

	buf := &core.AudioBuffer{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1}

	started := time.Now()

	require.NoError(t, playAndWait(t, sink, buf))
	assert.GreaterOrEqual(t, time.Since(started), buf.Duration(), "done waits for the audio to play out")

	require.NoError(t, sink.Close())

	_, err = sink.Play(&core.AudioBuffer{}, func(error) {})
	require.ErrorIs(t, err, audio.ErrSinkClosed)
}

func TestCommandSink_ReusesOnePlayer(t *testing.T) {
	t.Parallel()
	requireCommand(t, "cat")

	sink, err := audio.NewCommandSink("cat", audio.DefaultSpec(), newTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	for range 3 {
		require.NoError(t, playAndWait(t, sink, &core.AudioBuffer{PCM: make([]byte, 1600), SampleRate: 16000, Channels: 1}))
	}

	assert.Equal(t, 1, sink.PlayersStarted(), "consecutive buffers share one player process")
}

func TestCommandSink_RejectsOtherLayouts(t *testing.T) {
	t.Parallel()
	requireCommand(t, "cat")

	sink, err := audio.NewCommandSink("cat", audio.DefaultSpec(), newTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	_, err = sink.Play(&core.AudioBuffer{PCM: make([]byte, 4), SampleRate: 44100, Channels: 2}, func(error) {})
	require.ErrorIs(t, err, audio.ErrInvalidSpec)
	assert.Zero(t, sink.PlayersStarted())
}

func TestCommandSink_StopKillsPlayer(t *testing.T) {
	t.Parallel()
	requireCommand(t, "yes")

	sink, err := audio.NewCommandSink("yes", audio.DefaultSpec(), newTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	done := make(chan error, 1)

	handle, err := sink.Play(&core.AudioBuffer{PCM: make([]byte, 32000), SampleRate: 16000, Channels: 1}, func(playErr error) {
		done <- playErr
	})
	require.NoError(t, err)

	handle.Stop()
	handle.Stop()

	select {
	case playErr := <-done:
		require.NoError(t, playErr, "a stopped buffer finishes cleanly")
	case <-time.After(5 * time.Second):
		t.Fatal("stopped player never reported")
	}

	require.NoError(t, playAndWait(t, sink, &core.AudioBuffer{PCM: []byte{0, 0}, SampleRate: 16000, Channels: 1}))
	assert.Equal(t, 2, sink.PlayersStarted(), "the next buffer starts a fresh player")
}

func TestCommandSink_PlayerExits(t *testing.T) {
	t.Parallel()
	requireCommand(t, "true")

	sink, err := audio.NewCommandSink("true", audio.DefaultSpec(), newTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	playErr := playAndWait(t, sink, &core.AudioBuffer{PCM: make([]byte, 32000), SampleRate: 16000, Channels: 1})
	require.ErrorIs(t, playErr, audio.ErrPlayerExited)
}

func TestSelectSink(t *testing.T) {
	t.Parallel()

	testLogger := newTestLogger(t)

	_, err := audio.SelectSink(audio.SinkConfig{
		Output:  audio.OutputCommand,
		Spec:    audio.DefaultSpec(),
		Players: []string{"no-such-player-for-news-digest"},
	}, testLogger)
	require.ErrorIs(t, err, audio.ErrNoAudioOutput)

	_, err = audio.SelectSink(audio.SinkConfig{Output: "speakers", Spec: audio.DefaultSpec(), Players: nil}, testLogger)
	require.ErrorIs(t, err, audio.ErrNoAudioOutput)

	_, err = audio.SelectSink(audio.SinkConfig{Output: audio.OutputCommand, Spec: audio.Spec{}, Players: nil}, testLogger)
	require.ErrorIs(t, err, audio.ErrInvalidSpec)

	requireCommand(t, "cat")

	sink, err := audio.SelectSink(audio.SinkConfig{
		Output:  audio.OutputCommand,
		Spec:    audio.DefaultSpec(),
		Players: []string{"no-such-player-for-news-digest", "cat"},
	}, testLogger)
	require.NoError(t, err)
	assert.IsType(t, &audio.CommandSink{}, sink)
	require.NoError(t, sink.Close())
}
