package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/news-digest/internal/core"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/wav"
)

const (
	resampleQuality = 4
	streamBatch     = 512
)

var (
	// ErrEmptyAudio indicates that a decoder was handed no bytes.
	ErrEmptyAudio = errors.New("audio data is empty")
	// ErrMisalignedPCM indicates that raw PCM does not end on a frame boundary.
	ErrMisalignedPCM = errors.New("pcm data is not frame aligned")
)

// NewDecoder returns the decoder for format producing PCM at spec.
func NewDecoder(format Format, spec Spec) (core.Decoder, error) {
	specErr := spec.Validate()
	if specErr != nil {
		return nil, specErr
	}

	switch format {
	case FormatPCM:
		return &PCMDecoder{spec: spec}, nil
	case FormatWAV:
		return &BeepDecoder{format: format, spec: spec}, nil
	case FormatMP3:
		return NewMP3Decoder(spec), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// PCMDecoder passes raw signed 16-bit PCM through after checking frame alignment.
// Concatenating the outputs of consecutive calls yields exactly the concatenated
// inputs.
type PCMDecoder struct {
	spec Spec
}

// Decode implements core.Decoder.
func (d *PCMDecoder) Decode(_ context.Context, encoded []byte) (*core.AudioBuffer, error) {
	if len(encoded) == 0 {
		return nil, ErrEmptyAudio
	}

	if len(encoded)%d.spec.FrameSize() != 0 {
		return nil, fmt.Errorf("%w: %d bytes with %d-byte frames", ErrMisalignedPCM, len(encoded), d.spec.FrameSize())
	}

	return &core.AudioBuffer{
		PCM:        encoded,
		Encoded:    encoded,
		SampleRate: d.spec.SampleRate,
		Channels:   d.spec.Channels,
	}, nil
}

// BeepDecoder decodes a complete WAV file with beep and resamples to the output
// rate. Each call decodes its input independently.
type BeepDecoder struct {
	format Format
	spec   Spec
}

// Decode implements core.Decoder.
func (d *BeepDecoder) Decode(ctx context.Context, encoded []byte) (*core.AudioBuffer, error) {
	if len(encoded) == 0 {
		return nil, ErrEmptyAudio
	}

	streamer, format, err := d.open(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", d.format, err)
	}
	defer streamer.Close()

	target := beep.SampleRate(d.spec.SampleRate)

	var source beep.Streamer = streamer
	if format.SampleRate != target {
		source = beep.Resample(resampleQuality, format.SampleRate, target, streamer)
	}

	out := beep.Format{SampleRate: target, NumChannels: d.spec.Channels, Precision: bytesPerSample}

	pcm, err := encodeStream(ctx, source, out, estimateSize(streamer, format, out))
	if err != nil {
		return nil, err
	}

	streamErr := streamer.Err()
	if streamErr != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", d.format, streamErr)
	}

	return &core.AudioBuffer{
		PCM:        pcm,
		Encoded:    encoded,
		SampleRate: d.spec.SampleRate,
		Channels:   d.spec.Channels,
	}, nil
}

func (d *BeepDecoder) open(encoded []byte) (beep.StreamSeekCloser, beep.Format, error) {
	return wav.Decode(bytes.NewReader(encoded))
}

// encodeStream drains source into signed PCM bytes in the out format.
func encodeStream(ctx context.Context, source beep.Streamer, out beep.Format, sizeHint int) ([]byte, error) {
	pcm := make([]byte, 0, sizeHint)
	samples := make([][2]float64, streamBatch)
	frame := make([]byte, out.Width())

	for {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return nil, fmt.Errorf("decode interrupted: %w", ctxErr)
		}

		n, ok := source.Stream(samples)
		for i := range n {
			written := out.EncodeSigned(frame, samples[i])
			pcm = append(pcm, frame[:written]...)
		}

		if !ok || n == 0 {
			return pcm, nil
		}
	}
}

func estimateSize(streamer beep.StreamSeekCloser, in, out beep.Format) int {
	frames := streamer.Len()
	if frames <= 0 || in.SampleRate <= 0 {
		return 0
	}

	return frames * int(out.SampleRate) / int(in.SampleRate) * out.Width()
}
