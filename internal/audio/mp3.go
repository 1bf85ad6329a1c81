package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/book-expert/news-digest/internal/core"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
)

// ErrNoMP3Frames indicates that the start of a stream holds no MPEG audio frame.
var ErrNoMP3Frames = errors.New("no mpeg audio frame found")

const (
	mp3HeaderSize = 4
	id3HeaderSize = 10
	id3v1TagSize  = 128
	id3FooterFlag = 0x10
)

var (
	mp3Layer3Kbps = [2][15]int{
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
	}
	mp3SampleRates = [2][3]int{
		{44100, 48000, 32000},
		{22050, 24000, 16000},
	}
)

// mp3Frame locates one complete Layer III frame inside a byte slice.
type mp3Frame struct {
	start int
	end   int
}

// MP3Decoder decodes an MP3 stream that arrives cut at arbitrary byte offsets.
//
// One decoder runs for the whole stream, so the bit reservoir and filterbank carry
// from one call to the next. Each call hands it only complete frames; a trailing
// partial frame is held back and prefixed to the next call.
type MP3Decoder struct {
	spec Spec

	mu       sync.Mutex
	carry    []byte
	frames   *bytes.Buffer
	streamer beep.StreamSeekCloser
	format   beep.Format
	decoded  int
}

// NewMP3Decoder returns a decoder producing PCM at spec.
func NewMP3Decoder(spec Spec) *MP3Decoder {
	return &MP3Decoder{spec: spec, frames: new(bytes.Buffer)}
}

// NewStream implements core.StreamDecoder.
func (d *MP3Decoder) NewStream() core.Decoder {
	return NewMP3Decoder(d.spec)
}

// Decode implements core.Decoder. It returns an empty buffer when encoded only
// completes part of a frame.
func (d *MP3Decoder) Decode(ctx context.Context, encoded []byte) (*core.AudioBuffer, error) {
	if len(encoded) == 0 {
		return nil, ErrEmptyAudio
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	data := append(d.carry, encoded...)

	frames, rest, synced := scanMP3(data)
	d.carry = append([]byte(nil), data[rest:]...)

	if len(frames) == 0 {
		if !synced && d.decoded == 0 && len(data) >= mp3HeaderSize {
			return nil, fmt.Errorf("%w in %d bytes", ErrNoMP3Frames, len(data))
		}

		return &core.AudioBuffer{Encoded: encoded, SampleRate: d.spec.SampleRate, Channels: d.spec.Channels}, nil
	}

	for _, frame := range frames {
		d.frames.Write(data[frame.start:frame.end])
	}

	d.decoded += len(frames)

	pcm, err := d.drain(ctx)
	if err != nil {
		return nil, err
	}

	return &core.AudioBuffer{
		PCM:        pcm,
		Encoded:    encoded,
		SampleRate: d.spec.SampleRate,
		Channels:   d.spec.Channels,
	}, nil
}

// drain decodes every frame written so far. The underlying decoder stops at the
// end of the buffered frames and resumes from there once more are written.
func (d *MP3Decoder) drain(ctx context.Context) ([]byte, error) {
	if d.streamer == nil {
		streamer, format, err := mp3.Decode(io.NopCloser(d.frames))
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", FormatMP3, err)
		}

		d.streamer, d.format = streamer, format
	}

	target := beep.SampleRate(d.spec.SampleRate)

	var source beep.Streamer = d.streamer
	if d.format.SampleRate != target {
		source = beep.Resample(resampleQuality, d.format.SampleRate, target, d.streamer)
	}

	out := beep.Format{SampleRate: target, NumChannels: d.spec.Channels, Precision: bytesPerSample}

	pcm, err := encodeStream(ctx, source, out, 0)
	if err != nil {
		return nil, err
	}

	streamErr := d.streamer.Err()
	if streamErr != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", FormatMP3, streamErr)
	}

	return pcm, nil
}

// scanMP3 finds the complete Layer III frames in data. rest is the offset of the
// bytes to hold back for the next call. synced reports whether data held any
// frame header or tag.
func scanMP3(data []byte) ([]mp3Frame, int, bool) {
	var frames []mp3Frame

	synced := false
	pos := 0

	for len(data)-pos >= mp3HeaderSize {
		remaining := data[pos:]

		if bytes.HasPrefix(remaining, []byte("ID3")) {
			size, ok := id3v2Size(remaining)
			if !ok || size > len(remaining) {
				return frames, pos, true
			}

			pos += size
			synced = true

			continue
		}

		if bytes.HasPrefix(remaining, []byte("TAG")) {
			if len(remaining) < id3v1TagSize {
				return frames, pos, true
			}

			pos += id3v1TagSize
			synced = true

			continue
		}

		size, ok := parseMP3Header(remaining)
		if !ok {
			pos++

			continue
		}

		synced = true

		if size > len(remaining) {
			return frames, pos, synced
		}

		frames = append(frames, mp3Frame{start: pos, end: pos + size})
		pos += size
	}

	return frames, pos, synced
}

// id3v2Size returns the full length of the ID3v2 tag at the start of data.
func id3v2Size(data []byte) (int, bool) {
	if len(data) < id3HeaderSize {
		return 0, false
	}

	size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 | int(data[8]&0x7f)<<7 | int(data[9]&0x7f)
	size += id3HeaderSize

	if data[5]&id3FooterFlag != 0 {
		size += id3HeaderSize
	}

	return size, true
}

// parseMP3Header decodes an MPEG-1 or MPEG-2 Layer III frame header and returns
// the frame length in bytes.
func parseMP3Header(header []byte) (int, bool) {
	if header[0] != 0xff || header[1]&0xe0 != 0xe0 {
		return 0, false
	}

	var version int

	switch (header[1] >> 3) & 0x03 {
	case 0x03:
		version = 0
	case 0x02:
		version = 1
	default:
		return 0, false
	}

	if (header[1]>>1)&0x03 != 0x01 {
		return 0, false
	}

	bitrateIndex := header[2] >> 4
	rateIndex := (header[2] >> 2) & 0x03

	if bitrateIndex == 0 || bitrateIndex == 0x0f || rateIndex == 0x03 || header[3]&0x03 == 0x02 {
		return 0, false
	}

	bitrate := mp3Layer3Kbps[version][bitrateIndex] * 1000
	sampleRate := mp3SampleRates[version][rateIndex]
	padding := int((header[2] >> 1) & 0x01)

	if version == 0 {
		return 144*bitrate/sampleRate + padding, true
	}

	return 72*bitrate/sampleRate + padding, true
}
