//go:build !nocgo

package audio

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/core"
	"github.com/ebitengine/oto/v3"
)

const (
	otoBufferSize   = 100 * time.Millisecond
	otoPollInterval = 10 * time.Millisecond
)

// OtoSink plays decoded buffers directly on the default output device.
//
// oto allows a single context per process, so a process should create at most one
// OtoSink.
type OtoSink struct {
	context *oto.Context
	spec    Spec
	log     *logger.Logger

	mu     sync.Mutex
	closed bool
	active map[*otoHandle]struct{}
}

// NewOtoSink opens the device context for spec and waits until it is ready.
func NewOtoSink(spec Spec, log *logger.Logger) (*OtoSink, error) {
	specErr := spec.Validate()
	if specErr != nil {
		return nil, specErr
	}

	options := &oto.NewContextOptions{
		SampleRate:   spec.SampleRate,
		ChannelCount: spec.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   otoBufferSize,
	}

	otoContext, ready, err := oto.NewContext(options)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create oto context: %w", ErrNoAudioOutput, err)
	}

	<-ready

	return &OtoSink{
		context: otoContext,
		spec:    spec,
		log:     log,
		mu:      sync.Mutex{},
		closed:  false,
		active:  make(map[*otoHandle]struct{}),
	}, nil
}

// Play implements core.AudioSink.
func (s *OtoSink) Play(buf *core.AudioBuffer, done func(error)) (core.PlaybackHandle, error) {
	if buf.SampleRate != s.spec.SampleRate || buf.Channels != s.spec.Channels {
		return nil, fmt.Errorf("%w: buffer is %d Hz x%d, device is %d Hz x%d",
			ErrInvalidSpec, buf.SampleRate, buf.Channels, s.spec.SampleRate, s.spec.Channels)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSinkClosed
	}

	ctxErr := s.context.Err()
	if ctxErr != nil {
		return nil, fmt.Errorf("audio device failed: %w", ctxErr)
	}

	// The reader keeps buf.PCM referenced for the lifetime of the player.
	player := s.context.NewPlayer(bytes.NewReader(buf.PCM))

	handle := &otoHandle{player: player, stop: make(chan struct{}), finished: make(chan struct{})}
	s.active[handle] = struct{}{}

	player.Play()

	go s.monitor(handle, done)

	return handle, nil
}

// monitor waits until the player drains or is stopped, then reports to done.
func (s *OtoSink) monitor(handle *otoHandle, done func(error)) {
	ticker := time.NewTicker(otoPollInterval)
	defer ticker.Stop()

	var playErr error

loop:
	for {
		select {
		case <-handle.stop:
			handle.player.Pause()

			break loop
		case <-ticker.C:
			if !handle.player.IsPlaying() {
				playErr = handle.player.Err()

				break loop
			}
		}
	}

	closeErr := handle.player.Close()
	if closeErr != nil {
		s.log.Warn("Failed to close oto player: %v", closeErr)
	}

	s.mu.Lock()
	delete(s.active, handle)
	s.mu.Unlock()

	close(handle.finished)
	done(playErr)
}

// Close halts all playing buffers. The device context itself lives until process
// exit.
func (s *OtoSink) Close() error {
	s.mu.Lock()
	s.closed = true

	handles := make([]*otoHandle, 0, len(s.active))
	for handle := range s.active {
		handles = append(handles, handle)
	}
	s.mu.Unlock()

	for _, handle := range handles {
		handle.Stop()
		<-handle.finished
	}

	return nil
}

type otoHandle struct {
	player   *oto.Player
	stop     chan struct{}
	finished chan struct{}
	once     sync.Once
}

// Stop pauses the player immediately; the monitor then releases it.
func (h *otoHandle) Stop() {
	h.once.Do(func() {
		close(h.stop)
	})
}
