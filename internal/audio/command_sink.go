package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/core"
)

var (
	// ErrSinkClosed is returned by Play after Close.
	ErrSinkClosed = errors.New("audio sink is closed")
	// ErrPlayerExited indicates that an external player quit while it still had
	// audio to play.
	ErrPlayerExited = errors.New("audio player exited")
)

// playerArgs returns the arguments that make a known player read raw s16le PCM from
// stdin. Unknown commands are started without arguments.
func playerArgs(name string, spec Spec) []string {
	rate := strconv.Itoa(spec.SampleRate)
	channels := strconv.Itoa(spec.Channels)

	switch name {
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "quiet", "-f", "s16le", "-ar", rate, "-ac", channels, "-i", "-"}
	case "mpv":
		return []string{
			"--no-video", "--really-quiet", "--demuxer=rawaudio",
			"--demuxer-rawaudio-format=s16le",
			"--demuxer-rawaudio-rate=" + rate,
			"--demuxer-rawaudio-channels=" + channels,
			"-",
		}
	case "aplay":
		return []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", channels, "-"}
	case "paplay", "pacat":
		return []string{"--raw", "--format=s16le", "--rate=" + rate, "--channels=" + channels}
	default:
		return nil
	}
}

// CommandSink plays buffers through one long-running external player process.
// Each buffer's PCM is written to the player's stdin, so consecutive buffers play
// without restarting it. Stopping a buffer kills the process; the next Play starts
// a new one.
type CommandSink struct {
	path string
	args []string
	spec Spec
	log  *logger.Logger

	mu      sync.Mutex
	closed  bool
	player  *playerProcess
	started int
	active  map[*commandHandle]struct{}
}

// NewCommandSink resolves command on PATH and prepares a sink for spec.
func NewCommandSink(command string, spec Spec, log *logger.Logger) (*CommandSink, error) {
	specErr := spec.Validate()
	if specErr != nil {
		return nil, specErr
	}

	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %w", ErrNoAudioOutput, command, err)
	}

	return &CommandSink{
		path:   path,
		args:   playerArgs(filepath.Base(command), spec),
		spec:   spec,
		log:    log,
		mu:     sync.Mutex{},
		closed: false,
		active: make(map[*commandHandle]struct{}),
	}, nil
}

// Play implements core.AudioSink. done fires once the player has been handed all
// of buf and the audio's own duration has elapsed, or as soon as the write fails.
func (s *CommandSink) Play(buf *core.AudioBuffer, done func(error)) (core.PlaybackHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSinkClosed
	}

	if buf.SampleRate != s.spec.SampleRate || buf.Channels != s.spec.Channels {
		return nil, fmt.Errorf("%w: buffer is %d Hz x%d, player is %d Hz x%d",
			ErrInvalidSpec, buf.SampleRate, buf.Channels, s.spec.SampleRate, s.spec.Channels)
	}

	if s.player == nil || s.player.hasExited() {
		player, err := startPlayer(s.path, s.args)
		if err != nil {
			return nil, err
		}

		s.player = player
		s.started++
		s.log.Info("Started audio player %s (pid %d)", s.path, player.cmd.Process.Pid)
	}

	handle := &commandHandle{sink: s, player: s.player, stop: make(chan struct{})}
	s.active[handle] = struct{}{}

	go handle.run(buf, done)

	return handle, nil
}

// Close kills the player and rejects further buffers.
func (s *CommandSink) Close() error {
	s.mu.Lock()
	s.closed = true
	player := s.player
	s.player = nil

	handles := make([]*commandHandle, 0, len(s.active))
	for handle := range s.active {
		handles = append(handles, handle)
	}
	s.mu.Unlock()

	for _, handle := range handles {
		handle.Stop()
	}

	if player != nil {
		player.kill()
		<-player.exited
	}

	return nil
}

// release forgets handle and, when the handle was stopped, the player it used.
func (s *CommandSink) release(handle *commandHandle, killed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, handle)

	if killed && s.player == handle.player {
		s.player = nil
	}
}

// playerProcess is a running external player fed through its stdin.
type playerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	exited chan struct{}

	writeMu  sync.Mutex
	playhead time.Time
	waitErr  error
}

func startPlayer(path string, args []string) (*playerProcess, error) {
	player := &playerProcess{exited: make(chan struct{})}

	cmd := exec.Command(path, args...)
	cmd.Stderr = &player.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin of %s: %w", path, err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	player.cmd = cmd
	player.stdin = stdin

	go func() {
		player.waitErr = cmd.Wait()
		close(player.exited)
	}()

	return player, nil
}

// write hands pcm to the player and returns when its audio should have played.
func (p *playerProcess) write(pcm []byte, duration time.Duration) (time.Time, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	begin := time.Now()
	if p.playhead.After(begin) {
		begin = p.playhead
	}

	_, err := p.stdin.Write(pcm)
	if err != nil {
		return time.Time{}, err
	}

	p.playhead = begin.Add(duration)

	return p.playhead, nil
}

func (p *playerProcess) kill() {
	select {
	case <-p.exited:
	default:
		_ = p.cmd.Process.Kill()
	}
}

func (p *playerProcess) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// exitError describes why the player went away. Only valid after exited closes.
func (p *playerProcess) exitError() error {
	if p.waitErr == nil {
		return fmt.Errorf("%w: %s: %s", ErrPlayerExited, p.cmd.Path, bytes.TrimSpace(p.stderr.Bytes()))
	}

	return fmt.Errorf("%w: %s: %w: %s", ErrPlayerExited, p.cmd.Path, p.waitErr, bytes.TrimSpace(p.stderr.Bytes()))
}

type commandHandle struct {
	sink   *CommandSink
	player *playerProcess
	stop   chan struct{}

	mu       sync.Mutex
	stopped  bool
	finished bool
}

func (h *commandHandle) run(buf *core.AudioBuffer, done func(error)) {
	stopped, playErr := h.play(buf)

	h.mu.Lock()
	h.finished = true
	h.mu.Unlock()

	h.sink.release(h, stopped)

	if stopped {
		done(nil)

		return
	}

	done(playErr)
}

// play feeds buf to the player and waits out its duration. stopped reports
// whether Stop ended it early.
func (h *commandHandle) play(buf *core.AudioBuffer) (bool, error) {
	ends, err := h.player.write(buf.PCM, buf.Duration())
	if err != nil {
		if h.wasStopped() {
			return true, nil
		}

		h.player.kill()
		<-h.player.exited

		return false, fmt.Errorf("failed to write to player: %w", h.player.exitError())
	}

	timer := time.NewTimer(time.Until(ends))
	defer timer.Stop()

	select {
	case <-timer.C:
		return false, nil
	case <-h.stop:
		return true, nil
	case <-h.player.exited:
		if h.wasStopped() {
			return true, nil
		}

		return false, h.player.exitError()
	}
}

// Stop kills the player, cutting off this buffer and anything still queued in
// the player. It does nothing once the buffer has finished.
func (h *commandHandle) Stop() {
	h.mu.Lock()
	if h.stopped || h.finished {
		h.mu.Unlock()

		return
	}

	h.stopped = true
	close(h.stop)
	h.mu.Unlock()

	h.player.kill()
}

func (h *commandHandle) wasStopped() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}
