package audio

import (
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/core"
)

// ErrNoAudioOutput indicates that no output strategy is available on this machine.
var ErrNoAudioOutput = errors.New("no audio output available")

// Output strategies accepted by SinkConfig.Output.
const (
	OutputAuto    = "auto"
	OutputDevice  = "device"
	OutputCommand = "command"
)

// DefaultPlayers lists external players in order of preference.
var DefaultPlayers = []string{"ffplay", "mpv", "aplay", "paplay"}

// SinkConfig selects how decoded audio reaches the speakers.
type SinkConfig struct {
	// Output is one of OutputAuto, OutputDevice or OutputCommand.
	Output string
	// Spec is the PCM layout every buffer is decoded to.
	Spec Spec
	// Players are tried in order for OutputCommand and as the OutputAuto fallback.
	Players []string
}

// DefaultSinkConfig returns automatic selection at DefaultSpec.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		Output:  OutputAuto,
		Spec:    DefaultSpec(),
		Players: DefaultPlayers,
	}
}

// SelectSink detects the best available output once, at construction time: the
// audio device when a context can be opened, otherwise the first external player
// found on PATH.
func SelectSink(cfg SinkConfig, log *logger.Logger) (core.AudioSink, error) {
	specErr := cfg.Spec.Validate()
	if specErr != nil {
		return nil, specErr
	}

	players := cfg.Players
	if len(players) == 0 {
		players = DefaultPlayers
	}

	switch cfg.Output {
	case OutputDevice:
		sink, err := NewOtoSink(cfg.Spec, log)
		if err != nil {
			return nil, err
		}

		return sink, nil
	case OutputCommand:
		return firstCommandSink(players, cfg.Spec, log)
	case OutputAuto, "":
		sink, err := NewOtoSink(cfg.Spec, log)
		if err == nil {
			log.Info("Audio output: device (%d Hz, %d channels)", cfg.Spec.SampleRate, cfg.Spec.Channels)

			return sink, nil
		}

		log.Warn("Audio device unavailable, trying external players: %v", err)

		return firstCommandSink(players, cfg.Spec, log)
	default:
		return nil, fmt.Errorf("%w: unknown output %q", ErrNoAudioOutput, cfg.Output)
	}
}

func firstCommandSink(players []string, spec Spec, log *logger.Logger) (core.AudioSink, error) {
	var errs []error

	for _, player := range players {
		sink, err := NewCommandSink(player, spec, log)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		log.Info("Audio output: external player %s", sink.path)

		return sink, nil
	}

	return nil, fmt.Errorf("%w: tried %v: %w", ErrNoAudioOutput, players, errors.Join(errs...))
}
