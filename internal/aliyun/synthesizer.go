package aliyun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/core"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Synthesis defaults.
const (
	DefaultGatewayURL     = "wss://nls-gateway-cn-shanghai.aliyuncs.com/ws/v1"
	DefaultFormat         = "pcm"
	DefaultSampleRate     = 16000
	DefaultVoice          = "zhimiao_emo"
	DefaultVolume         = 50
	DefaultConnectTimeout = 10 * time.Second
	DefaultIdleTimeout    = 30 * time.Second

	namespaceSynthesizer = "SpeechSynthesizer"
	nameStart            = "StartSynthesis"
	nameCompleted        = "SynthesisCompleted"
	nameFailed           = "TaskFailed"
	frameBacklog         = 32
)

var (
	// ErrMissingAppKey indicates that no NLS app key is configured.
	ErrMissingAppKey = errors.New("aliyun app key is required")
	// ErrEmptyText indicates that there is nothing to synthesize.
	ErrEmptyText = errors.New("text to synthesize is empty")
	// ErrConnect indicates that the gateway could not be reached.
	ErrConnect = errors.New("aliyun synthesis connection failed")
	// ErrTaskFailed indicates that the gateway reported TaskFailed.
	ErrTaskFailed = errors.New("aliyun synthesis task failed")
	// ErrNoAudio indicates that synthesis completed without sending audio.
	ErrNoAudio = errors.New("no audio data received")
	// ErrStreamClosed is returned by Recv after Close.
	ErrStreamClosed = errors.New("synthesis stream closed")
)

// TokenSource supplies NLS access tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// SynthesisConfig holds the gateway location and voice parameters.
type SynthesisConfig struct {
	AppKey         string
	GatewayURL     string
	Format         string
	SampleRate     int
	Voice          string
	Volume         int
	SpeechRate     int
	PitchRate      int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

type messageHeader struct {
	MessageID  string `json:"message_id"`
	TaskID     string `json:"task_id"`
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	AppKey     string `json:"appkey,omitempty"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

type startPayload struct {
	Text                           string `json:"text"`
	Format                         string `json:"format"`
	SampleRate                     int    `json:"sample_rate"`
	Voice                          string `json:"voice"`
	Volume                         int    `json:"volume"`
	SpeechRate                     int    `json:"speech_rate"`
	PitchRate                      int    `json:"pitch_rate"`
	EnableSubtitle                 bool   `json:"enable_subtitle"`
	EnablePunctuationPrediction    bool   `json:"enable_punctuation_prediction"`
	EnableInverseTextNormalization bool   `json:"enable_inverse_text_normalization"`
}

type message struct {
	Header  messageHeader   `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Synthesizer implements core.Synthesizer on the NLS websocket gateway.
type Synthesizer struct {
	cfg    SynthesisConfig
	tokens TokenSource
	dialer *websocket.Dialer
	log    *logger.Logger
}

// NewSynthesizer fills in defaults and validates cfg.
func NewSynthesizer(cfg SynthesisConfig, tokens TokenSource, log *logger.Logger) (*Synthesizer, error) {
	if cfg.AppKey == "" {
		return nil, ErrMissingAppKey
	}

	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultGatewayURL
	}

	if cfg.Format == "" {
		cfg.Format = DefaultFormat
	}

	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}

	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}

	if cfg.Volume <= 0 {
		cfg.Volume = DefaultVolume
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	return &Synthesizer{
		cfg:    cfg,
		tokens: tokens,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		log:    log,
	}, nil
}

// Format returns the encoded format the gateway is asked to produce.
func (s *Synthesizer) Format() string {
	return s.cfg.Format
}

// SampleRate returns the sample rate the gateway is asked to produce.
func (s *Synthesizer) SampleRate() int {
	return s.cfg.SampleRate
}

// Synthesize opens a gateway connection and starts synthesizing text. An empty
// voice selects the configured default. The returned stream yields binary audio
// frames as they arrive and io.EOF after SynthesisCompleted.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) (core.AudioStream, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	if voice == "" {
		voice = s.cfg.Voice
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	gateway, err := url.Parse(s.cfg.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid gateway url: %w", ErrConnect, err)
	}

	query := gateway.Query()
	query.Set("token", token)
	gateway.RawQuery = query.Encode()

	dialCtx, cancelDial := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancelDial()

	conn, _, err := s.dialer.DialContext(dialCtx, gateway.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	taskID := newID()

	start := struct {
		Header  messageHeader `json:"header"`
		Payload startPayload  `json:"payload"`
	}{
		Header: messageHeader{
			MessageID: newID(),
			TaskID:    taskID,
			Namespace: namespaceSynthesizer,
			Name:      nameStart,
			AppKey:    s.cfg.AppKey,
		},
		Payload: startPayload{
			Text:                           text,
			Format:                         s.cfg.Format,
			SampleRate:                     s.cfg.SampleRate,
			Voice:                          voice,
			Volume:                         s.cfg.Volume,
			SpeechRate:                     s.cfg.SpeechRate,
			PitchRate:                      s.cfg.PitchRate,
			EnableSubtitle:                 false,
			EnablePunctuationPrediction:    true,
			EnableInverseTextNormalization: true,
		},
	}

	writeErr := conn.WriteJSON(start)
	if writeErr != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("%w: sending %s: %w", ErrConnect, nameStart, writeErr)
	}

	s.log.Info("NLS task %s started: %d characters, voice %s, %s", taskID, len([]rune(text)), voice, s.cfg.Format)

	stream := &synthesisStream{
		conn:        conn,
		taskID:      taskID,
		idleTimeout: s.cfg.IdleTimeout,
		log:         s.log,
		frames:      make(chan []byte, frameBacklog),
		closed:      make(chan struct{}),
	}

	go stream.readLoop()

	return stream, nil
}

// synthesisStream adapts one gateway connection to core.AudioStream. A reader
// goroutine owns the connection's read side.
type synthesisStream struct {
	conn        *websocket.Conn
	taskID      string
	idleTimeout time.Duration
	log         *logger.Logger

	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	finalErr error
}

// Recv implements core.AudioStream.
func (s *synthesisStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-s.frames:
		if ok {
			return frame, nil
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		return nil, s.finalErr
	case <-s.closed:
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements core.AudioStream.
func (s *synthesisStream) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.conn.Close()
	})

	if closeErr != nil && !errors.Is(closeErr, io.EOF) {
		return fmt.Errorf("closing NLS connection: %w", closeErr)
	}

	return nil
}

func (s *synthesisStream) readLoop() {
	received := 0

	finish := func(err error) {
		s.mu.Lock()
		s.finalErr = err
		s.mu.Unlock()
		close(s.frames)
	}

	for {
		deadlineErr := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		if deadlineErr != nil {
			finish(fmt.Errorf("setting read deadline: %w", deadlineErr))

			return
		}

		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				finish(ErrStreamClosed)
			default:
				finish(fmt.Errorf("reading NLS task %s: %w", s.taskID, err))
			}

			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			received += len(payload)

			select {
			case s.frames <- payload:
			case <-s.closed:
				finish(ErrStreamClosed)

				return
			}
		case websocket.TextMessage:
			var control message

			jsonErr := json.Unmarshal(payload, &control)
			if jsonErr != nil {
				s.log.Warn("NLS task %s: ignoring malformed control message: %v", s.taskID, jsonErr)

				continue
			}

			switch control.Header.Name {
			case nameCompleted:
				if received == 0 {
					finish(fmt.Errorf("NLS task %s: %w", s.taskID, ErrNoAudio))

					return
				}

				s.log.Info("NLS task %s completed: %s of audio", s.taskID, humanize.IBytes(uint64(received)))
				finish(io.EOF)

				return
			case nameFailed:
				finish(fmt.Errorf("%w: task %s: status %d: %s",
					ErrTaskFailed, s.taskID, control.Header.Status, control.Header.StatusText))

				return
			}
		}
	}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
