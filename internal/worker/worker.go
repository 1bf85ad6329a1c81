// Package worker provides a NATS worker that renders narration jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/audio"
	"github.com/book-expert/news-digest/internal/core"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const defaultJobTimeout = 2 * time.Minute

// ErrorHeader carries the failure reason on an error reply.
const ErrorHeader = "News-Digest-Error"

var (
	// ErrSubjectEmpty indicates that no subject was configured.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	// ErrTextKeyEmpty indicates that the job does not name its text object.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrTextEmpty indicates that the text object holds no text.
	ErrTextEmpty = errors.New("text to narrate is empty")
	// ErrUnsupportedVoice indicates that the requested voice is not allowed.
	ErrUnsupportedVoice = errors.New("unsupported voice")
)

// Narrator renders text as encoded audio.
type Narrator interface {
	Render(ctx context.Context, text, voice string) ([]byte, error)
	Format() audio.Format
}

// Config holds the subject and job limits of the worker.
type Config struct {
	Subject    string
	Voices     []string
	JobTimeout time.Duration
}

// NatsWorker listens for narration jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	cfg            Config
	store          core.ObjectStore
	narrator       Narrator
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	cfg Config,
	store core.ObjectStore,
	narrator Narrator,
	log *logger.Logger,
) (*NatsWorker, error) {
	if cfg.Subject == "" {
		return nil, ErrSubjectEmpty
	}

	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		cfg:            cfg,
		store:          store,
		narrator:       narrator,
		log:            log,
	}, nil
}

// Run subscribes and processes messages until ctx is cancelled, then drains the
// subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.cfg.Subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.cfg.Subject, err)
	}

	w.log.Info("Listening for narration jobs on %s", w.cfg.Subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.JobTimeout)
	defer cancel()

	event, err := w.parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse event: %v", err)
		w.replyError(msg, err)

		return
	}

	audioKey, processErr := w.processNarrationJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to process narration job for workflow %s: %v", event.Header.WorkflowID, processErr)
		w.replyError(msg, processErr)

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processNarrationJob downloads the text, renders it and uploads the audio.
func (w *NatsWorker) processNarrationJob(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	validationErr := w.validateVoice(event.Voice)
	if validationErr != nil {
		return "", validationErr
	}

	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	if strings.TrimSpace(string(textData)) == "" {
		return "", fmt.Errorf("%w: key '%s'", ErrTextEmpty, event.TextKey)
	}

	audioData, err := w.narrator.Render(ctx, string(textData), event.Voice)
	if err != nil {
		return "", fmt.Errorf("failed to narrate text: %w", err)
	}

	audioKey := uuid.NewString() + "." + string(w.narrator.Format())

	err = w.store.Upload(ctx, audioKey, audioData)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	w.log.Info("Workflow %s: narrated %s into %s (%s)",
		event.Header.WorkflowID, event.TextKey, audioKey, humanize.IBytes(uint64(len(audioData))))

	return audioKey, nil
}

// publishReplyEvent marshals and responds with the AudioChunkCreatedEvent.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

// replyError answers a request with an empty body and the failure in ErrorHeader.
func (w *NatsWorker) replyError(msg *nats.Msg, cause error) {
	if msg.Reply == "" {
		return
	}

	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set(ErrorHeader, cause.Error())

	err := msg.RespondMsg(reply)
	if err != nil {
		w.log.Warn("Failed to send error reply: %v", err)
	}
}

func (w *NatsWorker) parseEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.TextKey == "" {
		return nil, ErrTextKeyEmpty
	}

	return &event, nil
}

// validateVoice accepts an empty voice, which selects the default, and any voice
// on the allow-list. An empty allow-list accepts every voice.
func (w *NatsWorker) validateVoice(voice string) error {
	if voice == "" || len(w.cfg.Voices) == 0 {
		return nil
	}

	if !slices.Contains(w.cfg.Voices, voice) {
		return fmt.Errorf("%w: '%s'", ErrUnsupportedVoice, voice)
	}

	return nil
}
