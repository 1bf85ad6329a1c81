package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/book-expert/news-digest/internal/audio"
	"github.com/book-expert/news-digest/internal/feishu"
	"github.com/book-expert/news-digest/internal/playback"
	"github.com/book-expert/news-digest/internal/tts"
	"github.com/dustin/go-humanize"
)

// player reuses one queue, and so one audio output, for as long as consecutive
// responses share a format and PCM layout.
type player struct {
	app    *app
	queue  *playback.Queue
	format audio.Format
	spec   audio.Spec
}

func (p *player) play(ctx context.Context, speech *tts.Speech) error {
	if p.queue == nil || p.format != speech.Format || p.spec != speech.Spec {
		closeErr := p.close()
		if closeErr != nil {
			p.app.log.Warn("Closing previous audio output: %v", closeErr)
		}

		queue, err := p.app.newQueue(speech.Format, speech.Spec)
		if err != nil {
			_ = speech.Stream.Close()

			return err
		}

		p.queue, p.format, p.spec = queue, speech.Format, speech.Spec
	}

	stream := speech.Stream
	if speech.Format == audio.FormatPCM {
		stream = audio.AlignStream(stream, speech.Spec.FrameSize())
	}

	session := p.queue.Start(ctx, stream)

	err := session.Wait(ctx)
	if err != nil {
		return err
	}

	stats := session.Stats()
	p.app.log.Info("Session %s played %d buffers (%s) from %s",
		session.ID(), stats.Played, stats.Duration, humanize.IBytes(uint64(stats.BytesReceived)))

	return nil
}

func (p *player) close() error {
	if p.queue == nil {
		return nil
	}

	queue := p.queue
	p.queue = nil

	return queue.Close()
}

func (a *app) newQueue(format audio.Format, spec audio.Spec) (*playback.Queue, error) {
	cfg := a.playbackConfig()

	cfgErr := cfg.Validate()
	if cfgErr != nil {
		return nil, cfgErr
	}

	decoder, err := audio.NewDecoder(format, spec)
	if err != nil {
		return nil, fmt.Errorf("no decoder for %s audio: %w", format, err)
	}

	sink, err := audio.SelectSink(audio.SinkConfig{
		Output:  a.settings.Output,
		Spec:    spec,
		Players: a.settings.Players,
	}, a.log)
	if err != nil {
		return nil, err
	}

	queue, err := playback.New(cfg, decoder, sink, a.log)
	if err != nil {
		_ = sink.Close()

		return nil, err
	}

	return queue, nil
}

// playDigest narrates every summary of date in order, announcing the keyword
// before each one.
func (a *app) playDigest(ctx context.Context, out io.Writer, date string, keywordList []string) error {
	summaries, err := a.client.Summaries(ctx, date, keywordList)
	if err != nil {
		return fmt.Errorf("failed to fetch summaries for %s: %w", date, err)
	}

	if len(summaries) == 0 {
		fmt.Fprintf(out, "No summaries for %s\n", date)

		return nil
	}

	p := &player{app: a}

	defer func() {
		closeErr := p.close()
		if closeErr != nil {
			a.log.Warn("Closing audio output: %v", closeErr)
		}
	}()

	for index, summary := range summaries {
		fmt.Fprintf(out, "[%d/%d] %s\n", index+1, len(summaries), summary.Keyword)

		speakErr := a.speak(ctx, p, narrationText(summary))
		if speakErr != nil {
			if stopped(ctx, speakErr) {
				return nil
			}

			return fmt.Errorf("summary %q: %w", summary.Keyword, speakErr)
		}
	}

	return nil
}

func (a *app) say(ctx context.Context, text string) error {
	p := &player{app: a}

	defer func() {
		closeErr := p.close()
		if closeErr != nil {
			a.log.Warn("Closing audio output: %v", closeErr)
		}
	}()

	err := a.speak(ctx, p, text)
	if err != nil && !stopped(ctx, err) {
		return err
	}

	return nil
}

func (a *app) speak(ctx context.Context, p *player, text string) error {
	speech, err := a.client.Speech(ctx, text, a.settings.Voice)
	if err != nil {
		return err
	}

	return p.play(ctx, speech)
}

// narrationText is what gets read for a summary: the keyword as a heading,
// then the summary itself.
func narrationText(summary feishu.Summary) string {
	body := strings.TrimSpace(summary.Summary)
	if summary.Keyword == "" {
		return body
	}

	return summary.Keyword + "。" + body
}

// stopped reports whether err is the result of the user interrupting playback.
func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, playback.ErrStopped))
}
