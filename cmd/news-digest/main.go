// main package for the news-digest service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/aliyun"
	"github.com/book-expert/news-digest/internal/config"
	"github.com/book-expert/news-digest/internal/core"
	"github.com/book-expert/news-digest/internal/feishu"
	"github.com/book-expert/news-digest/internal/objectstore"
	"github.com/book-expert/news-digest/internal/server"
	"github.com/book-expert/news-digest/internal/tts"
	"github.com/book-expert/news-digest/internal/worker"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	bootstrapLogFile = "news-digest-bootstrap.log"
	serviceLogFile   = "news-digest.log"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func run() error {
	// 1. Bootstrap logger until the configured log directory is known
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Configuration file, environment overrides, defaults
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Final logger
	log, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

// serve wires the bitable client, the speech engine and, when NATS is
// configured, the audio cache and narration worker, then runs until ctx ends.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	digest, err := feishu.NewClient(cfg.FeishuClient(), log)
	if err != nil {
		return fmt.Errorf("failed to create feishu client: %w", err)
	}

	tokens, err := aliyun.NewTokenProvider(cfg.TokenConfig(), http.DefaultClient, log)
	if err != nil {
		return fmt.Errorf("failed to create nls token provider: %w", err)
	}

	synthesizer, err := aliyun.NewSynthesizer(cfg.SynthesisConfig(), tokens, log)
	if err != nil {
		return fmt.Errorf("failed to create synthesizer: %w", err)
	}

	var (
		natsConnection *nats.Conn
		audioStore     *objectstore.NatsObjectStore
		cache          core.ObjectStore
	)

	if cfg.NATSEnabled() {
		natsConnection, audioStore, err = connectNATS(cfg, log)
		if err != nil {
			return err
		}
		defer natsConnection.Close()

		cache = audioStore
	} else {
		log.Warn("NATS is not configured; audio cache and narration worker are disabled")
	}

	engine, err := tts.NewEngine(cfg.EngineConfig(), synthesizer, cache, log)
	if err != nil {
		return fmt.Errorf("failed to create speech engine: %w", err)
	}

	api := server.New(server.Config{
		AllowedOrigin: cfg.Server.AllowedOrigin,
		Voices:        cfg.Aliyun.Voices,
		Categories:    cfg.Keywords.Categories,
		Spec:          cfg.AudioSpec(),
	}, digest, engine, log)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return api.Run(groupCtx, cfg.Server.Addr, cfg.ShutdownTimeout())
	})

	if natsConnection != nil {
		narrationWorker, workerErr := worker.NewNatsWorker(natsConnection, worker.Config{
			Subject:    cfg.NATS.NarrationSubject,
			Voices:     cfg.Aliyun.Voices,
			JobTimeout: cfg.JobTimeout(),
		}, audioStore, engine, log)
		if workerErr != nil {
			return fmt.Errorf("failed to create narration worker: %w", workerErr)
		}

		group.Go(func() error {
			return narrationWorker.Run(groupCtx)
		})
	}

	log.System("News-digest service started on %s (speech format %s)", cfg.Server.Addr, engine.Format())

	waitErr := group.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		log.Error("News-digest service stopped: %v", waitErr)

		return waitErr
	}

	log.System("News-digest service stopped")

	return nil
}

func connectNATS(cfg *config.Config, log *logger.Logger) (*nats.Conn, *objectstore.NatsObjectStore, error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name("news-digest"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	audioStore, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to open audio bucket: %w", err)
	}

	log.Info("Connected to NATS at %s, audio bucket %s", natsConnection.ConnectedUrl(), audioStore.Bucket())

	return natsConnection, audioStore, nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
