// Package server exposes the digest tables and speech synthesis over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/audio"
	"github.com/book-expert/news-digest/internal/core"
	"github.com/book-expert/news-digest/internal/feishu"
	"github.com/book-expert/news-digest/internal/keywords"
	"github.com/book-expert/news-digest/internal/tts"
)

const (
	readHeaderTimeout = 10 * time.Second
	maxRequestBody    = 1 << 20
)

// Digest reads the bitable tables.
type Digest interface {
	KeywordRecords(ctx context.Context) ([]feishu.Record, error)
	Keywords(ctx context.Context) ([]string, error)
	SummaryRecords(ctx context.Context, date string, keywordList []string) ([]feishu.Record, error)
	Summaries(ctx context.Context, date string, keywordList []string) ([]feishu.Summary, error)
	NewsRecords(ctx context.Context, date, keyword string) ([]feishu.Record, error)
	News(ctx context.Context, date, keyword string) ([]feishu.NewsLink, error)
}

// Narrator streams synthesized speech.
type Narrator interface {
	Stream(ctx context.Context, text, voice string) (core.AudioStream, error)
	Format() audio.Format
}

// Config holds the HTTP surface settings.
type Config struct {
	AllowedOrigin string
	Voices        []string
	Categories    []keywords.Category
	Spec          audio.Spec
}

// Server serves the news-digest API.
type Server struct {
	cfg      Config
	digest   Digest
	narrator Narrator
	log      *logger.Logger
}

// New creates a server. The narrator may be nil, which disables /api/tts.
func New(cfg Config, digest Digest, narrator Narrator, log *logger.Logger) *Server {
	if cfg.Spec.SampleRate == 0 {
		cfg.Spec = audio.DefaultSpec()
	}

	return &Server{cfg: cfg, digest: digest, narrator: narrator, log: log}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/feishu", s.handleFeishu)
	mux.HandleFunc("GET "+tts.APIKeywords, s.handleKeywords)
	mux.HandleFunc("GET "+tts.APISummaries, s.handleSummaries)
	mux.HandleFunc("GET "+tts.APINews, s.handleNews)
	mux.HandleFunc("POST "+tts.APISpeech, s.handleSpeech)
	mux.HandleFunc("OPTIONS /api/", handlePreflight)
	mux.HandleFunc("GET "+tts.APIHealth, handleHealth)

	return s.logRequests(s.cors(mux))
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return s.Serve(ctx, listener, shutdownTimeout)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		// Requests outlive ctx so Shutdown can drain them.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	s.log.Info("HTTP server listening on %s", listener.Addr())

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		return fmt.Errorf("http server shutdown: %w", shutdownErr)
	}

	err := <-serveErr
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server stopped: %w", err)
	}

	s.log.Info("HTTP server stopped")

	return nil
}
