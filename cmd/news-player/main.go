// Command news-player reads the daily news digest aloud from a news-digest service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/news-digest/internal/audio"
	"github.com/book-expert/news-digest/internal/playback"
	"github.com/book-expert/news-digest/internal/tts"
	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

const (
	logFileName = "news-player.log"
	dateLayout  = "2006/01/02"
)

// Flag names.
const (
	flagServer    = "server"
	flagVoice     = "voice"
	flagThreshold = "threshold"
	flagOutput    = "output"
	flagPlayers   = "players"
	flagLogDir    = "log-dir"
	flagDate      = "date"
	flagKeywords  = "keywords"
	flagKeyword   = "keyword"
)

// settings are the player defaults. Environment variables seed them and flags
// override them.
type settings struct {
	ServerURL string        `env:"NEWS_DIGEST_SERVER_URL" envDefault:"http://localhost:8080"`
	Voice     string        `env:"NEWS_DIGEST_VOICE"`
	Threshold int           `env:"NEWS_DIGEST_CHUNK_THRESHOLD" envDefault:"8192"`
	Output    string        `env:"NEWS_DIGEST_AUDIO_OUTPUT" envDefault:"auto"`
	Players   []string      `env:"NEWS_DIGEST_PLAYERS" envSeparator:","`
	LogDir    string        `env:"NEWS_DIGEST_LOG_DIR"`
	Timeout   time.Duration `env:"NEWS_DIGEST_TIMEOUT" envDefault:"30s"`
}

func loadSettings() (settings, error) {
	loaded, err := env.ParseAs[settings]()
	if err != nil {
		return settings{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	if loaded.LogDir == "" {
		loaded.LogDir = os.TempDir()
	}

	return loaded, nil
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	settings settings
	log      *logger.Logger
	client   *tts.Client
}

func newRootCommand(defaults settings) *cobra.Command {
	a := &app{settings: defaults}

	root := &cobra.Command{
		Use:           "news-player",
		Short:         "Listen to the daily news digest",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return a.open()
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.settings.ServerURL, flagServer, defaults.ServerURL, "news-digest service URL")
	flags.StringVar(&a.settings.LogDir, flagLogDir, defaults.LogDir, "directory for the player log")
	flags.DurationVar(&a.settings.Timeout, "timeout", defaults.Timeout, "timeout for JSON requests")

	root.AddCommand(
		newPlayCommand(a),
		newSayCommand(a),
		newKeywordsCommand(a),
		newNewsCommand(a),
		newHealthCommand(a),
	)

	return root
}

func (a *app) open() error {
	log, err := logger.New(a.settings.LogDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.log = log
	a.client = tts.NewClient(a.settings.ServerURL, a.settings.Timeout)

	return nil
}

func (a *app) close() error {
	if a.log == nil {
		return nil
	}

	return a.log.Close()
}

func addPlaybackFlags(cmd *cobra.Command, a *app) {
	flags := cmd.Flags()
	flags.StringVar(&a.settings.Voice, flagVoice, a.settings.Voice, "voice to narrate with (service default when empty)")
	flags.IntVar(&a.settings.Threshold, flagThreshold, a.settings.Threshold, "bytes buffered before each decode")
	flags.StringVar(&a.settings.Output, flagOutput, a.settings.Output,
		fmt.Sprintf("audio output: %s, %s or %s", audio.OutputAuto, audio.OutputDevice, audio.OutputCommand))
	flags.StringSliceVar(&a.settings.Players, flagPlayers, a.settings.Players, "external players to try, in order")
}

func newPlayCommand(a *app) *cobra.Command {
	var (
		date        string
		keywordList []string
	)

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Read the summaries of a day aloud",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.playDigest(cmd.Context(), cmd.OutOrStdout(), date, keywordList)
		},
	}

	cmd.Flags().StringVar(&date, flagDate, time.Now().Format(dateLayout), "digest date")
	cmd.Flags().StringSliceVar(&keywordList, flagKeywords, nil, "only these keywords (all when empty)")
	addPlaybackFlags(cmd, a)

	return cmd
}

func newSayCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "say TEXT",
		Short: "Narrate arbitrary text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.say(cmd.Context(), args[0])
		},
	}

	addPlaybackFlags(cmd, a)

	return cmd
}

func newKeywordsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "keywords",
		Short: "List keywords by category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			categories, err := a.client.Categories(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list keywords: %w", err)
			}

			out := cmd.OutOrStdout()

			for _, category := range categories {
				fmt.Fprintf(out, "%s\n", category.Name)

				for _, keyword := range category.Keywords {
					fmt.Fprintf(out, "  %s\n", keyword)
				}
			}

			return nil
		},
	}
}

func newNewsCommand(a *app) *cobra.Command {
	var date, keyword string

	cmd := &cobra.Command{
		Use:   "news",
		Short: "List the source articles behind a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			links, err := a.client.News(cmd.Context(), date, keyword)
			if err != nil {
				return fmt.Errorf("failed to list news: %w", err)
			}

			for _, link := range links {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n  %s\n", link.Title, link.Link)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&date, flagDate, time.Now().Format(dateLayout), "digest date")
	cmd.Flags().StringVar(&keyword, flagKeyword, "", "keyword of the summary")
	_ = cmd.MarkFlagRequired(flagKeyword)

	return cmd
}

func newHealthCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the service is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.client.HealthCheck(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "news-digest service is healthy")

			return nil
		},
	}
}

func main() {
	defaults, err := loadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = newRootCommand(defaults).ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// playbackConfig is the queue configuration for the current settings.
// playback.New rejects a threshold that is not positive.
func (a *app) playbackConfig() playback.Config {
	return playback.Config{ChunkThreshold: a.settings.Threshold}
}
