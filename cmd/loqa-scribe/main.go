package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-scribe/internal/capture/portaudio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	configPath string
	cfg        config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "loqa-scribe",
	Short: "Local live transcription with a waveform view",
	Long: `loqa-scribe captures microphone audio, transcribes it continuously and
serves the running transcript and waveform over HTTP and websocket.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transcription runtime",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt := runtime.New(cfg, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := rt.Start(ctx); err != nil {
			logger.Error("runtime exited with error", slog.String("error", err.Error()))
			return err
		}
		logger.Info("shutdown complete")
		return nil
	},
}

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the selectable recognition languages",
	RunE: func(cmd *cobra.Command, _ []string) error {
		languages := cfg.STT.Languages
		if len(languages) == 0 {
			languages = stt.Languages
		}
		for _, tag := range languages {
			marker := " "
			if tag == cfg.STT.Language {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, tag)
		}
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE: func(cmd *cobra.Command, _ []string) error {
		devices, err := portaudio.Devices()
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		for _, d := range devices {
			marker := " "
			if d.Default {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d ch, %.0f Hz)\n", marker, d.Name, d.Channels, d.DefaultSampleRate)
		}
		return nil
	},
}

var (
	exportURL string
	exportOut string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Save the finalized transcript from a running server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		base := exportURL
		if base == "" {
			base = fmt.Sprintf("http://%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/v1/transcript", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetch transcript: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch transcript: unexpected status %s", resp.Status)
		}
		text, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}
		if exportOut == "" || exportOut == "-" {
			_, err = cmd.OutOrStdout().Write(text)
			return err
		}
		if err := transcript.ExportFile(exportOut, string(text)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", exportOut)
		return nil
	},
}

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions [session-id]",
	Short: "List recorded sessions or print one session's transcript",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.EventStore.Enabled {
			return errors.New("event store is disabled")
		}
		store, err := eventstore.Open(cmd.Context(), cfg.EventStore, logger)
		if err != nil {
			return fmt.Errorf("failed to open event store: %w", err)
		}
		defer store.Close()

		out := cmd.OutOrStdout()
		if len(args) == 1 {
			text, err := store.SessionTranscript(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = io.WriteString(out, text+"\n")
			return err
		}
		sessions, err := store.ListSessions(cmd.Context(), sessionsLimit)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			ended := "open"
			if !s.EndedAt.IsZero() {
				ended = s.EndedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", s.ID, s.Language, s.StartedAt.Format(time.RFC3339), ended)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and exit",
	// version needs no config
	PersistentPreRun: func(*cobra.Command, []string) {},
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	exportCmd.Flags().StringVar(&exportURL, "url", "", "Base URL of a running server (defaults to the configured HTTP address)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file, - for stdout")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum sessions to list")
	rootCmd.AddCommand(serveCmd, languagesCmd, devicesCmd, exportCmd, sessionsCmd, versionCmd)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
