/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/sonorium/internal/config"
	"github.com/friendsincode/sonorium/internal/logbuffer"
	"github.com/friendsincode/sonorium/internal/logging"
	"github.com/friendsincode/sonorium/internal/media"
	"github.com/friendsincode/sonorium/internal/server"
	"github.com/friendsincode/sonorium/internal/telemetry"
	"github.com/friendsincode/sonorium/internal/themes"
)

const version = "0.1.0"

var (
	logger zerolog.Logger
	cfg    *config.Config
	logBuf *logbuffer.Buffer
)

var rootCmd = &cobra.Command{
	Use:   "sonorium",
	Short: "Sonorium - Multi-zone ambient soundscape engine",
	Long:  "Sonorium mixes layered ambient themes into persistent MP3 streams, one per channel, for playback on networked speakers.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Sonorium engine",
	Long:  "Start the streaming engine and its HTTP control API",
	RunE:  runServe,
}

var themesCmd = &cobra.Command{
	Use:   "themes",
	Short: "List the themes and presets found under the themes root",
	RunE:  runThemes,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(themesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBuf = logbuffer.New(10000)
	logger = logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logBuf, nil))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().
		Int("sample_rate", cfg.SampleRate).
		Int("channels", cfg.Channels).
		Int("bitrate", cfg.Bitrate).
		Int("max_channels", cfg.MaxChannels).
		Msg("Sonorium starting")

	tracing, err := telemetry.StartTracing(context.Background(), telemetry.TracingConfig{
		Service:    "sonorium",
		Version:    version,
		Endpoint:   cfg.OTLPEndpoint,
		Enabled:    cfg.TracingEnabled,
		SampleRate: cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	srv, err := server.New(cfg, logBuf, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-quit:
	}

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("Sonorium stopped")
	return nil
}

func runThemes(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	supplier := themes.NewSupplier(cfg.ThemesRoot, logger)
	list, err := supplier.ListThemes()
	if err != nil {
		return fmt.Errorf("list themes: %w", err)
	}

	opener := media.NewOpener(cfg.SampleRate, cfg.Channels, cfg.DecodeOpenTimeout, logger)
	for _, ref := range list {
		files, _, err := supplier.Resolve(ref, "")
		if err != nil {
			fmt.Printf("%s: %v\n", ref, err)
			continue
		}
		fmt.Printf("%s (%d tracks)\n", ref, len(files))
		for _, f := range files {
			dur, err := opener.Duration(f.Path)
			if err != nil {
				fmt.Printf("  %s: %v\n", f.Path, err)
				continue
			}
			fmt.Printf("  %s (%s, mode=%s)\n", f.Path, dur.Round(time.Second), f.Settings.PlaybackMode)
		}
	}

	presets, err := supplier.ListPresets()
	if err != nil {
		return fmt.Errorf("list presets: %w", err)
	}
	if len(presets) > 0 {
		fmt.Println("presets:")
		for _, p := range presets {
			fmt.Printf("  %s\n", p)
		}
	}
	return nil
}
