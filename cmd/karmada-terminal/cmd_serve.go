package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/karmada-io/karmada-terminal/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development terminal backend",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "Listen port (default from PORT)")
	serveCmd.Flags().String("connector", "", "Shell connector: local or kube")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if v, _ := cmd.Flags().GetInt("port"); v > 0 {
		cfg.Port = v
	}
	if v, _ := cmd.Flags().GetString("connector"); v != "" {
		cfg.ShellConnector = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Info().
		Str("version", cfg.Version).
		Str("env", cfg.Env).
		Str("connector", cfg.ShellConnector).
		Msg("Starting terminal backend")

	// Create server
	srv, err := server.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	// Start server in goroutine
	errc := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info().Str("addr", addr).Msg("HTTP server listening")

		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	select {
	case <-quit:
	case err := <-errc:
		return fmt.Errorf("HTTP server error: %w", err)
	}

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
	return nil
}
