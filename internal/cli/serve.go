package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendant/simple-recipe-pipeline/internal/app"
)

var addrOverride string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serves the recipe API. In standalone mode images are stored in an embedded
simple-content service under storage_dir; in worker mode they are read from the
simple-content HTTP API at content_api_url. Async runs need DBOS_SYSTEM_DATABASE_URL.`,
	Example: `  # Standalone with defaults
  recipe-pipeline serve

  # Worker against a running simple-content server
  RECIPE_MODE=worker CONTENT_API_URL=http://localhost:4000 recipe-pipeline serve --addr :8081`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&addrOverride, "addr", "", "HTTP listen address (overrides http_addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.HTTPAddr = addrOverride
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Recipe pipeline listening", "addr", cfg.HTTPAddr, "mode", cfg.Mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "server forced to shutdown: %v\n", err)
		return err
	}

	logger.Info("Server stopped")
	return nil
}
