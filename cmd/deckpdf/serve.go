package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"deckpdf/internal/export"
	"deckpdf/internal/preview"
	u "deckpdf/internal/utils"
)

func newServeCmd() *cobra.Command {
	var (
		dir  string
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the built deck site (used as the built-in preview server)",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg := u.GetConfig()
			if dir == "" {
				dir = cfg.Build.Dir
			}
			if host == "" {
				host = cfg.Preview.Host
			}
			if !export.BuildReady(dir) {
				return fmt.Errorf("build directory %s is missing or unreadable", dir)
			}

			app := preview.New(dir)
			return startServer(c.Context(), app, net.JoinHostPort(host, strconv.Itoa(port)))
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory to serve (default build.dir)")
	cmd.Flags().StringVar(&host, "host", "", "listen host (default preview.host)")
	cmd.Flags().IntVar(&port, "port", export.DefaultPort, "listen port")
	return cmd
}

// startServer runs app until ctx is done, then shuts it down gracefully.
// A listen failure such as a port already in use is returned immediately.
func startServer(ctx context.Context, app *fiber.App, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	u.Info("Preview server listening", "addr", addr)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("preview server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	u.Info("Shutdown signal received, closing preview server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		u.Error("Preview server forced to shutdown", "error", err)
	}

	u.Info("Preview server stopped cleanly")
	return nil
}
