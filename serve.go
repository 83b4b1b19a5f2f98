package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kartoza/policy-proof/internal/server"
	"github.com/kartoza/policy-proof/internal/telemetry"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort > 0 {
			cfg.Server.Port = servePort
		}

		// Find an available port (try up to 10 ports starting from the requested one)
		availablePort, err := findAvailablePort(cfg.Server.Port, 10)
		if err != nil {
			return err
		}
		if availablePort != cfg.Server.Port {
			zap.L().Warn("Port in use, using another",
				zap.Int("requested", cfg.Server.Port), zap.Int("port", availablePort))
			cfg.Server.Port = availablePort
		}

		shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
			Enabled:     cfg.Tracing.Enabled,
			ServiceName: "policy-proof",
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRatio: cfg.Tracing.SampleRatio,
		}, version)
		if err != nil {
			return err
		}
		// The signal context is already done by the time this runs.
		defer telemetry.Shutdown(context.Background(), shutdownTracing)

		components, err := server.OpenComponents(*cfg, nil)
		if err != nil {
			return err
		}
		defer components.Close()

		srv, err := server.New(*cfg, components)
		if err != nil {
			return err
		}

		zap.L().Info("Policy Proof starting",
			zap.String("version", version),
			zap.Int("port", cfg.Server.Port),
		)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		waitForServer(fmt.Sprintf("localhost:%d", cfg.Server.Port), 10*time.Second)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "serve: listen")
			}
			return nil
		case <-ctx.Done():
			zap.L().Info("Shutdown signal received, draining connections")
			if err := srv.Stop(); err != nil {
				zap.L().Error("Error during shutdown", zap.Error(err))
				return err
			}
			return nil
		}
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// waitForServer polls until the server is accepting connections
func waitForServer(addr string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			zap.L().Info("Server ready", zap.String("url", "http://"+addr))
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	zap.L().Warn("Server may not be ready", zap.String("addr", addr))
}

// findAvailablePort finds an available port, starting from the given port.
// If the port is in use, it tries subsequent ports up to maxAttempts times.
func findAvailablePort(startPort int, maxAttempts int) (int, error) {
	for i := 0; i < maxAttempts; i++ {
		port := startPort + i
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			listener.Close()
			return port, nil
		}
	}
	return 0, eris.Errorf("serve: no available port found after %d attempts starting from %d", maxAttempts, startPort)
}
