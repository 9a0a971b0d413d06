package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/conduit/pkg/gateway"
)

var serveShutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the WebSocket gateway",
	Long: `Serve the WebSocket gateway in the foreground.

Clients submit runs with agent.run over /ws, receive envelopes on the same
connection and answer tool approvals with approval.respond. /rpc accepts
the query methods over HTTP, /metrics exposes Prometheus metrics. Tool
defaults are reloaded when the config file changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for runs to wind down on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cmd)
}

// serve runs the gateway until ctx ends.
func serve(ctx context.Context, cmd *cobra.Command) error {
	rt, err := newApp(cmd, appOptions{console: true, watch: true})
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:              rt.cfg.Gateway.Host,
		Port:              rt.cfg.Gateway.Port,
		Orchestrator:      rt.orch,
		SendBuffer:        rt.cfg.Gateway.SendBuffer,
		RequestsPerMinute: rt.cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     rt.cfg.Gateway.MaxConcurrent,
		Logger:            log.Logger,
	})
	if err != nil {
		rt.Close(context.Background())
		return err
	}

	if err := server.Start(); err != nil {
		rt.Close(context.Background())
		return err
	}

	pidFile := pidFilePath(rt.cfg.DataDir)
	if err := writePIDFile(pidFile); err != nil {
		log.Warn().Err(err).Str("path", pidFile).Msg("Failed to write PID file")
	}
	defer os.Remove(pidFile)

	fmt.Fprintf(cmd.ErrOrStderr(), "Conduit gateway listening on %s\n", server.Addr())

	<-ctx.Done()
	log.Info().Msg("Shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := server.Stop(shutdownCtx); err != nil {
		firstErr = err
	}
	if err := rt.Close(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "conduit.pid")
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// readPIDFile returns the pid recorded in path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// isRunning reports whether the process recorded in pidFile is alive.
func isRunning(pidFile string) bool {
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0
	return process.Signal(syscall.Signal(0)) == nil
}
