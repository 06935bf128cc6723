// Command btcapture runs the capture recorder: it talks to a serial-over-BLE
// peripheral (or a simulated one), stages what the device sends until the
// operator labels it, and serves the captures over HTTP and MCP.
//
// Usage:
//
//	btcapture                          # simulator, btcapture.db, :8080
//	CONFIG=btcapture.yaml btcapture    # run with a config file
//	MCP_TRANSPORT=stdio btcapture      # also serve MCP tools on stdin/stdout
//
// Environment: CONFIG, LISTEN, DB_PATH, ADAPTER, LOG_LEVEL, MCP_TRANSPORT,
// OPERATOR_USERNAME, OPERATOR_PASSWORD, SESSION_SECRET.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/net/netutil"

	"github.com/hazyhaar/btcapture/recorder"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("btcapture: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := loadConfig(os.Getenv("CONFIG"))
	if err != nil {
		return err
	}

	adapter, err := recorder.NewAdapter(cfg, logger)
	if err != nil {
		return fmt.Errorf("adapter: %w", err)
	}

	rec, err := recorder.New(ctx, cfg, adapter, recorder.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer rec.Close()
	rec.Start(ctx)

	if os.Getenv("MCP_TRANSPORT") == "stdio" {
		srv := mcp.NewServer(&mcp.Implementation{Name: "btcapture", Version: "1.0.0"}, nil)
		rec.RegisterMCP(srv)
		go func() {
			logger.Info("btcapture: MCP on stdio")
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("btcapture: MCP stdio", "error", err)
			}
		}()
	}

	router, rl := rec.Router()
	rl.StartReloader(ctx)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ln = netutil.LimitListener(ln, cfg.MaxConns)

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("btcapture: listening", "addr", ln.Addr().String(), "max_conns", cfg.MaxConns)
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("btcapture: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("btcapture: shutdown", "error", err)
	}
	return nil
}

func loadConfig(path string) (*recorder.Config, error) {
	cfg := &recorder.Config{}
	if path != "" {
		var err error
		if cfg, err = recorder.LoadConfigFile(path); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
