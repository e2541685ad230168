// Command server runs the jeux game server: clients connect over TCP, log
// in as a named player, and challenge each other to games.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/udisondev/jeux/internal/config"
	"github.com/udisondev/jeux/internal/gameserver"
)

const defaultConfigPath = "config/server.yaml"

func main() {
	port := flag.Int("p", 0, "port to listen on (overrides config file)")
	configPath := flag.String("config", defaultConfigPath, "path to server config file")
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, *port); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, portOverride int) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if portOverride != 0 {
		cfg.Port = portOverride
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	srv := gameserver.NewServer(gameserver.Config{
		MaxClients:    cfg.MaxClients,
		SendQueueSize: cfg.SendQueueSize,
		WriteTimeout:  cfg.WriteTimeout,
		ReadTimeout:   cfg.ReadTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx, cfg.Addr())
	})

	g.Go(func() error {
		return watchSignals(gctx, srv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// watchSignals blocks until ctx is cancelled or a SIGHUP arrives. SIGHUP
// requests a graceful shutdown: stop admitting clients, wait for every
// connected session to drain, then return so the accept loop's errgroup
// unwinds cleanly.
func watchSignals(ctx context.Context, srv *gameserver.Server) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
		srv.Shutdown()
		return nil
	case <-ctx.Done():
		return nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
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
