// Command potbroker runs the POT-minting broker's HTTP surface. Flag
// registration and dispatch follow the shape of the teacher's
// cmd/ytdlp/main.go (one var per flag, parse, validate, dispatch).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ytget/potbroker/internal/config"
	"github.com/ytget/potbroker/internal/httpapi"
	"github.com/ytget/potbroker/internal/logger"
	"github.com/ytget/potbroker/internal/session"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run implements the server subcommand and returns the process exit code:
// 0 normal, 1 configuration error, 2 bind failure (spec.md §6).
func run(args []string) int {
	if len(args) == 0 || args[0] != "server" {
		fmt.Fprintln(os.Stderr, "usage: potbroker server [flags]")
		return 1
	}

	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(fs, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logCfg := logger.DefaultConfig()
	if lvl, lerr := parseLevel(cfg.LogLevel); lerr == nil {
		logCfg.Level = lvl
	}
	logger.SetGlobalLogger(logger.New(logCfg))
	log := logger.WithComponent(logger.ComponentApp)

	httpapi.Version = version

	manager, err := session.NewManager(session.Options{
		TokenTTL:     cfg.TokenTTL,
		MaxEntries:   cfg.MaxCacheEntries,
		SafetyMargin: cfg.SafetyMargin,
		VMTimeout:    cfg.VMTimeout,
		FileCacheDir: cfg.CacheDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialize session manager: %v\n", err)
		return 1
	}

	server := httpapi.NewServer(manager)
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bind %s: %v\n", addr, err)
		return 2
	}

	httpServer := &http.Server{
		Handler:      server,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", map[string]interface{}{"addr": addr})
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			return 1
		}
	}

	return 0
}

func parseLevel(s string) (logger.Level, error) {
	switch s {
	case "TRACE":
		return logger.TRACE, nil
	case "DEBUG":
		return logger.DEBUG, nil
	case "INFO":
		return logger.INFO, nil
	case "WARN", "WARNING":
		return logger.WARN, nil
	case "ERROR":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("unknown level %q", s)
	}
}
