// Command elproxyd runs the EchoLink proxy core: it loads a JSON
// configuration file, opens the fixed worker/slot pool, and serves
// connections until interrupted. Grounded on the karoo proxy's
// core/cmd/karoo/main.go (flag parsing, signal-driven graceful
// shutdown), with github.com/spf13/pflag in place of stdlib flag for
// GNU-style long/short flags.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/openelp/elproxy/internal/config"
	"github.com/openelp/elproxy/internal/proxy"
	"github.com/openelp/elproxy/pkg/logger"
)

// version is the build identifier reported by --version. Overridden at
// build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfgFile := pflag.StringP("config", "c", "config.json", "path to configuration file")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("elproxyd %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "elproxyd: loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "elproxyd: configuring logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	log.Ident(cfg.LogIdent)

	core, err := proxy.Open(cfg, log)
	if err != nil {
		log.Fatal("opening proxy core: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if cfg.MetricsListen != "" {
		go func() {
			if err := core.ServeMetrics(ctx, cfg.MetricsListen); err != nil {
				log.Warn("metrics server error: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		core.Start(ctx)
		errCh <- core.AcceptLoop(ctx)
	}()

	select {
	case <-sigCh:
		log.Info("shutting down on signal")
		cancel()
	case err := <-errCh:
		if err != nil {
			log.Error("accept loop exited: %v", err)
		}
		cancel()
	}

	time.Sleep(200 * time.Millisecond)
	if err := core.Close(); err != nil {
		log.Error("closing proxy core: %v", err)
	}
	log.Info("shutdown complete")
}

// newLogger builds a *logger.Logger from the config's LogLevel and
// LogMedium strings, the way the karoo proxy's loadConfig validates its own
// string-keyed fields before use.
func newLogger(cfg *config.Config) (*logger.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	medium, err := parseMedium(cfg.LogMedium)
	if err != nil {
		return nil, err
	}

	log := logger.New(level)
	if err := log.SelectMedium(medium, cfg.LogFile); err != nil {
		return nil, fmt.Errorf("selecting log medium: %w", err)
	}
	return log, nil
}

func parseLevel(s string) (logger.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return logger.DEBUG, nil
	case "INFO":
		return logger.INFO, nil
	case "WARN", "WARNING":
		return logger.WARN, nil
	case "ERROR":
		return logger.ERROR, nil
	case "FATAL":
		return logger.FATAL, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func parseMedium(s string) (logger.Medium, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return logger.MediumNone, nil
	case "stdout":
		return logger.MediumStdout, nil
	case "file":
		return logger.MediumFile, nil
	case "syslog":
		return logger.MediumSyslog, nil
	default:
		return 0, fmt.Errorf("unknown log medium %q", s)
	}
}
