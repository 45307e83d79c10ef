// Package main implements the snell-server CLI.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/icpz/open-snell/internal/applog"
	"github.com/icpz/open-snell/internal/config"
	"github.com/icpz/open-snell/internal/metrics"
	"github.com/icpz/open-snell/internal/netx"
	"github.com/icpz/open-snell/internal/obfs"
	"github.com/icpz/open-snell/internal/resolver"
	"github.com/icpz/open-snell/internal/server"
	"github.com/icpz/open-snell/internal/session"
	"github.com/icpz/open-snell/internal/snellcipher"
)

// CLI defines the command-line interface.
var CLI struct {
	Listen      string `short:"l" help:"Address to listen on (ip:port or [ipv6]:port)"`
	PSK         string `short:"k" help:"Pre-shared key"`
	Obfs        string `short:"o" help:"Obfuscation mode: http, tls, or empty for none"`
	ObfsHost    string `help:"Host to present in the obfuscation handshake" default:""`
	Config      string `short:"c" help:"Path to an INI config file" type:"existingfile"`
	LogLevel    string `help:"Log level: trace, debug, info, warn, error" default:"info"`
	MetricsAddr string `help:"Address to serve Prometheus metrics on (empty disables)"`
	DNSServer   string `help:"Upstream DNS server (host:port) to resolve targets against, bypassing the host resolver"`
}

func main() {
	kong.Parse(&CLI,
		kong.Name("snell-server"),
		kong.Description("Snell protocol tunnel server"),
		kong.UsageOnError(),
	)

	var file *config.File
	if CLI.Config != "" {
		var err error
		file, err = config.LoadFile(CLI.Config)
		if err != nil {
			applog.Fatal().Err(err).Msg("failed to load config file")
			os.Exit(1)
		}
	} else {
		file = &config.File{}
	}

	cfg, err := config.Merge(file, config.Flags{
		Listen:      CLI.Listen,
		PSK:         CLI.PSK,
		Obfs:        CLI.Obfs,
		ObfsHost:    CLI.ObfsHost,
		LogLevel:    CLI.LogLevel,
		MetricsAddr: CLI.MetricsAddr,
		DNSServer:   CLI.DNSServer,
	})
	if err != nil {
		applog.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	applog.SetLevel(cfg.LogLevel)
	if CLI.Obfs != "" && cfg.Obfs == "" {
		applog.Warn().Str("requested", CLI.Obfs).Msg("unknown obfuscation mode, disabling obfuscation")
	}

	rec, registry := metrics.NewRecorder()

	var res session.Resolver
	if cfg.DNSServer != "" {
		res = resolver.NewUpstream(cfg.DNSServer)
	} else {
		res = resolver.NewDefault()
	}

	var obfsTemplate obfs.Obfuscator
	switch cfg.Obfs {
	case "http":
		obfsTemplate = obfs.New(obfs.KindHTTP, cfg.ObfsHost)
	case "tls":
		obfsTemplate = obfs.New(obfs.KindTLS, cfg.ObfsHost)
	}

	sessCfg := session.Config{
		PSK:          []byte(cfg.PSK),
		Primary:      snellcipher.NewAES128GCM(),
		Fallback:     snellcipher.NewChacha20Poly1305IETF(),
		ObfsTemplate: obfsTemplate,
		Resolver:     res,
		Dialer:       netx.NewDialer(),
		Metrics:      rec,
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(registry))
			applog.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listener starting")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				applog.Warn().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	shutdown, errCh := server.Run(server.Config{
		ListenAddr: cfg.ListenAddr,
		Session:    sessCfg,
		Logger:     applog.Logger,
	})

	applog.Info().
		Str("listen", cfg.ListenAddr).
		Str("obfs", cfg.Obfs).
		Msg("snell-server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		applog.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdown()
	case err := <-errCh:
		applog.Fatal().Err(err).Msg("listener failed")
		os.Exit(1)
	}
}
