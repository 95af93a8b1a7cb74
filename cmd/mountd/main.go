// Command mountd hosts one or more PathSpace exports behind the mutually-
// authenticated TLS mount protocol (spec.md §4.F), plus a read-only admin
// HTTP endpoint for introspection and Prometheus scraping.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"

	"github.com/pathspace/remote/internal/adminhttp"
	"github.com/pathspace/remote/internal/config"
	"github.com/pathspace/remote/internal/diagnostics"
	"github.com/pathspace/remote/internal/identity"
	"github.com/pathspace/remote/internal/metrics"
	"github.com/pathspace/remote/internal/mountserver"
	"github.com/pathspace/remote/internal/pathspace"
	"github.com/pathspace/remote/internal/rediscoord"
	"github.com/pathspace/remote/internal/registry"
	"github.com/pathspace/remote/internal/transport"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional .env file to load before reading config")
	configPath := flag.String("config", getenvDefault("CONFIG_PATH", "config.yaml"), "path to the server YAML config")
	overridesPath := flag.String("export-overrides", "export-overrides.yaml", "optional per-export throttle override file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("mountd: failed to load .env file", "path", *envFile, "error", err)
	}

	mgr, err := config.NewManager(*configPath, *overridesPath)
	if err != nil {
		slog.Error("mountd: failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg := mgr.Global()

	reg := registry.Global()
	metricsSet := metrics.New()
	diag := buildDiagnosticsSink(cfg)

	var redisStore *rediscoord.Store
	if cfg.Redis.Enabled {
		redisStore, err = rediscoord.NewStore(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("mountd: failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
	}

	server := mountserver.NewServer(mountserver.Options{
		LeaseDuration:     time.Duration(cfg.Server.LeaseDurationSec) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Server.HeartbeatIntervalSec) * time.Second,
		Registry:          reg,
		Diagnostics:       diag,
		Metrics:           metricsSet,
		Redis:             redisStore,
	})

	root := pathspace.NewMemSpace()
	for _, exp := range cfg.Exports {
		throttle := mgr.Get(exp.Alias).ToThrottleOpts()
		if err := server.RegisterExport(exp.Alias, exp.Root, root, exp.Capabilities, throttle); err != nil {
			slog.Error("mountd: failed to register export", "alias", exp.Alias, "root", exp.Root, "error", err)
			os.Exit(1)
		}
		slog.Info("mountd: export registered", "alias", exp.Alias, "root", exp.Root, "capabilities", exp.Capabilities)
	}

	var spiffeSource *identity.SPIFFESource
	if cfg.Security.SpiffeSocketPath != "" {
		spiffeSource, err = identity.NewSPIFFESource(cfg.Security.SpiffeSocketPath)
		if err != nil {
			slog.Error("mountd: failed to connect to SPIRE agent", "error", err)
			os.Exit(1)
		}
		defer spiffeSource.Close()
	}

	tlsCfg := &transport.ServerTLSConfig{
		CertFile:                 cfg.Server.CertFile,
		KeyFile:                  cfg.Server.KeyFile,
		ClientCAFile:             cfg.Server.ClientCAFile,
		RequireClientCertificate: cfg.Server.RequireClientCert,
		SPIFFE:                   spiffeSource,
	}
	if cfg.Server.AutocertEnabled {
		tlsCfg.Autocert = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.AutocertDomains...),
			Cache:      autocert.DirCache(cfg.Server.AutocertCacheDir),
		}
	}

	acceptor, err := transport.Listen(cfg.Server.Address, tlsCfg, server.Dispatch)
	if err != nil {
		slog.Error("mountd: failed to listen", "address", cfg.Server.Address, "error", err)
		os.Exit(1)
	}
	slog.Info("mountd: listening", "address", acceptor.Addr().String())

	go func() {
		if err := acceptor.Serve(); err != nil {
			slog.Error("mountd: acceptor stopped", "error", err)
		}
	}()

	leaseSweepStop := make(chan struct{})
	go leaseSweepLoop(server, time.Second, leaseSweepStop)

	admin := adminhttp.New(server, metricsSet)
	adminSrv := &http.Server{Addr: cfg.Admin.Address, Handler: admin}
	go func() {
		slog.Info("mountd: admin http listening", "address", cfg.Admin.Address)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mountd: admin http server stopped", "error", err)
		}
	}()

	waitForShutdownSignal()
	slog.Info("mountd: shutting down")

	close(leaseSweepStop)
	_ = acceptor.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(ctx)
	server.Shutdown()
}

func buildDiagnosticsSink(cfg *config.Config) diagnostics.Sink {
	sinks := []diagnostics.Sink{diagnostics.NewFilesystemSink(cfg.Diagnostics.FilesystemRoot)}

	if cfg.Postgres.Enabled {
		pg, err := diagnostics.NewPostgresSink(cfg.Postgres.DSN)
		if err != nil {
			slog.Warn("mountd: failed to open postgres diagnostics sink, continuing without it", "error", err)
		} else {
			sinks = append(sinks, pg)
		}
	}
	if cfg.PubSub.Enabled {
		ps, err := diagnostics.NewPubSubSink(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			slog.Warn("mountd: failed to open pubsub diagnostics sink, continuing without it", "error", err)
		} else {
			sinks = append(sinks, ps)
		}
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &diagnostics.ChainSink{Sinks: sinks}
}

func leaseSweepLoop(server *mountserver.Server, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			server.SweepExpiredLeases()
		}
	}
}

func waitForShutdownSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
