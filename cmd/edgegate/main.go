package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"edgegate/internal/assets"
	"edgegate/internal/config"
	"edgegate/internal/downstream"
	"edgegate/internal/gateway"
	"edgegate/internal/health"
	"edgegate/internal/isr"
	"edgegate/internal/tarpit"
)

const (
	readyWait       = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("EDGEGATE_CONFIG"), "path to the YAML config file")
	envFile := pflag.StringP("env-file", "e", "", "dotenv file loaded before reading the environment")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging, overrides logging.level")
	pflag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if lvl, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	down, err := downstream.New(cfg.Downstream)
	if err != nil {
		log.Fatalf("init downstream: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := down.WaitReady(ctx, readyWait); err != nil {
		log.WithError(err).Warn("backend not ready, serving anyway")
	}

	cache, err := isr.New(isr.OptionsFromConfig(cfg.Cache))
	if err != nil {
		log.Fatalf("init isr cache: %v", err)
	}
	defer cache.Close()

	store, err := assets.New(cfg.Assets.StaticDir, cfg.Assets.PagesDir)
	if err != nil {
		log.Fatalf("init assets: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(reg)

	ln, peerInfo, err := listen(cfg.Server.Listen)
	if err != nil {
		log.Fatalf("listen %s: %v", cfg.Server.Listen, err)
	}

	svc, err := gateway.New(cfg, gateway.Options{
		Downstream: down,
		Cache:      cache,
		Health:     health.New(health.All(down.Ping), cfg.ProbeTimeout()),
		Tarpit:     tarpit.New(cfg.Tarpit, tarpit.WithObserver(metrics)),
		Assets:     store,
		Metrics:    metrics,
		PeerInfo:   peerInfo,
	})
	if err != nil {
		log.Fatalf("init gateway: %v", err)
	}
	defer svc.Close()

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithFields(log.Fields{
			"listen":     cfg.Server.Listen,
			"downstream": down.URL("/"),
			"isr":        cfg.Cache.Enabled,
			"tarpit":     cfg.Tarpit.Enabled && peerInfo,
		}).Info("edgegate listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			stop()
		}
	}()

	var metricsSrv *http.Server
	if addr := cfg.Server.MetricsListen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.WithField("listen", addr).Info("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server error")
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Tarpit streams never finish on their own; Shutdown gives up on them at
	// the deadline and Close drops them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

// listen opens a TCP listener, or a unix socket for "unix:/path" addresses.
// Unix sockets carry no peer address, which the second return reports.
func listen(addr string) (net.Listener, bool, error) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, false, err
		}
		ln, err := net.Listen("unix", path)
		return ln, false, err
	}
	ln, err := net.Listen("tcp", addr)
	return ln, true, err
}
