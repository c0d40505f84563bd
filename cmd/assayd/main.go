package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aurelabs/assay/internal/config"
	"github.com/aurelabs/assay/internal/detect"
	"github.com/aurelabs/assay/internal/frameio"
	"github.com/aurelabs/assay/internal/logx"
	"github.com/aurelabs/assay/internal/metrics"
	"github.com/aurelabs/assay/internal/rtcbind"
	"github.com/aurelabs/assay/internal/server"
	"github.com/aurelabs/assay/internal/session"
	"github.com/aurelabs/assay/internal/stage"
	"github.com/aurelabs/assay/internal/statestore"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	// Allow --config to override file path before loading it
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlags()
	flag.Parse()
	if *showVersion {
		fmt.Printf("assayd version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	store := statestore.NewMemStore()
	if cfg.RedisAddr != "" {
		rs, err := statestore.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		store = rs
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis status store")
	}

	var det detect.Detector
	if cfg.Engine.DetectorURL != "" {
		det = detect.NewHTTPDetector(cfg.Engine.DetectorURL)
		logx.Log.Info().Str("url", cfg.Engine.DetectorURL).Msg("using remote detector")
	} else {
		det = detect.NullDetector{}
		logx.Log.Warn().Msg("no detector configured; sessions advance only by operator override")
	}
	det = detect.WithTimeout(det, cfg.Engine.DetectorTimeout)

	purity := detect.PurityTable(cfg.Engine.PurityTable)
	engineCfg := stage.Config{
		ConfirmThreshold:     cfg.Engine.ConfirmThreshold,
		FluctuationThreshold: cfg.Engine.FluctuationThreshold,
		HistoryWindow:        cfg.Engine.HistoryWindow,
		MaskStaleness:        cfg.Engine.MaskStaleness,
	}
	reg := session.NewRegistry(func() *stage.Engine {
		return stage.NewEngine(det, purity, engineCfg)
	}, store)

	codec := frameio.Codec{
		Width:   cfg.Engine.FrameWidth,
		Height:  cfg.Engine.FrameHeight,
		Quality: cfg.Engine.JPEGQuality,
	}
	binder := rtcbind.NewBinder(reg, rtcbind.JPEGSampleCodec{Frames: codec})

	handler := server.New(cfg, reg, binder, codec)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Int("sessions", reg.Count()).
			Msg("draining; send SIGTERM again to terminate immediately")
		go func() {
			<-sigCh
			logx.Log.Warn().Msg("termination requested")
			cancel()
		}()
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		cancel()
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
	}

	// Background sweep for abandoned sessions.
	go func() {
		ticker := time.NewTicker(session.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.PruneExpired(cfg.SessionTimeout)
			}
		}
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Msg("API key auth enabled")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	logx.Log.Info().Int("port", cfg.Port).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	<-ctx.Done()
}
