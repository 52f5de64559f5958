package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/kbridge/internal/bridge"
	"github.com/gaspardpetit/kbridge/internal/config"
	"github.com/gaspardpetit/kbridge/internal/inflight"
	"github.com/gaspardpetit/kbridge/internal/kernel"
	"github.com/gaspardpetit/kbridge/internal/kernelstore"
	"github.com/gaspardpetit/kbridge/internal/logx"
	"github.com/gaspardpetit/kbridge/internal/metrics"
	"github.com/gaspardpetit/kbridge/internal/server"
	"github.com/gaspardpetit/kbridge/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv()
	if p, ok := config.ConfigPathFromArgs(os.Args[1:]); ok {
		cfg.ConfigFile = p
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "kbridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("kbridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.LogJSON {
		logx.ConfigureJSON(cfg.LogLevel, os.Stderr)
	} else {
		logx.Configure(cfg.LogLevel)
	}
	// Collectors are registered in server.New
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	static, err := kernelstore.NewStatic(cfg.Kernels)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("configured kernels")
	}
	stores := kernelstore.Multi{static}
	if cfg.RedisAddr != "" {
		client, err := kernelstore.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		stores = append(stores, kernelstore.NewRedis(client))
		rs, err := serverstate.NewRedisStore(ctx, client)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("redis state store")
		}
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis kernel directory")
	}
	if cfg.KernelDir != "" {
		stores = append(stores, kernelstore.NewDir(cfg.KernelDir))
	}

	counter := &inflight.Counter{}
	sessions := bridge.NewRegistry(counter)
	handler, err := server.New(cfg, server.Deps{
		Store:    stores,
		Sessions: sessions,
		Opener:   bridge.DialOpener(kernel.WithDialTimeout(cfg.DialTimeout), kernel.WithHeartbeatInterval(cfg.HeartbeatInterval)),
		Inflight: counter,
		Version:  version,
		Started:  time.Now(),
	})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("build router")
	}
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			logx.Log.Info().Int64("inflight", counter.Load()).Int("sessions", sessions.Len()).Msg("drain requested")
			waitCtx := ctx
			var stop context.CancelFunc
			if cfg.DrainTimeout > 0 {
				logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, stop = context.WithTimeout(ctx, cfg.DrainTimeout)
			} else {
				logx.Log.Info().Msg("draining; send SIGTERM again to terminate immediately")
			}
			go func(stop context.CancelFunc, waitCtx context.Context) {
				if stop != nil {
					defer stop()
				}
				if counter.WaitForZero(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
					cancel()
					return
				}
				if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int64("inflight", counter.Load()).Msg("drain timeout exceeded; terminating")
					cancel()
				}
			}(stop, waitCtx)
		}
	}()
	go func() {
		<-ctx.Done()
		// Hijacked WebSocket connections are not tracked by Shutdown.
		sessions.StopAll()
		wctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if !sessions.Wait(wctx) {
			logx.Log.Warn().Int("sessions", sessions.Len()).Msg("sessions still open at shutdown")
		}
		done()
		if err := srv.Shutdown(context.Background()); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	serverstate.MarkReady()
	if cfg.APIKey != "" {
		logx.Log.Info().Msg("API key auth enabled")
	}
	logx.Log.Info().Int("port", cfg.Port).Str("kernel_dir", cfg.KernelDir).Int("configured_kernels", len(cfg.Kernels)).Msg("bridge starting")
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
