package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/config"
	"github.com/davidahmann/ssi-gateway/internal/logging"
	"github.com/davidahmann/ssi-gateway/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := runFn(context.Background(), os.Args[1:], os.LookupEnv, listenAndServe); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) (string, bool)
type listenFn func(*http.Server) error

func run(parent context.Context, args []string, lookup envFn, listen listenFn) error {
	fs := flag.NewFlagSet("ssi-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to ssi-gateway config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := *configPath
	if cfgFile == "" {
		cfgFile, _ = lookup("SSI_CONFIG_PATH")
	}
	cfg, err := config.LoadWithEnv(cfgFile, lookup)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, logger)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	gw, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn("shutdown cleanup", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		logger.Info("ssi-gateway listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("lane", cfg.Envelopes.Lane),
			zap.String("store", gw.storeName),
			zap.Bool("insecure_dev", cfg.InsecureDev),
		)
		if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return server.Shutdown(shutdownCtx)
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		gw.reloader.ReloadOnSignal(gctx, hup)
		return nil
	})

	if cfg.Envelopes.Watch {
		g.Go(func() error {
			if err := gw.reloader.Watch(gctx); err != nil {
				logger.Warn("envelope hot reload disabled", zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}
