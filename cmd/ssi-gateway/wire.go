package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/api"
	"github.com/davidahmann/ssi-gateway/internal/auth"
	"github.com/davidahmann/ssi-gateway/internal/auth/pgkeys"
	"github.com/davidahmann/ssi-gateway/internal/config"
	"github.com/davidahmann/ssi-gateway/internal/events"
	"github.com/davidahmann/ssi-gateway/internal/ledger"
	"github.com/davidahmann/ssi-gateway/internal/ledger/pgstore"
	"github.com/davidahmann/ssi-gateway/internal/ledger/redislock"
	"github.com/davidahmann/ssi-gateway/internal/ledger/sqlstore"
	"github.com/davidahmann/ssi-gateway/internal/metrics"
	"github.com/davidahmann/ssi-gateway/internal/policy"
	"github.com/davidahmann/ssi-gateway/internal/signer"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// gateway is the assembled service plus whatever must be closed on exit.
type gateway struct {
	handler   http.Handler
	reloader  *policy.Reloader
	metrics   *metrics.Registry
	storeName string
	closers   []func() error
}

func (g *gateway) Close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (gw *gateway, err error) {
	gw = &gateway{metrics: metrics.NewRegistry()}
	defer func() {
		if err != nil {
			_ = gw.Close()
			gw = nil
		}
	}()

	store, err := gw.openStore(cfg.DB)
	if err != nil {
		return gw, err
	}
	sgn, err := openSigner(ctx, cfg.Signing, logger)
	if err != nil {
		return gw, err
	}
	locker, err := gw.openLocker(ctx, cfg.Redis, logger)
	if err != nil {
		return gw, err
	}
	keys, err := gw.openKeyStore(ctx, cfg.Auth)
	if err != nil {
		return gw, err
	}
	publisher, err := gw.openPublisher(cfg.Kafka, logger)
	if err != nil {
		return gw, err
	}

	writer := ledger.NewWriter(store, sgn,
		ledger.WithLocker(locker),
		ledger.WithLogger(logger),
		ledger.WithWriteTimeout(cfg.Audit.WriteTimeout),
		ledger.WithObserver(gw.metrics),
	)

	registry := policy.NewRegistry(cfg.Envelopes.HeuristicMatch)
	gw.reloader = &policy.Reloader{
		BaseDir: cfg.Envelopes.Dir,
		Options: policy.LoadOptions{
			Lane:              cfg.Envelopes.Lane,
			RequireSignatures: cfg.SignaturesRequired(),
			TrustedKeys:       cfg.Envelopes.TrustedKeys,
		},
		Registry: registry,
		Logger:   logger,
	}
	gw.metrics.SetGauge("envelopes_loaded", float64(gw.reloader.Reload()))

	h := &api.Handler{
		Decisions: &api.DecisionService{
			Registry:  registry,
			Evaluator: policy.NewEvaluator(cfg.Envelopes.Lane),
			Ledger:    writer,
			Events:    publisher,
			Verdicts:  gw.metrics,
			Logger:    logger,
		},
		Verifier:  ledger.NewVerifier(store, sgn, cfg.Audit.MaxChainDepth),
		Registry:  registry,
		Reloader:  gw.reloader,
		Signer:    sgn,
		Metrics:   gw.metrics,
		StoreName: gw.storeName,
		Logger:    logger,
	}

	if cfg.InsecureDev {
		logger.Warn("insecure dev mode enabled: unauthenticated requests are admitted")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no jwt secret configured; bearer tokens will be rejected")
	}

	gw.handler = api.NewRouter(h, api.RouterConfig{
		Resolver: &auth.Resolver{
			JWT:       auth.NewJWTVerifier(cfg.Auth.JWTSecret),
			Keys:      keys,
			Logger:    logger,
			OnFailure: gw.metrics.IncAuthFailure,
		},
		Guard:       &auth.Guard{DevMode: cfg.InsecureDev, Logger: logger},
		ServiceName: cfg.Telemetry.ServiceName,
	})
	return gw, nil
}

func (g *gateway) openStore(cfg config.DBConfig) (ledger.Store, error) {
	driver, err := ledger.ParseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	g.storeName = string(driver)

	switch driver {
	case ledger.DBSQLite:
		s, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		g.closers = append(g.closers, s.Close)
		if err := ledger.Migrate(s.DB(), ledger.DBSQLite); err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return s, nil
	case ledger.DBPostgres:
		s, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		g.closers = append(g.closers, s.Close)
		if err := ledger.Migrate(s.DB(), ledger.DBPostgres); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, nil
	default:
		return ledger.NewInMemoryStore(), nil
	}
}

func openSigner(ctx context.Context, cfg config.SigningConfig, logger *zap.Logger) (signer.Service, error) {
	switch {
	case cfg.Provider == "kms":
		return signer.NewKMSSigner(ctx, cfg.KMSKeyID, cfg.KMSRegion)
	case cfg.KeyFile != "":
		return signer.NewFileSigner(cfg.KeyID, cfg.KeyFile)
	default:
		return signer.NewSeedSigner(cfg.KeyID, cfg.Seed, logger), nil
	}
}

// openLocker always serialises appends in process; with redis configured it
// also takes a distributed lock so replicas sharing a store do the same.
func (g *gateway) openLocker(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (ledger.Locker, error) {
	local := ledger.NewKeyedMutex()
	if cfg.Addr == "" {
		return local, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	g.closers = append(g.closers, client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	remote := redislock.New(client, cfg.LockTTL)
	remote.OnLost = func(key string) {
		logger.Warn("lineage lock expired before release", zap.String("key", key))
	}
	return ledger.ChainLockers{local, remote}, nil
}

func (g *gateway) openKeyStore(ctx context.Context, cfg config.AuthConfig) (auth.KeyStore, error) {
	if cfg.APIKeysDSN != "" {
		pool, err := pgkeys.Open(ctx, cfg.APIKeysDSN)
		if err != nil {
			return nil, fmt.Errorf("open api key store: %w", err)
		}
		g.closers = append(g.closers, func() error {
			pool.Close()
			return nil
		})
		return &pgkeys.Store{DB: pool}, nil
	}

	keys := auth.NewInMemoryKeyStore()
	for i, k := range cfg.APIKeys {
		rec, err := keyRecord(k)
		if err != nil {
			return nil, fmt.Errorf("auth.api_keys[%d]: %w", i, err)
		}
		if err := keys.Add(rec); err != nil {
			return nil, fmt.Errorf("auth.api_keys[%d]: %w", i, err)
		}
	}
	return keys, nil
}

func keyRecord(k config.APIKeyConfig) (auth.KeyRecord, error) {
	role, ok := auth.ParseRole(k.Role)
	if !ok {
		return auth.KeyRecord{}, fmt.Errorf("unknown role %q", k.Role)
	}
	rec := auth.KeyRecord{
		KeyID:     k.KeyID,
		KeyHash:   k.Hash,
		KeyPrefix: k.Prefix,
		TenantID:  k.TenantID,
		Role:      role,
		Active:    !k.Disabled,
	}
	if rec.KeyID == "" {
		rec.KeyID = k.Prefix
	}
	if k.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, k.ExpiresAt)
		if err != nil {
			return auth.KeyRecord{}, err
		}
		rec.ExpiresAt = &exp
	}
	return rec, nil
}

func (g *gateway) openPublisher(cfg config.KafkaConfig, logger *zap.Logger) (events.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return events.NopPublisher{}, nil
	}
	p, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.Brokers, Topic: cfg.Topic}, logger)
	if err != nil {
		return nil, err
	}
	g.closers = append(g.closers, p.Close)
	return p, nil
}
