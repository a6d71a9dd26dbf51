// Command dedupd serves the dedup counter API.
//
//	dedupd -config /etc/dedupd.toml
//
// GET /{uuid} reads a counter, PUT /{uuid} bumps it. Metrics and health
// checks are served on a separate admin listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nhalm/dedup"
	"github.com/nhalm/dedup/config"
	"github.com/nhalm/dedup/metrics"
	"github.com/nhalm/dedup/store"
	"github.com/nhalm/dedup/wrapper"
)

func main() {
	configPath := flag.String("config", os.Getenv("DEDUP_CONFIG"), "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("dedupd exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	defer st.Close()

	metrics.Register()

	svc := dedup.NewService(st)
	api := &http.Server{
		Addr: cfg.Addr,
		Handler: dedup.NewRouter(svc,
			wrapper.WithCanonlog(),
			wrapper.WithCanonlogFields(func(r *http.Request) map[string]any {
				return map[string]any{"request_id": r.Header.Get("X-Request-ID")}
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	servers := []*http.Server{api}
	if cfg.AdminAddr != "" {
		servers = append(servers, &http.Server{
			Addr:        cfg.AdminAddr,
			Handler:     adminHandler(),
			ReadTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			slog.Info("listening", "addr", srv.Addr, "store", cfg.Store)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			slog.Error("shutdown", "addr", srv.Addr, "error", serr)
		}
	}
	return err
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemory(), nil
	case "redis":
		st, err := store.NewRedis(store.RedisConfig{
			URL:          cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Prefix:       cfg.Redis.Prefix,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "dynamodb":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.DynamoDB.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.DynamoDB.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
			}
		})
		return store.NewDynamoDB(client, store.DynamoDBConfig{Table: cfg.DynamoDB.Table}), nil
	case "bolt":
		st, err := store.NewBolt(store.BoltConfig{
			Path:          cfg.Bolt.Path,
			SweepInterval: cfg.Bolt.SweepInterval,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

func adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
