// Package main is the entry point for the rankd ranking server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/neuralrank/internal/api"
	"github.com/onnwee/neuralrank/internal/auth"
	"github.com/onnwee/neuralrank/internal/config"
	"github.com/onnwee/neuralrank/internal/db"
	"github.com/onnwee/neuralrank/internal/health"
	"github.com/onnwee/neuralrank/internal/jobs"
	"github.com/onnwee/neuralrank/internal/middleware"
	"github.com/onnwee/neuralrank/internal/notify"
	"github.com/onnwee/neuralrank/internal/ranker"
	"github.com/onnwee/neuralrank/internal/ranking"
	"github.com/onnwee/neuralrank/internal/state"
	"github.com/onnwee/neuralrank/internal/tracing"
)

const (
	serviceName     = "rankd"
	shutdownTimeout = 10 * time.Second
	cleanupInterval = time.Minute
)

func main() {
	configPath := flag.String("config", os.Getenv("RANKD_CONFIG"), "path to a YAML config file")
	help := flag.Bool("help", false, "display help message")
	issueToken := flag.String("issue-token", "", "print a bearer token for this subject and exit")
	scope := flag.String("scope", auth.ScopeTrain, "scope of the issued token (train or admin)")
	rankers := flag.String("rankers", "", "comma-separated rankers the issued token is limited to")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime of the issued token")
	flag.Parse()

	if *help {
		fmt.Println("rankd ranking server")
		fmt.Println()
		fmt.Println("Usage: rankd [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if cfg == nil || len(errs) > 0 {
		for _, err := range errs {
			slog.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if *issueToken != "" {
		if err := printToken(os.Stdout, cfg.JWTSecret, *issueToken, *scope, splitList(*rankers), *ttl); err != nil {
			logger.Error("failed to issue token", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		logger.Error("failed to listen", "port", cfg.Port, "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger, ln); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func printToken(w io.Writer, secret, subject, scope string, rankers []string, ttl time.Duration) error {
	if secret == "" {
		return errors.New("JWT_SECRET is required to issue tokens")
	}
	tok, err := auth.NewJWTService(secret).GenerateToken(subject, scope, rankers, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, tok)
	return err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// backends holds the state store and the clients it was built on.
type backends struct {
	store    state.Store
	redis    *redis.Client
	checkers map[string]api.HealthChecker
	closers  []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Warn("failed to close backend", "error", err)
		}
	}
}

// openBackends connects the configured state backend. A Redis client is
// opened whenever REDIS_URL is set since rate limiting shares it.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	codec, err := state.CodecFor(cfg.StateCodec)
	if err != nil {
		return nil, err
	}
	b := &backends{checkers: map[string]api.HealthChecker{}}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		b.redis = redis.NewClient(opts)
		b.closers = append(b.closers, b.redis.Close)
		b.checkers["redis"] = health.NewRedisChecker(b.redis)
	}

	switch cfg.StateBackend {
	case config.BackendMemory:
		b.store = state.NewMemoryStore()
	case config.BackendFile:
		fs, err := state.NewFileStore(cfg.StateDir, codec)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = fs
	case config.BackendRedis:
		b.store = state.NewRedisStore(b.redis, state.RedisConfig{Codec: codec})
	case config.BackendS3:
		client, err := state.NewS3Client(state.S3Config{
			Bucket:          cfg.S3BucketName,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Prefix:          cfg.S3Prefix,
		})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		store, err := state.NewS3Store(client, cfg.S3BucketName, cfg.S3Prefix, codec)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.store = store
		b.checkers["s3"] = health.NewS3Checker(client, cfg.S3BucketName)
	case config.BackendPostgres:
		conn, err := db.Open(ctx, cfg.DatabaseURL, db.Options{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, conn.Close)
		b.store = state.NewPostgresStore(conn, codec)
		b.checkers["database"] = health.NewDBChecker(conn)
	default:
		b.Close()
		return nil, fmt.Errorf("%w, got %q", config.ErrInvalidStateBackend, cfg.StateBackend)
	}
	return b, nil
}

// schemaFor fits base to width. Narrower rankers take a prefix of base; wider
// rankers get generic trailing features defaulting to zero.
func schemaFor(base *ranking.Schema, width int) *ranking.Schema {
	if base.Width() == width {
		return base
	}
	out := &ranking.Schema{Version: base.Version}
	for i := 0; i < width; i++ {
		if i < base.Width() {
			out.Fields = append(out.Fields, base.Fields[i])
			continue
		}
		out.Fields = append(out.Fields, ranking.Field{Name: "feature_" + strconv.Itoa(i)})
	}
	return out
}

// rateLimits builds one store per tier so counters never collide.
func rateLimits(ctx context.Context, client *redis.Client, metrics *middleware.Metrics, logger *slog.Logger) (global, train, admin api.RateLimit) {
	newStore := func(tier string) middleware.RateLimitStore {
		if client != nil {
			return middleware.NewRedisRateLimitStore(client,
				middleware.WithRedisPrefix(middleware.DefaultRedisRateLimitPrefix+tier+":"),
				middleware.WithRedisMetrics(metrics),
				middleware.WithRedisLogger(logger),
			)
		}
		store := middleware.NewInMemoryRateLimitStore()
		go func() {
			ticker := time.NewTicker(cleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					store.Cleanup()
				}
			}
		}()
		return store
	}
	global = api.RateLimit{Store: newStore("global"), Config: middleware.DefaultGlobalLimit()}
	train = api.RateLimit{Store: newStore("train"), Config: middleware.DefaultTrainLimit()}
	admin = api.RateLimit{Store: newStore("admin"), Config: middleware.DefaultAdminLimit()}
	return global, train, admin
}

// run serves on ln until ctx is cancelled, then drains requests, waits for
// in-flight training and flushes dirty rankers.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, ln net.Listener) error {
	logger.Info("starting rankd", "config", cfg.LogSummary())

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.TracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("create tracing provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shut down tracing", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := middleware.NewMetrics()
	rankerMetrics := ranker.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, r := range []interface{ Register(prometheus.Registerer) error }{httpMetrics, rankerMetrics, jobMetrics} {
		if err := r.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open state backend: %w", err)
	}
	defer b.Close()

	schema, err := ranking.LoadSchema(cfg.FeatureSchemaPath)
	if err != nil {
		logger.Warn("using default feature schema", "error", err)
	}

	var defaults *state.State
	if cfg.DefaultWeightsPath != "" {
		defaults, err = state.ReadFile(cfg.DefaultWeightsPath)
		if err != nil {
			logger.Warn("default weights unavailable, new rankers start from random weights", "error", err)
			defaults = nil
		}
	}

	notices := notify.NewRecorder(0)
	broadcaster := notify.NewBroadcaster(logger)
	notifier := notify.Multi{notify.NewLogNotifier(logger), notices, broadcaster}

	registry := ranker.NewRegistry()
	for _, rc := range cfg.Rankers {
		opts := []ranker.Option{
			ranker.WithStore(b.store),
			ranker.WithNotifier(notifier),
			ranker.WithMetrics(rankerMetrics),
			ranker.WithJobMetrics(jobMetrics),
			ranker.WithLogger(logger),
			ranker.WithSchema(schemaFor(schema, rc.InputWidth())),
		}
		if defaults != nil {
			opts = append(opts, ranker.WithDefaults(defaults))
		}
		r, err := ranker.New(rc, opts...)
		if err != nil {
			return err
		}
		if err := registry.Add(r); err != nil {
			return err
		}
	}
	if err := registry.RestoreAll(ctx); err != nil {
		return fmt.Errorf("restore rankers: %w", err)
	}

	// The job outlives ctx so the final flush happens after training drains.
	persistJob := ranker.NewPersistJob(ranker.PersistJobConfig{
		Interval:   cfg.PersistInterval,
		Logger:     logger,
		JobMetrics: jobMetrics,
	}, registry)
	if err := persistJob.Start(context.Background()); err != nil {
		return fmt.Errorf("start persist job: %w", err)
	}

	limitCtx, cancelLimits := context.WithCancel(context.Background())
	defer cancelLimits()
	globalLimit, trainLimit, adminLimit := rateLimits(limitCtx, b.redis, httpMetrics, logger)

	var jwt *auth.JWTService
	if cfg.JWTSecret != "" {
		jwt = auth.NewJWTService(cfg.JWTSecret, auth.WithPreviousSecret(cfg.JWTPreviousSecret))
	}

	routerCfg := api.RouterConfig{
		Registry:    registry,
		Notices:     notices,
		Broadcaster: broadcaster,
		Health: api.NewHealthHandlers(api.HealthHandlersConfig{
			Checkers: b.checkers,
			Rankers:  registry,
		}),
		Auth:           jwt,
		Metrics:        httpMetrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:         logger,
		GlobalLimit:    globalLimit,
		TrainLimit:     trainLimit,
		AdminLimit:     adminLimit,
	}
	if tp.IsEnabled() {
		routerCfg.TracingService = serviceName
	}

	server := &http.Server{
		Handler:      api.NewRouter(routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", ln.Addr().String(), "rankers", registry.Names())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		runErr = errors.Join(runErr, err)
	}

	registry.Wait()
	persistJob.Stop()
	return runErr
}
