package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yellowbox/fleetsync/internal/capture"
	"github.com/yellowbox/fleetsync/internal/dispatch"
	"github.com/yellowbox/fleetsync/internal/harness"
	"github.com/yellowbox/fleetsync/internal/ledger"
	"github.com/yellowbox/fleetsync/internal/pipeline"
	"github.com/yellowbox/fleetsync/libs/config"
	"github.com/yellowbox/fleetsync/libs/db"
	"github.com/yellowbox/fleetsync/libs/httpx"
	"github.com/yellowbox/fleetsync/libs/kafkax"
	otelx "github.com/yellowbox/fleetsync/libs/otel"
	"github.com/yellowbox/fleetsync/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "syncd")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	sinkURL, err := config.RequiredString("SINK_URL")
	if err != nil {
		panic(err)
	}
	origin := config.String("SYNC_ORIGIN", "fleetsync")

	timeout, err := config.Duration("DISPATCH_TIMEOUT", 10*time.Second)
	if err != nil {
		panic(err)
	}
	maxAttempts, err := config.Int("DISPATCH_MAX_ATTEMPTS", 3)
	if err != nil {
		panic(err)
	}
	backoffBase, err := config.Duration("DISPATCH_BACKOFF_BASE", 2*time.Second)
	if err != nil {
		panic(err)
	}
	breakerThreshold, err := config.Int("DISPATCH_BREAKER_THRESHOLD", 5)
	if err != nil {
		panic(err)
	}
	workers, err := config.Int("PIPELINE_WORKERS", 4)
	if err != nil {
		panic(err)
	}
	// Generous: a replay drives the full retry schedule before answering.
	opsTimeout, err := config.Duration("OPS_REQUEST_TIMEOUT", 60*time.Second)
	if err != nil {
		panic(err)
	}

	checks := []runtime.ReadyCheck{}

	// Without DATABASE_URL delivery history lives in memory only; fine
	// for local runs, wrong for production.
	var store ledger.Store
	if dbURL := config.String("DATABASE_URL", ""); dbURL != "" {
		pool, err := db.Open(ctx, dbURL)
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()
		repo := ledger.NewRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Error("ledger schema setup failed", "err", err)
			panic(err)
		}
		store = repo
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	} else {
		logger.Warn("DATABASE_URL not set, delivery ledger is in-memory")
		store = ledger.NewMemory()
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		SinkURL:          sinkURL,
		Origin:           origin,
		Timeout:          timeout,
		MaxAttempts:      maxAttempts,
		BackoffBase:      backoffBase,
		BreakerThreshold: uint32(breakerThreshold),
	}, store, logger)
	if err != nil {
		panic(err)
	}

	opsHarness := harness.New(dispatcher, store, logger, sinkURL, origin)
	if _, err := opsHarness.SweepInterrupted(ctx); err != nil {
		logger.Error("startup sweep failed", "err", err)
	}

	brokers := config.String("KAFKA_BROKERS", "")
	pipelineDone := make(chan struct{})
	if config.Bool("SYNC_ENABLED", true) {
		kafkaCfg := capture.KafkaConfig{
			Brokers: brokers,
			GroupID: config.String("KAFKA_GROUP_ID", "fleetsync"),
		}
		subs := []capture.Subscription{
			capture.NewKafkaSubscription(kafkaCfg, capture.CollectionRider),
			capture.NewKafkaSubscription(kafkaCfg, capture.CollectionExpense),
			capture.NewKafkaSubscription(kafkaCfg, capture.CollectionDocument),
		}
		capturer := capture.New(logger, subs...)
		pipe := pipeline.New(capturer, dispatcher, logger, pipeline.Config{
			Origin:  origin,
			Workers: workers,
		})
		go func() {
			pipe.Run(ctx)
			close(pipelineDone)
		}()
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	} else {
		logger.Warn("sync disabled, running ops surface only")
		close(pipelineDone)
	}

	var limiter httpx.Middleware
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
		limiter = httpx.NewRedisRateLimiter(rdb, 120, time.Minute, "fleetsync").Middleware(logger, true)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	} else {
		limiter = httpx.NewRateLimiter(120, time.Minute).Middleware()
	}

	mux := runtime.NewBaseMux(checks...)
	opsHarness.Routes(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		limiter,
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(opsTimeout),
	)
	handler = otelhttp.NewHandler(handler, "syncd")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("ops server starting", "addr", srv.Addr, "sink_url", sinkURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", "err", err)
	}

	// The pipeline grants in-flight dispatches a grace period after ctx is
	// done; exiting before it drains would tear them down mid-attempt.
	<-pipelineDone
	logger.Info("pipeline drained, ops server stopped")
}
