package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/0x6flab/namegenerator"
	paramserver "github.com/absmach/paramserver"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/trainer"
	"github.com/absmach/paramserver/worker"
	"github.com/absmach/paramserver/worker/middleware"
	"github.com/absmach/supermq"
	"github.com/absmach/supermq/pkg/jaeger"
	"github.com/absmach/supermq/pkg/prometheus"
	"github.com/absmach/supermq/pkg/server"
	httpserver "github.com/absmach/supermq/pkg/server/http"
	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

const (
	svcName       = "worker"
	envPrefixHTTP = "WORKER_HTTP_"
	pathEnv       = ".env"
)

type envConfig struct {
	LogLevel        string        `env:"WORKER_LOG_LEVEL"           envDefault:"info"`
	InstanceID      string        `env:"WORKER_INSTANCE_ID"`
	Name            string        `env:"WORKER_NAME"`
	CoordinatorAddr string        `env:"WORKER_COORDINATOR_ADDRESS" envDefault:"localhost:9000"`
	ConfigFile      string        `env:"WORKER_CONFIG_FILE"`
	Mode            string        `env:"WORKER_MODE"                envDefault:"async"`
	GlobalEpochs    int           `env:"WORKER_GLOBAL_EPOCHS"       envDefault:"1"`
	Trainer         string        `env:"WORKER_TRAINER"`
	DialRetries     int           `env:"WORKER_DIAL_RETRIES"        envDefault:"10"`
	DialBackoff     time.Duration `env:"WORKER_DIAL_BACKOFF"        envDefault:"1s"`
	DialTimeout     time.Duration `env:"WORKER_DIAL_TIMEOUT"        envDefault:"5s"`
	OTELURL         url.URL       `env:"WORKER_OTEL_URL"`
	TraceRatio      float64       `env:"WORKER_TRACE_RATIO"         envDefault:"0"`
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if _, err := os.Stat(pathEnv); err == nil {
		_ = godotenv.Load(pathEnv)
	}

	cfg := envConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load configuration : %s", err.Error())
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = namegenerator.NewGenerator().Generate()
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("failed to parse log level: %s", err.Error())
	}
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	wcfg := worker.Config{
		Name:            cfg.Name,
		CoordinatorAddr: cfg.CoordinatorAddr,
		Mode:            fl.Mode(cfg.Mode),
		GlobalEpochs:    cfg.GlobalEpochs,
		DialRetries:     cfg.DialRetries,
		DialBackoff:     cfg.DialBackoff,
		DialTimeout:     cfg.DialTimeout,
	}
	if cfg.ConfigFile != "" {
		file, err := paramserver.LoadConfig(cfg.ConfigFile)
		if err != nil {
			logger.Error("failed to load config file", slog.String("path", cfg.ConfigFile), slog.Any("error", err))

			return 1
		}
		if err := file.Worker.Apply(&wcfg); err != nil {
			logger.Error("invalid worker section", slog.Any("error", err))

			return 1
		}
	}
	logger = logger.With(slog.String("worker", wcfg.Name))

	factory, err := worker.NewFactory(wcfg.Mode, cfg.Trainer)
	if err != nil {
		logger.Error("failed to select trainer", slog.String("trainer", cfg.Trainer), slog.String("mode", string(wcfg.Mode)), slog.Any("error", err))

		return 1
	}

	var tp trace.TracerProvider
	switch cfg.OTELURL {
	case url.URL{}:
		tp = noop.NewTracerProvider()
	default:
		sdktp, err := jaeger.NewProvider(ctx, svcName, cfg.OTELURL, cfg.InstanceID, cfg.TraceRatio)
		if err != nil {
			logger.Error("failed to initialize opentelemetry", slog.String("error", err.Error()))

			return 1
		}
		defer func() {
			if err := sdktp.Shutdown(context.Background()); err != nil {
				logger.Error("error shutting down tracer provider", slog.Any("error", err))
			}
		}()
		tp = sdktp
	}
	tracer := tp.Tracer(svcName)

	counter, latency := prometheus.MakeMetrics(svcName, "trainer")
	client := worker.New(wcfg, factory, logger,
		func(tr trainer.Trainer) trainer.Trainer { return middleware.Logging(logger, tr) },
		func(tr trainer.Trainer) trainer.Trainer { return middleware.Tracing(tracer, tr) },
		func(tr trainer.Trainer) trainer.Trainer { return middleware.Metrics(counter, latency, tr) },
	)

	var servers []server.Server
	httpServerConfig := server.Config{}
	if err := env.ParseWithOptions(&httpServerConfig, env.Options{Prefix: envPrefixHTTP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s HTTP server configuration : %s", svcName, err.Error()))

		return 1
	}
	if httpServerConfig.Port != "" {
		r := chi.NewRouter()
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/health", supermq.Health(svcName, cfg.InstanceID))
		hs := httpserver.NewServer(ctx, cancel, svcName, httpServerConfig, r, logger)
		servers = append(servers, hs)
		g.Go(func() error {
			if err := hs.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})
	}

	var runErr error
	g.Go(func() error {
		runErr = client.Run(ctx)
		cancel()

		return nil
	})

	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, servers...)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service exited with error: %s", svcName, err))

		return 1
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("worker stopped", slog.Int("served", client.Served()), slog.Any("error", runErr))

		return 1
	}
	logger.Info("worker finished", slog.Int("served", client.Served()))

	return 0
}
