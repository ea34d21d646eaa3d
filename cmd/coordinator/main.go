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
	"path/filepath"
	"time"

	paramserver "github.com/absmach/paramserver"
	"github.com/absmach/paramserver/coordinator"
	"github.com/absmach/paramserver/coordinator/api"
	"github.com/absmach/paramserver/pkg/cron"
	"github.com/absmach/paramserver/pkg/dataset"
	pkgerrors "github.com/absmach/paramserver/pkg/errors"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/metrics"
	"github.com/absmach/paramserver/pkg/mqtt"
	"github.com/absmach/paramserver/pkg/shard"
	"github.com/absmach/paramserver/pkg/storage/badger"
	"github.com/absmach/paramserver/pkg/trainer"
	"github.com/absmach/supermq/pkg/jaeger"
	"github.com/absmach/supermq/pkg/prometheus"
	"github.com/absmach/supermq/pkg/server"
	httpserver "github.com/absmach/supermq/pkg/server/http"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const (
	svcName       = "coordinator"
	defHTTPPort   = "9090"
	envPrefixHTTP = "COORDINATOR_HTTP_"
	pathEnv       = ".env"
)

type envConfig struct {
	LogLevel   string `env:"COORDINATOR_LOG_LEVEL"   envDefault:"info"`
	InstanceID string `env:"COORDINATOR_INSTANCE_ID"`
	Address    string `env:"COORDINATOR_ADDRESS"     envDefault:":9000"`
	ConfigFile string `env:"COORDINATOR_CONFIG_FILE"`

	Images string `env:"COORDINATOR_IMAGES" envDefault:"data/train-images-idx3-ubyte"`
	Labels string `env:"COORDINATOR_LABELS" envDefault:"data/train-labels-idx1-ubyte"`
	Shards int    `env:"COORDINATOR_SHARDS" envDefault:"4"`

	Classes   int     `env:"COORDINATOR_MODEL_CLASSES"    envDefault:"10"`
	Seed      int64   `env:"COORDINATOR_MODEL_SEED"       envDefault:"42"`
	ModelLR   float64 `env:"COORDINATOR_MODEL_LR"         envDefault:"0.1"`
	InitScale float64 `env:"COORDINATOR_MODEL_INIT_SCALE" envDefault:"0.01"`

	Mode               string        `env:"COORDINATOR_MODE"                 envDefault:"async"`
	LocalEpochs        int           `env:"COORDINATOR_LOCAL_EPOCHS"         envDefault:"1"`
	BatchSize          int           `env:"COORDINATOR_BATCH_SIZE"           envDefault:"32"`
	GlobalEpochs       int           `env:"COORDINATOR_GLOBAL_EPOCHS"        envDefault:"1"`
	Rule               string        `env:"COORDINATOR_RULE"                 envDefault:"gradient"`
	LearningRate       float64       `env:"COORDINATOR_LEARNING_RATE"        envDefault:"0.1"`
	Aggregator         string        `env:"COORDINATOR_AGGREGATOR"           envDefault:"mean"`
	RequeueOnFailure   bool          `env:"COORDINATOR_REQUEUE_ON_FAILURE"   envDefault:"false"`
	AcceptTimeout      time.Duration `env:"COORDINATOR_ACCEPT_TIMEOUT"       envDefault:"1s"`
	HeartbeatInterval  time.Duration `env:"COORDINATOR_HEARTBEAT_INTERVAL"   envDefault:"1s"`
	ShutdownTimeout    time.Duration `env:"COORDINATOR_SHUTDOWN_TIMEOUT"     envDefault:"1h"`
	SessionReadTimeout time.Duration `env:"COORDINATOR_SESSION_READ_TIMEOUT" envDefault:"0s"`

	StorageType        string `env:"COORDINATOR_STORAGE_TYPE"        envDefault:"file"`
	DataDir            string `env:"COORDINATOR_DATA_DIR"            envDefault:"./checkpoints"`
	CheckpointSchedule string `env:"COORDINATOR_CHECKPOINT_SCHEDULE"`
	CheckpointTimezone string `env:"COORDINATOR_CHECKPOINT_TIMEZONE" envDefault:"UTC"`

	MQTTAddress  string        `env:"COORDINATOR_MQTT_ADDRESS"`
	MQTTQoS      uint8         `env:"COORDINATOR_MQTT_QOS"      envDefault:"1"`
	MQTTTimeout  time.Duration `env:"COORDINATOR_MQTT_TIMEOUT"  envDefault:"30s"`
	MQTTUsername string        `env:"COORDINATOR_MQTT_USERNAME"`
	MQTTPassword string        `env:"COORDINATOR_MQTT_PASSWORD"`

	OTELURL    url.URL `env:"COORDINATOR_OTEL_URL"`
	TraceRatio float64 `env:"COORDINATOR_TRACE_RATIO" envDefault:"0"`
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

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("failed to parse log level: %s", err.Error())
	}
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler).With(slog.String("instance_id", cfg.InstanceID))
	slog.SetDefault(logger)

	ccfg := coordinator.Config{
		Mode:               fl.Mode(cfg.Mode),
		LocalEpochs:        cfg.LocalEpochs,
		BatchSize:          cfg.BatchSize,
		GlobalEpochs:       cfg.GlobalEpochs,
		Rule:               cfg.Rule,
		LearningRate:       cfg.LearningRate,
		Aggregator:         cfg.Aggregator,
		AcceptTimeout:      cfg.AcceptTimeout,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		ShutdownTimeout:    cfg.ShutdownTimeout,
		SessionReadTimeout: cfg.SessionReadTimeout,
		RequeueOnFailure:   cfg.RequeueOnFailure,
	}
	mcfg := trainer.Config{
		Classes:      cfg.Classes,
		Seed:         cfg.Seed,
		LearningRate: cfg.ModelLR,
		InitScale:    cfg.InitScale,
	}
	if cfg.ConfigFile != "" {
		file, err := paramserver.LoadConfig(cfg.ConfigFile)
		if err != nil {
			logger.Error("failed to load config file", slog.String("path", cfg.ConfigFile), slog.Any("error", err))

			return 1
		}
		if err := file.Coordinator.Apply(&ccfg); err != nil {
			logger.Error("invalid coordinator section", slog.Any("error", err))

			return 1
		}
		file.ApplyModel(&mcfg)
		overrideString(&cfg.Address, file.Coordinator.Address)
		overrideString(&cfg.Images, file.Coordinator.Images)
		overrideString(&cfg.Labels, file.Coordinator.Labels)
		if file.Coordinator.Shards > 0 {
			cfg.Shards = file.Coordinator.Shards
		}
	}

	features, labels, err := dataset.Load(cfg.Images, cfg.Labels, mcfg.Classes)
	if err != nil {
		logger.Error("failed to load dataset", slog.Any("error", err))

		return 1
	}
	shards, err := shard.Split(features, labels, cfg.Shards)
	if err != nil {
		logger.Error("failed to split dataset", slog.Any("error", err))

		return 1
	}
	if mcfg.Inputs == 0 {
		mcfg.Inputs = features.Cols
	}
	if err := mcfg.Validate(); err != nil {
		logger.Error("invalid model configuration", slog.Any("error", err))

		return 1
	}
	ccfg.ModelConfig = mcfg.String()

	initParams, err := trainer.NewSoftmax(mcfg).Init("")
	if err != nil {
		logger.Error("failed to initialise model", slog.Any("error", err))

		return 1
	}

	if cfg.OTELURL != (url.URL{}) {
		tp, err := jaeger.NewProvider(ctx, svcName, cfg.OTELURL, cfg.InstanceID, cfg.TraceRatio)
		if err != nil {
			logger.Error("failed to initialize opentelemetry", slog.String("error", err.Error()))

			return 1
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Error("error shutting down tracer provider", slog.Any("error", err))
			}
		}()
	}

	var schedule *cron.Schedule
	if cfg.CheckpointSchedule != "" {
		if schedule, err = cron.ParseCronExpression(cfg.CheckpointSchedule, cfg.CheckpointTimezone); err != nil {
			logger.Error("invalid checkpoint schedule", slog.String("schedule", cfg.CheckpointSchedule), slog.Any("error", err))

			return 1
		}
	}

	store, closeStore, err := newStorage(cfg)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))

		return 1
	}
	defer closeStore()

	counter, latency := prometheus.MakeMetrics(svcName, "merge")
	opts := []coordinator.Option{
		coordinator.WithStorage(store),
		coordinator.WithMetrics(coordinator.Metrics{
			Sessions:     metrics.MakeCounter(svcName, "sessions", "total", "Number of finished worker sessions.", "outcome"),
			Merges:       counter.With("method", "merge"),
			MergeLatency: latency.With("method", "merge"),
			Progress:     metrics.MakeGauge(svcName, "training", "progress_percent", "Share of shards merged."),
		}),
	}

	if cfg.MQTTAddress != "" {
		broker, err := mqtt.NewBroker(ctx, mqtt.Config{
			Address:    cfg.MQTTAddress,
			ClientID:   svcName + "-" + cfg.InstanceID,
			Username:   cfg.MQTTUsername,
			Password:   cfg.MQTTPassword,
			QoS:        cfg.MQTTQoS,
			InstanceID: cfg.InstanceID,
			Timeout:    cfg.MQTTTimeout,
		}, logger)
		if err != nil {
			logger.Error("failed to initialize mqtt broker", slog.String("error", err.Error()))

			return 1
		}
		bus := mqtt.NewBus(broker, cfg.InstanceID, logger)
		defer func() {
			if err := bus.Close(context.Background()); err != nil {
				logger.Warn("failed to disconnect from mqtt broker", slog.Any("error", err))
			}
		}()
		if err := bus.Notify(ctx, mqtt.EventAlive, mqtt.Presence{Status: mqtt.StatusOnline}); err != nil {
			logger.Warn("failed to announce presence", slog.Any("error", err))
		}
		opts = append(opts, coordinator.WithNotifier(bus))
	}

	strategy, err := coordinator.NewStrategy(ccfg)
	if err != nil {
		logger.Error("failed to build strategy", slog.Any("error", err))

		return 1
	}
	c, err := coordinator.New(ccfg, fl.NewState(initParams), shard.NewStore(shards), strategy, logger, opts...)
	if err != nil {
		logger.Error("failed to create coordinator", slog.Any("error", err))

		return 1
	}

	httpServerConfig := server.Config{Port: defHTTPPort}
	if err := env.ParseWithOptions(&httpServerConfig, env.Options{Prefix: envPrefixHTTP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s HTTP server configuration : %s", svcName, err.Error()))

		return 1
	}
	hs := httpserver.NewServer(ctx, cancel, svcName, httpServerConfig, api.MakeHandler(c, logger, svcName, cfg.InstanceID), logger)

	var trainErr error
	g.Go(func() error {
		trainErr = c.ListenAndServe(ctx, cfg.Address)
		cp, err := c.Persist()
		if err != nil {
			logger.Error("failed to save final checkpoint", slog.Any("error", err))
		} else {
			logger.Info("final checkpoint saved", slog.Uint64("version", cp.Version), slog.Int("size", len(cp.Params)))
		}
		cancel()

		return nil
	})

	g.Go(func() error {
		if err := hs.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	if schedule != nil {
		sched := cron.NewScheduler("checkpoint", schedule, func(context.Context) error {
			cp, err := c.Persist()
			if err != nil {
				return err
			}
			logger.Info("periodic checkpoint saved", slog.Uint64("version", cp.Version))

			return nil
		}, logger)
		g.Go(func() error {
			err := sched.Start(ctx)
			switch {
			case errors.Is(err, cron.ErrNoActivation):
				logger.Warn("checkpoint schedule never fires", slog.String("schedule", cfg.CheckpointSchedule))
			case err != nil && !errors.Is(err, context.Canceled):
				return err
			}

			return nil
		})
	}

	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, hs)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service exited with error: %s", svcName, err))

		return 1
	}

	switch {
	case trainErr == nil, errors.Is(trainErr, context.Canceled):
		logger.Info("training finished", slog.Any("progress", c.Progress()))

		return 0
	case errors.Is(trainErr, pkgerrors.ErrCoordinatorTimeout):
		logger.Error("sessions did not finish before the shutdown timeout", slog.Any("error", trainErr))

		return 1
	default:
		logger.Error("coordinator failed", slog.Any("error", trainErr))

		return 1
	}
}

func newStorage(cfg envConfig) (fl.Storage, func(), error) {
	switch cfg.StorageType {
	case "badger":
		db, err := badger.NewDatabase(filepath.Join(cfg.DataDir, "badger"))
		if err != nil {
			return nil, nil, err
		}

		return badger.NewStore(db), func() { _ = db.Close() }, nil
	case "file":
		ps, err := fl.NewPersistentStorage(filepath.Join(cfg.DataDir, "rounds"), filepath.Join(cfg.DataDir, "models"))
		if err != nil {
			return nil, nil, err
		}

		return ps, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown storage type %q", pkgerrors.ErrInvalidData, cfg.StorageType)
	}
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
