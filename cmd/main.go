package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/3rs4lg4d0/eventbox/config"
	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/3rs4lg4d0/eventbox/internal/demo"
	"github.com/3rs4lg4d0/eventbox/internal/migrations"
	evbxredis "github.com/3rs4lg4d0/eventbox/lock/redis"
	evbxzap "github.com/3rs4lg4d0/eventbox/logger/zap"
	evbxzrlg "github.com/3rs4lg4d0/eventbox/logger/zerolog"
	evbxotel "github.com/3rs4lg4d0/eventbox/metrics/otel"
	evbxtally "github.com/3rs4lg4d0/eventbox/metrics/tally"
	evbxkfk "github.com/3rs4lg4d0/eventbox/publisher/kafka"
	evbxkgo "github.com/3rs4lg4d0/eventbox/publisher/kafkago"
	evbxgorm "github.com/3rs4lg4d0/eventbox/repository/gorm"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	tally "github.com/uber-go/tally/v4"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type txKey struct{}

func main() {
	path := flag.String("config", "cmd/eventbox.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger, err := GetLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.Migrations != "" {
		if _, err := migrations.Apply(ctx, cfg.Postgres.DSN, cfg.Postgres.Migrations, logger); err != nil {
			return err
		}
	}
	db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("unable to open the database: %w", err)
	}
	if err := demo.Migrate(db); err != nil {
		return err
	}

	repository := evbxgorm.New(txKey{}, db, evbxgorm.WithSchema(cfg.Outbox.Schema))
	codec := evbx.NewCodec()

	dispatched, deadLettered, duplicates, closeMetrics, err := GetCounters(cfg.Metrics)
	if err != nil {
		return err
	}
	defer closeMetrics.Close()

	publisher, closePublisher, err := GetPublisher(cfg.Kafka, codec, repository, duplicates)
	if err != nil {
		return err
	}
	defer closePublisher.Close()

	var locker evbx.Locker = evbxgorm.NewLocker(db, evbxgorm.WithSchema(cfg.Outbox.Schema))
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		locker = evbxredis.New(client)
	}

	outbox := evbx.New(cfg.Settings(), repository, codec, publisher,
		evbx.WithLogger(logger),
		evbx.WithLocker(locker),
		evbx.WithCounters(dispatched, deadLettered))

	service := demo.NewService(outbox, repository)
	if _, err := service.Register(ctx, "John", fmt.Sprintf("john+%d@example.com", time.Now().UnixMilli())); err != nil {
		return err
	}

	err = outbox.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("eventbox stopped")
		return nil
	}
	return err
}

func GetLogger(c config.LogConfig) (evbx.Logger, error) {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "zap" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(level)
		l, err := zc.Build()
		if err != nil {
			return nil, err
		}
		return evbxzap.New(l), nil
	}
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	return evbxzrlg.New(zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).
		Level(level).
		With().
		Timestamp().
		Logger()), nil
}

// GetCounters returns the dispatched, dead-lettered and duplicates counters of
// the configured metrics backend.
func GetCounters(c config.MetricsConfig) (evbx.Counter, evbx.Counter, evbx.Counter, io.Closer, error) {
	if c.Backend == "otel" {
		provider := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(provider)
		counters, err := evbxotel.NewCounters(otel.Meter("eventbox"))
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return counters.Dispatched, counters.DeadLettered, counters.Duplicates, closerFunc(func() error {
			return provider.Shutdown(context.Background())
		}), nil
	}
	scope, closer := tally.NewRootScope(tally.ScopeOptions{Prefix: "eventbox"}, time.Second)
	counters := evbxtally.NewCounters(scope)
	return counters.Dispatched, counters.DeadLettered, counters.Duplicates, closer, nil
}

// GetPublisher returns a Kafka publisher when brokers are configured and an
// in-process bus running the demo consumers otherwise.
func GetPublisher(c config.KafkaConfig, codec *evbx.Codec, r evbx.Repository, duplicates evbx.Counter) (evbx.Publisher, io.Closer, error) {
	if len(c.Brokers) == 0 {
		bus := evbx.NewBus(codec, evbx.WithIdempotency(r), evbx.WithBusDuplicateCounter(duplicates))
		demo.Subscribe(bus, txKey{})
		return bus, closerFunc(func() error { return nil }), nil
	}
	demo.Register(codec)
	if c.Client == "kafkago" {
		w := &kafkago.Writer{
			Addr:                   kafkago.TCP(c.Brokers...),
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireAll,
			AllowAutoTopicCreation: true,
		}
		return evbxkgo.New(w, codec), w, nil
	}
	p, err := GetProducer(c.Brokers)
	if err != nil {
		return nil, nil, err
	}
	return evbxkfk.New(p, codec), closerFunc(func() error {
		p.Flush(5000)
		p.Close()
		return nil
	}), nil
}

func GetProducer(brokers []string) (*kafka.Producer, error) {
	return kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(brokers, ","),
		"linger.ms":          500,
		"batch.size":         100 * 1024,
		"compression.type":   "lz4",
		"acks":               -1,
		"enable.idempotence": true,
	})
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
