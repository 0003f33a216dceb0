// Command marketdata runs the aggregator + WebSocket gateway process:
// it tails one or more shards' event streams, folds them into
// per-market depth/ticker/trades state (internal/marketdata), and
// serves browser subscriptions over ws://<host>/ws
// (internal/wsgateway), per spec.md §4.5/§6.3.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	tomb "gopkg.in/tomb.v2"

	"coreexchange/internal/config"
	"coreexchange/internal/eventbus"
	"coreexchange/internal/eventcodec"
	"coreexchange/internal/marketdata"
	"coreexchange/internal/wsgateway"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	shardsFlag := flag.String("shards", "0", "comma-separated shard ids to tail")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Logging)

	bus, err := dialBus(cfg.Bus)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to bus")
		return 2
	}
	defer bus.Close()

	agg := marketdata.New(cfg.Marketdata.DepthLevels)
	hub := wsgateway.NewHub(agg, logger)
	gw := wsgateway.NewServer(cfg.Gateway.Address, hub, cfg.Gateway.MaxConns, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t, tombCtx := tomb.WithContext(ctx)

	shardIDs := strings.Split(*shardsFlag, ",")
	for _, shardID := range shardIDs {
		shardID := strings.TrimSpace(shardID)
		streamKey := eventbus.StreamKey(eventbus.KindEvents, shardID)
		t.Go(func() error {
			return tailShard(tombCtx, bus, streamKey, shardID, agg, logger)
		})
	}

	logger.Info().Str("address", cfg.Gateway.Address).Strs("shards", shardIDs).Msg("marketdata gateway starting")

	t.Go(func() error {
		return gw.Run(tombCtx)
	})

	<-t.Dying()
	if err := t.Err(); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("marketdata gateway stopped unexpectedly")
		return 2
	}
	logger.Info().Msg("marketdata gateway shutting down")
	return 0
}

// tailShard consumes one shard's event stream under its own consumer
// group, so the aggregator's offset is independent of any persistence
// worker's offset on the same stream (spec.md §4.4). A dead tailer
// returns its error so the caller's tomb brings the whole process
// down instead of serving stale state for that shard forever.
func tailShard(ctx context.Context, bus eventbus.Bus, streamKey, shardID string, agg *marketdata.Aggregator, logger zerolog.Logger) error {
	err := bus.ConsumeGroup(ctx, streamKey, "marketdata", "marketdata-"+shardID, func(recordID string, data []byte) error {
		e, err := eventcodec.Decode(data)
		if err != nil {
			logger.Error().Err(err).Str("record_id", recordID).Str("shard", shardID).Msg("dropping malformed event")
			return nil
		}
		agg.Handle(e)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Str("shard", shardID).Msg("shard tail stopped unexpectedly")
	}
	return err
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.Level); err == nil {
		logger = logger.Level(lvl)
	}
	return logger
}

func dialBus(cfg config.BusConfig) (eventbus.Bus, error) {
	if cfg.Addr == "" {
		return eventbus.NewInMemoryBus(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return eventbus.NewRedisBus(client), nil
}
