// Command engine runs one matching-engine shard process: it owns a
// disjoint set of markets, consumes PlaceOrder/CancelOrder/Deposit/
// Withdraw requests off the request bus, and publishes the resulting
// events onto the event bus (spec.md §6.1, §6.2).
//
// Grounded on the teacher's cmd/server/server.go (signal.NotifyContext
// wiring, engine constructed then handed a reporter) and
// cmd/client/client.go's flag-parsing idiom, generalized from a fixed
// TCP server to a request-bus consumer per SPEC_FULL §6.5.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	tomb "gopkg.in/tomb.v2"

	"coreexchange/internal/common"
	"coreexchange/internal/config"
	"coreexchange/internal/engine"
	"coreexchange/internal/eventbus"
	"coreexchange/internal/eventcodec"
	"coreexchange/internal/registry"
	"coreexchange/internal/rpc"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	shardID := flag.Int("shard-id", -1, "this process's shard id (overrides config)")
	marketsFlag := flag.String("markets", "", "comma-separated market ids this shard owns (overrides config)")
	dumpBook := flag.String("dump-book", "", "print a depth snapshot for the given market id and exit")
	resetDedup := flag.Bool("reset-dedup", false, "clear the dedup cache and exit")
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
	if *shardID >= 0 {
		cfg.Engine.ShardID = *shardID
	}
	if *marketsFlag != "" {
		cfg.Engine.Markets = strings.Split(*marketsFlag, ",")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Logging)

	reg := registry.New()
	if err := seedRegistry(reg, cfg.Engine.Markets); err != nil {
		logger.Error().Err(err).Msg("failed to seed registry")
		return 1
	}

	bus, err := dialBus(cfg.Bus)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to bus")
		return 2
	}
	defer bus.Close()

	shardKey := strconv.Itoa(cfg.Engine.ShardID)
	pub := &busPublisher{bus: bus, shardID: uint32(cfg.Engine.ShardID), shardKey: shardKey, log: logger}

	sh, err := engine.New(uint32(cfg.Engine.ShardID), reg, pub, cfg.Engine.DedupCapacity, cfg.Engine.DedupWindow, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct shard")
		return 1
	}

	if *dumpBook != "" {
		return dumpDepth(sh, common.MarketID(*dumpBook))
	}
	if *resetDedup {
		sh.ResetDedup()
		fmt.Println("dedup cache reset")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Int("shard_id", cfg.Engine.ShardID).Strs("markets", cfg.Engine.Markets).Msg("engine shard starting")

	t, tombCtx := tomb.WithContext(ctx)
	requestStream := eventbus.StreamKey(eventbus.KindRequests, shardKey)
	t.Go(func() error {
		return bus.ConsumeGroup(tombCtx, requestStream, "engine", "shard-"+shardKey, handleRequest(sh, bus, logger))
	})

	<-t.Dying()
	if err := t.Err(); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("request consumer stopped unexpectedly")
		return 2
	}
	logger.Info().Msg("engine shard shutting down")
	return 0
}

func handleRequest(sh *engine.Shard, bus eventbus.Bus, logger zerolog.Logger) func(string, []byte) error {
	return func(recordID string, data []byte) error {
		var req rpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Error().Err(err).Str("record_id", recordID).Msg("dropping malformed request")
			return nil
		}

		resp, err := rpc.Dispatch(sh, req)
		if err != nil {
			logger.Error().Err(err).Str("record_id", recordID).Msg("dropping unroutable request")
			return nil
		}

		replyData, err := json.Marshal(rpc.FromOrderResponse(resp))
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		return bus.PutReply(context.Background(), resp.RequestID, replyData, 10*time.Minute)
	}
}

// busPublisher adapts engine.EventPublisher onto the durable event
// bus, JSON-encoding each event with internal/eventcodec so an
// out-of-process consumer (internal/marketdata's aggregator, a
// persistence worker) can reconstruct it exactly.
type busPublisher struct {
	bus      eventbus.Bus
	shardID  uint32
	shardKey string
	log      zerolog.Logger
}

func (p *busPublisher) Publish(e common.Event) {
	data, err := eventcodec.Encode(e)
	if err != nil {
		p.log.Error().Err(err).Str("kind", e.Kind.String()).Msg("failed to encode event")
		return
	}
	streamKey := eventbus.StreamKey(eventbus.KindEvents, p.shardKey)
	// The engine never blocks on publish (spec.md §5); a bus that
	// cannot keep up is an operator-visible fatal condition, not
	// something this shard retries inline.
	if _, err := p.bus.Append(context.Background(), streamKey, data); err != nil {
		p.log.Error().Err(err).Str("kind", e.Kind.String()).Msg("failed to publish event, bus may be unavailable")
	}
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

func dumpDepth(sh *engine.Shard, marketID common.MarketID) int {
	bids, asks, err := sh.DepthSnapshot(marketID, 50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dump-book: %v\n", err)
		return 1
	}
	fmt.Printf("market: %s\n", marketID)
	fmt.Println("bids:")
	for _, l := range bids {
		fmt.Printf("  %d @ %d (%d orders)\n", l.Quantity, l.Price, l.Count)
	}
	fmt.Println("asks:")
	for _, l := range asks {
		fmt.Printf("  %d @ %d (%d orders)\n", l.Quantity, l.Price, l.Count)
	}
	return 0
}

// demoCatalog is the fixed token/market catalog this CLI bootstraps a
// shard with, in the spirit of the teacher's common.Equities list —
// a real deployment's registry is instead kept current by admin
// events (SPEC_FULL §9), which this standalone process does not
// originate.
var demoCatalog = map[common.MarketID]common.MarketInfo{
	"BTC-USDC": {ID: "BTC-USDC", Symbol: "BTC-USDC", BaseToken: "BTC", QuoteToken: "USDC", MinOrderSize: 1000, TickSize: 1, Active: true},
	"ETH-USDC": {ID: "ETH-USDC", Symbol: "ETH-USDC", BaseToken: "ETH", QuoteToken: "USDC", MinOrderSize: 1000, TickSize: 1, Active: true},
}

var demoTokens = map[common.TokenID]common.Token{
	"BTC":  {ID: "BTC", Symbol: "BTC", Decimals: 8, Active: true},
	"ETH":  {ID: "ETH", Symbol: "ETH", Decimals: 18, Active: true},
	"USDC": {ID: "USDC", Symbol: "USDC", Decimals: 6, Active: true},
}

func seedRegistry(reg *registry.Registry, marketIDs []string) error {
	for _, tok := range demoTokens {
		if err := reg.AddToken(tok); err != nil {
			return err
		}
	}
	for _, id := range marketIDs {
		m, ok := demoCatalog[common.MarketID(strings.TrimSpace(id))]
		if !ok {
			return fmt.Errorf("engine: unknown market id %q (not in demo catalog)", id)
		}
		if err := reg.AddMarket(m); err != nil {
			return err
		}
	}
	return nil
}
