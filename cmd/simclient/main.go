// Command simclient drives the request bus from the command line: it
// builds one internal/rpc.Request from flags, appends it to a shard's
// request stream, and polls for the reply, in place of a real gateway
// fronting it over WebSocket. Adapted from the teacher's cmd/client's
// flag idiom (-owner required, -action switch), generalized from a
// binary TCP frame to the JSON RPC contract over internal/eventbus.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"coreexchange/internal/common"
	"coreexchange/internal/config"
	"coreexchange/internal/eventbus"
	"coreexchange/internal/rpc"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	shardID := flag.String("shard-id", "0", "target shard id")
	user := flag.String("user", "", "user id (compulsory)")
	action := flag.String("action", "place", "action to perform: ['place', 'cancel', 'deposit', 'withdraw']")

	marketID := flag.String("market", "BTC-USDC", "market id")
	sideStr := flag.String("side", "buy", "order side: 'buy' or 'sell'")
	kindStr := flag.String("kind", "limit", "order kind: 'limit' or 'market'")
	price := flag.Int64("price", 0, "limit price (integer ticks)")
	qty := flag.Int64("qty", 0, "order quantity (atomic base units)")

	orderID := flag.String("order-id", "", "order id to cancel")
	token := flag.String("token", "USDC", "token id for deposit/withdraw")
	amount := flag.Int64("amount", 0, "amount for deposit/withdraw")

	timeout := flag.Duration("timeout", 5*time.Second, "how long to wait for a reply")
	flag.Parse()

	if *user == "" {
		fmt.Println("Error: -user is compulsory.")
		flag.Usage()
		return 1
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	bus, err := dialBus(cfg.Bus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to bus: %v\n", err)
		return 2
	}
	defer bus.Close()

	req, err := buildRequest(*action, *user, *marketID, *sideStr, *kindStr, *price, *qty, *orderID, *token, *amount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}

	data, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal request: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	streamKey := eventbus.StreamKey(eventbus.KindRequests, *shardID)
	if _, err := bus.Append(ctx, streamKey, data); err != nil {
		fmt.Fprintf(os.Stderr, "append request: %v\n", err)
		return 2
	}
	fmt.Printf("-> sent %s request %s for user %s\n", req.Type, req.RequestID, req.UserID)

	resp, err := awaitReply(ctx, bus, req.RequestID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "await reply: %v\n", err)
		return 2
	}

	printResponse(resp)
	if !resp.Success {
		return 1
	}
	return 0
}

func buildRequest(action, user, marketID, sideStr, kindStr string, price, qty int64, orderID, token string, amount int64) (rpc.Request, error) {
	requestID := uuid.NewString()
	switch strings.ToLower(action) {
	case "place":
		side := common.Buy
		if strings.ToLower(sideStr) == "sell" {
			side = common.Sell
		}
		kind := common.Limit
		if strings.ToLower(kindStr) == "market" {
			kind = common.Market
		}
		return rpc.Request{
			Type: rpc.TypePlaceOrder, RequestID: requestID, UserID: user,
			MarketID: common.MarketID(marketID), Side: side, Kind: kind, Price: price, Quantity: qty,
		}, nil

	case "cancel":
		if orderID == "" {
			return rpc.Request{}, fmt.Errorf("-order-id is required for cancel")
		}
		return rpc.Request{
			Type: rpc.TypeCancelOrder, RequestID: requestID, UserID: user,
			MarketID: common.MarketID(marketID), OrderID: orderID,
		}, nil

	case "deposit":
		return rpc.Request{
			Type: rpc.TypeDeposit, RequestID: requestID, UserID: user,
			TokenID: common.TokenID(token), Amount: amount,
		}, nil

	case "withdraw":
		return rpc.Request{
			Type: rpc.TypeWithdraw, RequestID: requestID, UserID: user,
			TokenID: common.TokenID(token), Amount: amount,
		}, nil

	default:
		return rpc.Request{}, fmt.Errorf("unknown action %q", action)
	}
}

// awaitReply polls GetReply until the engine's PutReply lands or ctx
// expires; there is no push path back to this CLI, unlike a real
// gateway's per-connection WebSocket.
func awaitReply(ctx context.Context, bus eventbus.Bus, requestID string) (rpc.Response, error) {
	for {
		data, found, err := bus.GetReply(ctx, requestID)
		if err != nil {
			return rpc.Response{}, err
		}
		if found {
			var resp rpc.Response
			if err := json.Unmarshal(data, &resp); err != nil {
				return rpc.Response{}, fmt.Errorf("unmarshal reply: %w", err)
			}
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return rpc.Response{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func printResponse(resp rpc.Response) {
	fmt.Printf("<- %s success=%v status=%s\n", resp.RequestID, resp.Success, resp.Status)
	if resp.OrderID != "" {
		fmt.Printf("   order_id=%s filled=%d remaining=%d avg_price=%d\n",
			resp.OrderID, resp.FilledQuantity, resp.RemainingQuantity, resp.AveragePrice)
	}
	for _, t := range resp.Trades {
		fmt.Printf("   trade %s: %d @ %d\n", t.TradeID, t.Quantity, t.Price)
	}
	if resp.Message != "" {
		fmt.Printf("   message: %s (%s)\n", resp.Message, resp.StatusCode)
	}
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
