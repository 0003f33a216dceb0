// Package wsgateway serves spec.md §6.3: browsers connect over
// ws://<host>/ws, send {action, market_id, feeds[]} frames to
// subscribe/unsubscribe, and receive {type:"event", channel, payload}
// frames plus a {type:"info", message:"lagging"} close notice when the
// aggregator sheds them for falling behind.
//
// Grounded on 0xtitan6-polymarket-mm/internal/api/stream.go's Hub/Client
// register/unregister/broadcast pattern, generalized from a single
// broadcast-only dashboard feed to per-client, per-market, per-feed
// subscriptions backed by internal/marketdata.Aggregator.
package wsgateway

import (
	"sync"

	"github.com/rs/zerolog"

	"coreexchange/internal/common"
	"coreexchange/internal/marketdata"
)

// Hub owns the set of connected clients and the marketdata aggregator
// they subscribe against.
type Hub struct {
	agg *marketdata.Aggregator
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(agg *marketdata.Aggregator, log zerolog.Logger) *Hub {
	return &Hub{
		agg:     agg,
		log:     log.With().Str("component", "ws-hub").Logger(),
		clients: make(map[*Client]struct{}),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.log.Info().Int("count", len(h.clients)).Msg("client connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.log.Info().Int("count", len(h.clients)).Msg("client disconnected")
	}
}

// subscriptionKey identifies one (market, feed) pair a client can be
// subscribed to at most once.
type subscriptionKey struct {
	marketID common.MarketID
	feed     marketdata.Feed
}
