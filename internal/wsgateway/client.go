package wsgateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coreexchange/internal/common"
	"coreexchange/internal/marketdata"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// clientFrame is the inbound shape of spec.md §6.3's client frames.
type clientFrame struct {
	Action   string            `json:"action"`
	MarketID common.MarketID   `json:"market_id"`
	Feeds    []marketdata.Feed `json:"feeds"`
}

// infoFrame is the outbound "info" half of §6.3's server frame union.
type infoFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Client is one browser's WebSocket connection and its live feed
// subscriptions.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[subscriptionKey]*clientSubscription
}

// clientSubscription pairs an aggregator subscription with the stop
// signal that tells its pump goroutine to exit once the client
// explicitly unsubscribes, rather than leaking it until the whole
// connection closes.
type clientSubscription struct {
	sub  *marketdata.Subscriber
	stop chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		log:  hub.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		subs: make(map[subscriptionKey]*clientSubscription),
	}
}

// serve registers the client, starts its pumps, and blocks until the
// connection ends, cleaning up every subscription on the way out.
func (c *Client) serve() {
	c.hub.register(c)
	defer func() {
		c.hub.unregister(c)
		c.teardown()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump()
	close(c.send)
	<-done
}

func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, cs := range c.subs {
		close(cs.stop)
		cs.sub.Unsubscribe()
		delete(c.subs, key)
	}
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendInfo("invalid frame")
			continue
		}

		switch frame.Action {
		case "subscribe":
			c.subscribe(frame.MarketID, frame.Feeds)
		case "unsubscribe":
			c.unsubscribe(frame.MarketID, frame.Feeds)
		default:
			c.sendInfo("unknown action")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) subscribe(marketID common.MarketID, feeds []marketdata.Feed) {
	for _, feed := range feeds {
		key := subscriptionKey{marketID: marketID, feed: feed}

		c.mu.Lock()
		_, already := c.subs[key]
		c.mu.Unlock()
		if already {
			continue
		}

		sub, initial := c.hub.agg.Subscribe(marketID, feed)
		cs := &clientSubscription{sub: sub, stop: make(chan struct{})}
		c.mu.Lock()
		c.subs[key] = cs
		c.mu.Unlock()

		c.enqueueFrame(initial)
		go c.pumpSubscription(key, cs)
	}
}

func (c *Client) unsubscribe(marketID common.MarketID, feeds []marketdata.Feed) {
	for _, feed := range feeds {
		key := subscriptionKey{marketID: marketID, feed: feed}
		c.mu.Lock()
		cs, ok := c.subs[key]
		if ok {
			delete(c.subs, key)
		}
		c.mu.Unlock()
		if ok {
			close(cs.stop)
			cs.sub.Unsubscribe()
		}
	}
}

// pumpSubscription forwards one subscription's frames into the
// client's outbound buffer until it is explicitly unsubscribed, the
// connection closes, or the aggregator sheds it as lagging (spec.md
// §5).
func (c *Client) pumpSubscription(key subscriptionKey, cs *clientSubscription) {
	for {
		select {
		case <-cs.stop:
			return
		case frame, ok := <-cs.sub.Frames:
			if !ok {
				return
			}
			c.enqueueFrame(frame)
		case <-cs.sub.Lagging:
			c.sendInfo("lagging")
			c.mu.Lock()
			delete(c.subs, key)
			c.mu.Unlock()
			c.Close()
			return
		}
	}
}

func (c *Client) enqueueFrame(frame marketdata.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal outbound frame")
		return
	}
	c.enqueue(data)
}

func (c *Client) sendInfo(message string) {
	data, err := json.Marshal(infoFrame{Type: "info", Message: message})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue drops the frame rather than blocking if the client's own
// send buffer is already full; a client too slow to drain its own
// socket buffer is the gateway's problem, not the aggregator's.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.log.Warn().Msg("client send buffer full, dropping frame")
	}
}

// Close ends the connection's read loop, which unwinds serve's
// cleanup path.
func (c *Client) Close() {
	c.conn.Close()
}
