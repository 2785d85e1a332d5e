// Package coinbasews is a minimal client for the Coinbase Advanced Trade
// WebSocket feed. It provides Connect / Subscribe / Unsubscribe, automatic
// reconnect with resubscribe, and callback-based message delivery over
// gorilla/websocket.
package coinbasews

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultURL is the public market-data feed endpoint.
	DefaultURL = "wss://advanced-trade-ws.coinbase.com"

	writeWait = 5 * time.Second
)

// request is the frame shape for subscribe/unsubscribe messages.
type request struct {
	Type       string   `json:"type"`
	Channel    string   `json:"channel"`
	ProductIDs []string `json:"product_ids,omitempty"`
}

// Client maintains one feed connection. Callbacks run on the read loop
// goroutine; OnMessage must not block.
type Client struct {
	URL    string
	Dialer *websocket.Dialer

	// retry config
	MaxRetries int
	RetryDelay time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string][]string // channel -> products, replayed on reconnect
	closed  bool
	retries int

	ctx    context.Context
	cancel context.CancelFunc

	// Callbacks
	OnMessage func(msg []byte)
	OnOpen    func()
	OnClose   func()
	OnError   func(err error)
}

// New creates a client for the given feed URL ("" means DefaultURL).
func New(url string) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		URL:        url,
		Dialer:     websocket.DefaultDialer,
		MaxRetries: 5,
		RetryDelay: 2 * time.Second,
		subs:       make(map[string][]string),
	}
}

// Connect dials the feed and starts the read loop. The context bounds the
// dial and all later reconnect attempts.
func (c *Client) Connect(ctx context.Context) error {
	cctx, cancel := context.WithCancel(ctx)

	conn, resp, err := c.Dialer.DialContext(cctx, c.URL, nil)
	if err != nil {
		cancel()
		if resp != nil {
			return fmt.Errorf("dial %s: status %s: %w", c.URL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", c.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.retries = 0
	c.ctx = cctx
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(conn)

	if c.OnOpen != nil {
		c.OnOpen()
	}
	return nil
}

// Subscribe requests a channel for the given products and records the
// subscription for replay after reconnect.
func (c *Client) Subscribe(channel string, products []string) error {
	c.mu.Lock()
	c.subs[channel] = mergeProducts(c.subs[channel], products)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("coinbasews: not connected")
	}
	return c.writeJSON(conn, request{Type: "subscribe", Channel: channel, ProductIDs: products})
}

// Unsubscribe stops delivery for the given products on a channel and drops
// them from the replay state.
func (c *Client) Unsubscribe(channel string, products []string) error {
	c.mu.Lock()
	remaining := removeProducts(c.subs[channel], products)
	if len(remaining) == 0 {
		delete(c.subs, channel)
	} else {
		c.subs[channel] = remaining
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("coinbasews: not connected")
	}
	return c.writeJSON(conn, request{Type: "unsubscribe", Channel: channel, ProductIDs: products})
}

// Close sends a close frame and tears the connection down. The client does
// not reconnect after Close.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
	}
}

// handleReadError reconnects with fixed delay up to MaxRetries, replaying
// recorded subscriptions on success. OnClose fires once reconnection is
// abandoned or the client was closed deliberately.
func (c *Client) handleReadError(err error) {
	c.mu.Lock()
	closed := c.closed
	ctx := c.ctx
	c.mu.Unlock()

	if closed || ctx == nil || ctx.Err() != nil {
		if c.OnClose != nil {
			c.OnClose()
		}
		return
	}

	log.Printf("[coinbasews] read error: %v", err)

	for {
		c.mu.Lock()
		c.retries++
		attempt := c.retries
		c.mu.Unlock()

		if attempt > c.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			if c.OnClose != nil {
				c.OnClose()
			}
			return
		case <-time.After(c.RetryDelay):
		}

		conn, _, derr := c.Dialer.DialContext(ctx, c.URL, nil)
		if derr != nil {
			log.Printf("[coinbasews] reconnect attempt %d failed: %v", attempt, derr)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.retries = 0 // attempt budget is per disconnect, not per client lifetime
		replay := make(map[string][]string, len(c.subs))
		for ch, prods := range c.subs {
			replay[ch] = append([]string(nil), prods...)
		}
		c.mu.Unlock()

		for ch, prods := range replay {
			if werr := c.writeJSON(conn, request{Type: "subscribe", Channel: ch, ProductIDs: prods}); werr != nil {
				log.Printf("[coinbasews] resubscribe %s failed: %v", ch, werr)
			}
		}

		log.Printf("[coinbasews] reconnected after %d attempt(s)", attempt)
		if c.OnOpen != nil {
			c.OnOpen()
		}
		go c.readLoop(conn)
		return
	}

	if c.OnError != nil {
		c.OnError(fmt.Errorf("reconnect abandoned after %d attempts: %w", c.MaxRetries, err))
	}
	if c.OnClose != nil {
		c.OnClose()
	}
}

// writeJSON serializes under the client mutex; gorilla connections allow
// only one concurrent writer.
func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func mergeProducts(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, p := range existing {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, p := range add {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func removeProducts(src, remove []string) []string {
	m := make(map[string]struct{}, len(remove))
	for _, r := range remove {
		m[r] = struct{}{}
	}
	out := make([]string, 0, len(src))
	for _, v := range src {
		if _, ok := m[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
