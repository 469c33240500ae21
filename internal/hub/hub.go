// Package hub keeps a WebSocket connection to a configuration hub and reports
// configuration change events. Events carry no payload beyond their type: the
// receiver is expected to reload its whole configuration.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/coman3/YetAnotherProxyManager/internal/logger"
)

// Event types sent by the hub.
const (
	EventConfigChanged = "config_changed"
	EventPing          = "ping"
	EventPong          = "pong"
)

// Event is one message on the hub connection.
type Event struct {
	Type    string `json:"type"`
	RouteID string `json:"route_id,omitempty"`
}

// Config configures a Client.
type Config struct {
	URL   string
	Token string

	// OnChange is called after every config_changed event and after every
	// successful (re)connect, since events may have been missed while offline.
	OnChange func()

	// ReadTimeout bounds the silence tolerated on a connection. Defaults to 90s.
	ReadTimeout time.Duration
	// InitialInterval and MaxInterval bound the reconnect backoff. Default 1s and 60s.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Dialer *websocket.Dialer
}

// Client is a reconnecting hub connection.
type Client struct {
	cfg Config
	log *slog.Logger
}

// NewClient validates cfg and returns a client. It does not connect until Run.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("hub url is required")
	}
	if cfg.OnChange == nil {
		return nil, errors.New("hub change callback is required")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 60 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{cfg: cfg, log: logger.With("component", "hub")}, nil
}

// Run connects and processes events until ctx is cancelled, reconnecting with
// exponential backoff whenever the connection drops.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval

	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = c.cfg.MaxInterval
		}
		c.log.Warn("hub disconnected, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce runs a single connection lifecycle. connected reports whether the
// handshake succeeded.
func (c *Client) runOnce(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("connect hub: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("connect hub: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.log.Info("hub connected", "url", c.cfg.URL)
	c.cfg.OnChange()

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return true, fmt.Errorf("read hub event: %w", err)
		}

		switch ev.Type {
		case EventConfigChanged:
			c.log.Info("config changed", "route_id", ev.RouteID)
			c.cfg.OnChange()
		case EventPing:
			if err := conn.WriteJSON(Event{Type: EventPong}); err != nil {
				return true, fmt.Errorf("write pong: %w", err)
			}
		default:
			c.log.Debug("ignoring hub event", "type", ev.Type)
		}
	}
}
