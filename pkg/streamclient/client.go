// Package streamclient follows a deployment event stream over a websocket,
// transparently reconnecting across transient disconnects.
package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// ErrAbandoned indicates the client gave up reconnecting after exhausting its
// retry budget.
var ErrAbandoned = errors.New("streamclient: gave up reconnecting")

const (
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 10
	handshakeTimeout   = 10 * time.Second
)

// Event is one decoded stream message. Data stays raw so callers can decode
// per Type.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Client follows one stream URL.
type Client struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	sleep func(context.Context, time.Duration) error
}

// New constructs a client for a ws:// or wss:// stream URL.
func New(url string, logger *slog.Logger) *Client {
	return &Client{
		url:         url,
		dialer:      &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger:      logger.With("component", "streamclient"),
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		maxAttempts: defaultMaxAttempts,
		sleep:       sleepContext,
	}
}

// Follow consumes the stream, invoking onEvent for every message in order.
// It returns nil when the server ends the session cleanly, ErrAbandoned after
// too many consecutive failed reconnects, or the context error on cancel. A
// successful connection resets the retry budget.
func (c *Client) Follow(ctx context.Context, onEvent func(Event)) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			attempt++
			if attempt >= c.maxAttempts {
				c.logger.Error("stream abandoned", "url", c.url, "attempts", attempt, "error", err)
				return fmt.Errorf("%w: %v", ErrAbandoned, err)
			}
			delay := c.backoffDelay(attempt)
			c.logger.Warn("stream connect failed, retrying", "url", c.url, "attempt", attempt, "delay", delay, "error", err)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		attempt = 0

		finished, err := c.consume(ctx, conn, onEvent)
		if finished {
			return err
		}
		// The connection dropped mid-stream; loop back into the dial path.
		c.logger.Warn("stream disconnected, reconnecting", "url", c.url, "error", err)
	}
}

// consume reads the connection until it ends. finished reports whether the
// session is over for good, as opposed to a reconnectable drop.
func (c *Client) consume(ctx context.Context, conn *websocket.Conn, onEvent func(Event)) (finished bool, err error) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return false, err
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			c.logger.Warn("discarding malformed stream event", "error", err)
			continue
		}
		onEvent(ev)
	}
}

// backoffDelay doubles per consecutive failure, capped at maxDelay.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
