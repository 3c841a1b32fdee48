// Package streaming maintains long-lived connections to federated servers'
// public timelines and turns stream events into domain posts.
package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fedikit/tagrelay/internal/domain"
)

// Transport selects how a Connector consumes a server's public timeline.
// Mastodon exposes the same stream over server-sent events and WebSocket.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

const (
	connectTimeout = 10 * time.Second
	// maxEventSize bounds a single stream event; statuses with large
	// rendered bodies stay well under this.
	maxEventSize = 1 << 20
)

// ErrIdleTimeout reports that a connection produced no traffic for longer
// than the configured idle window and was dropped so the supervisor can
// reconnect.
var ErrIdleTimeout = errors.New("stream idle timeout")

// Connector streams one server's public timeline and emits posts on its
// output channel in receipt order. A Run call covers exactly one connection
// lifetime; reconnecting after a disconnect is the orchestrator's job, not
// the Connector's.
type Connector struct {
	host        string
	transport   Transport
	idleTimeout time.Duration
	posts       chan<- *domain.Post
	httpClient  *http.Client
	logger      *slog.Logger

	// insecure switches to plain http/ws; only tests set it.
	insecure bool
}

// NewConnector creates a connector for one server host. All connectors
// created by the orchestrator share the posts channel feeding the match
// engine.
func NewConnector(host string, transport Transport, idleTimeout time.Duration, posts chan<- *domain.Post, logger *slog.Logger) *Connector {
	return &Connector{
		host:        host,
		transport:   transport,
		idleTimeout: idleTimeout,
		posts:       posts,
		// No overall client timeout: the stream is expected to stay
		// open indefinitely. Connection setup is bounded separately.
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout:   connectTimeout,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		logger: logger.With("server", host),
	}
}

// Host returns the server this connector streams from.
func (c *Connector) Host() string {
	return c.host
}

// Run connects and streams until the context is cancelled or the connection
// drops. It returns ctx.Err() on cancellation and a non-nil disconnect
// reason otherwise. Malformed individual events are logged and skipped;
// they never terminate the stream.
func (c *Connector) Run(ctx context.Context) error {
	switch c.transport {
	case TransportWebSocket:
		return c.runWebSocket(ctx)
	default:
		return c.runSSE(ctx)
	}
}

func (c *Connector) runSSE(ctx context.Context) error {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheme := "https"
	if c.insecure {
		scheme = "http"
	}
	endpoint := fmt.Sprintf("%s://%s/api/v1/streaming/public", scheme, c.host)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream handshake: unexpected status %d", resp.StatusCode)
	}

	c.logger.Info("stream connected", "transport", TransportSSE)

	// The watchdog cancels the request when no line arrives within the
	// idle window, which surfaces below as a read error.
	watchdog := time.AfterFunc(c.idleTimeout, cancel)
	defer watchdog.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	var eventName string
	var data []byte

	for scanner.Scan() {
		watchdog.Reset(c.idleTimeout)
		line := scanner.Text()

		switch {
		case line == "":
			if eventName == "update" && len(data) > 0 {
				if err := c.emit(ctx, data); err != nil {
					return err
				}
			}
			eventName = ""
			data = nil
		case strings.HasPrefix(line, ":"):
			// comment line, servers send these as keepalives
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if reqCtx.Err() != nil {
		// Only the watchdog cancels reqCtx while the parent is alive.
		return ErrIdleTimeout
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("stream closed by server")
}

// wsEnvelope is the message framing used by Mastodon's WebSocket streaming
// endpoint: the status itself arrives JSON-encoded inside the payload
// string.
type wsEnvelope struct {
	Event   string `json:"event"`
	Payload string `json:"payload"`
}

func (c *Connector) runWebSocket(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: connectTimeout,
	}

	scheme := "wss"
	if c.insecure {
		scheme = "ws"
	}
	endpoint := fmt.Sprintf("%s://%s/api/v1/streaming?stream=public", scheme, c.host)
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	c.logger.Info("stream connected", "transport", TransportWebSocket)

	// Unblock the read loop when the context is cancelled.
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
		if err := conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrIdleTimeout
			}
			return fmt.Errorf("read message: %w", err)
		}

		var envelope wsEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if envelope.Event != "update" || envelope.Payload == "" {
			continue
		}

		if err := c.emit(ctx, []byte(envelope.Payload)); err != nil {
			return err
		}
	}
}

// emit parses one update payload and forwards the post downstream. Parse
// failures drop the single offending event.
func (c *Connector) emit(ctx context.Context, data []byte) error {
	post, err := parseStatus(data, c.host)
	if err != nil {
		c.logger.Warn("dropping malformed event", "error", err)
		return nil
	}

	select {
	case c.posts <- post:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
