// Package realtime implements the Realtime Channel: a
// long-lived websocket connection that survives reconnects, replays its
// subscription set, and routes inbound patch and presence frames onward to
// the orchestrator and presence tracker via the typed event bus.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/adrian-moloca/dental-sub010/pkg/events"
	"github.com/adrian-moloca/dental-sub010/pkg/log"
	"github.com/adrian-moloca/dental-sub010/pkg/metrics"
	"github.com/adrian-moloca/dental-sub010/pkg/types"
)

// State is one position in the channel's connection state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// heartbeatInterval is how often a presence:heartbeat frame is sent. No pong
// is awaited; a dead connection is detected only when readLoop's read fails.
const heartbeatInterval = 20 * time.Second

// maxConsecutiveFailures bounds reconnect attempts before the channel gives
// up and leaves the caller to fall back to pull-only sync.
const maxConsecutiveFailures = 8

// clientFrame is an outbound message in the wire protocol.
type clientFrame struct {
	Type           string                `json:"type"`
	Channels       []string              `json:"channels,omitempty"`
	Status         types.PresenceStatus  `json:"status,omitempty"`
	ActiveResource *types.ActiveResource `json:"activeResource,omitempty"`
}

// serverFrame is an inbound message in the wire protocol.
type serverFrame struct {
	Type      string              `json:"type"`
	EventID   string              `json:"eventId,omitempty"`
	EventType string              `json:"eventType,omitempty"`
	Payload   serverFramePayload  `json:"payload,omitempty"`
	ActorID   string              `json:"actorId,omitempty"`
	Status    types.PresenceStatus `json:"status,omitempty"`
	Resource  *types.ActiveResource `json:"activeResource,omitempty"`
	Channels  []string            `json:"channels,omitempty"`
}

type serverFramePayload struct {
	Patch *types.PatchEnvelope `json:"patch,omitempty"`
}

// Dialer opens the underlying websocket connection. Overridable in tests.
type Dialer func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

func defaultDialer(ctx context.Context, u string, header http.Header) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	return conn, err
}

// Channel is the Realtime Channel client: one long-lived connection per
// device session.
type Channel struct {
	baseURL  string
	deviceID string
	dial     Dialer
	broker   *events.Broker

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	subscriptions map[string]struct{}
	cancel        context.CancelFunc
	closed        bool
}

// NewChannel wires a Channel against baseURL (the realtime service base
// URL) for deviceID. broker receives KindConnected/KindDisconnected/
// KindSubscribed/KindRealtimeEvent/KindPresence* events.
func NewChannel(baseURL, deviceID string, broker *events.Broker) *Channel {
	return &Channel{
		baseURL:       baseURL,
		deviceID:      deviceID,
		dial:          defaultDialer,
		broker:        broker,
		state:         StateDisconnected,
		subscriptions: make(map[string]struct{}),
	}
}

// State reports the channel's current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the socket with bearer auth and starts the reader and
// heartbeat loops. The previously-subscribed channel set (if any, e.g.
// across a prior Connect/Disconnect cycle) is resubscribed once the
// connection is established.
func (c *Channel) Connect(ctx context.Context, bearer string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("realtime: channel is closed")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	conn, err := c.dial(runCtx, c.baseURL, http.Header{
		"Authorization": []string{"Bearer " + bearer},
		"X-Device-Id":   []string{c.deviceID},
	})
	if err != nil {
		cancel()
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("realtime: dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.state = StateConnected
	c.mu.Unlock()

	metrics.RealtimeConnectionState.Set(1)
	c.broker.Publish(events.Event{Kind: events.KindConnected})

	if err := c.resubscribeLocked(); err != nil {
		log.WithComponent("realtime").Warn().Err(err).Msg("failed to replay subscriptions after connect")
	}

	go c.readLoop(runCtx, bearer)
	go c.heartbeatLoop(runCtx)

	return nil
}

// Subscribe adds channels to the acknowledged subscription set and sends a
// subscribe frame for them.
func (c *Channel) Subscribe(channels ...string) error {
	c.mu.Lock()
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	err := c.sendLocked(clientFrame{Type: "subscribe", Channels: channels})
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.broker.Publish(events.Event{Kind: events.KindSubscribed, Payload: channels})
	return nil
}

// Unsubscribe removes channels from the subscription set and sends an
// unsubscribe frame for them.
func (c *Channel) Unsubscribe(channels ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.subscriptions, ch)
	}
	return c.sendLocked(clientFrame{Type: "unsubscribe", Channels: channels})
}

// UpdatePresence sends a presence:update frame with the caller's new status
// and/or active resource.
func (c *Channel) UpdatePresence(status types.PresenceStatus, resource *types.ActiveResource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(clientFrame{Type: "presence:update", Status: status, ActiveResource: resource})
}

func (c *Channel) resubscribeLocked() error {
	if len(c.subscriptions) == 0 {
		return nil
	}
	channels := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		channels = append(channels, ch)
	}
	return c.sendLocked(clientFrame{Type: "subscribe", Channels: channels})
}

func (c *Channel) sendLocked(frame clientFrame) error {
	if c.conn == nil {
		return fmt.Errorf("realtime: not connected")
	}
	return c.conn.WriteJSON(frame)
}

// Disconnect closes the socket and stops its background loops without
// discarding the subscription set, so a subsequent Connect replays it.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Channel) disconnectLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.state != StateDisconnected {
		c.state = StateDisconnected
		metrics.RealtimeConnectionState.Set(0)
		c.broker.Publish(events.Event{Kind: events.KindDisconnected})
	}
}

// Close disconnects and marks the channel permanently unusable.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.disconnectLocked()
	c.mu.Unlock()
}

// readLoop pumps inbound frames until the connection breaks, then drives
// exponential-backoff reconnection attempts capped at
// maxConsecutiveFailures before giving up and leaving the channel
// disconnected for the caller (orchestrator) to notice and fall back to
// pull-only sync.
func (c *Channel) readLoop(ctx context.Context, bearer string) {
	logger := log.WithComponent("realtime")

	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.Warn().Err(err).Msg("realtime read failed, reconnecting")
			if !c.reconnect(ctx, bearer) {
				return
			}
			continue
		}

		var frame serverFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Warn().Err(err).Msg("failed to decode realtime frame")
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Channel) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Channel) dispatch(frame serverFrame) {
	switch frame.Type {
	case "connection:established":
		// handshake ack; Connect already published KindConnected.
	case "realtime:event":
		if frame.Payload.Patch != nil {
			c.broker.Publish(events.Event{Kind: events.KindRealtimeEvent, Payload: *frame.Payload.Patch})
		}
	case "presence:user_joined":
		c.broker.Publish(events.Event{Kind: events.KindPresenceJoined, Payload: frame.ActorID})
	case "presence:user_left":
		c.broker.Publish(events.Event{Kind: events.KindPresenceLeft, Payload: frame.ActorID})
	case "presence:user_updated":
		c.broker.Publish(events.Event{Kind: events.KindPresenceUpdated, Payload: types.PresenceUser{
			ActorID:        frame.ActorID,
			Status:         frame.Status,
			ActiveResource: frame.Resource,
			UpdatedAt:      time.Now(),
		}})
	default:
		log.WithComponent("realtime").Debug().Str("type", frame.Type).Msg("unhandled realtime frame type")
	}
}

// reconnect attempts to re-establish the socket with exponential backoff,
// reporting StateReconnecting throughout. Returns false once
// maxConsecutiveFailures is exceeded, at which point the caller should stop
// its read loop and fall back to pull-only sync.
func (c *Channel) reconnect(ctx context.Context, bearer string) bool {
	c.mu.Lock()
	c.state = StateReconnecting
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	metrics.RealtimeConnectionState.Set(0)

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	attempts := 0
	var dialErr error
	for attempts < maxConsecutiveFailures {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}

		attempts++
		conn, err := c.dial(ctx, c.baseURL, http.Header{
			"Authorization": []string{"Bearer " + bearer},
			"X-Device-Id":   []string{c.deviceID},
		})
		if err != nil {
			dialErr = err
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		_ = c.resubscribeLocked()
		c.mu.Unlock()

		metrics.RealtimeConnectionState.Set(1)
		metrics.RealtimeReconnectsTotal.Inc()
		c.broker.Publish(events.Event{Kind: events.KindConnected})
		return true
	}

	log.WithComponent("realtime").Error().Err(dialErr).Int("attempts", attempts).Msg("giving up reconnecting, falling back to pull-only sync")
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.broker.Publish(events.Event{Kind: events.KindDisconnected})
	return false
}

// heartbeatLoop sends a presence:heartbeat frame on a fixed cadence; a
// write failure is treated the same as a read failure and left to readLoop
// to notice and reconnect.
func (c *Channel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.sendLocked(clientFrame{Type: "presence:heartbeat"})
			c.mu.Unlock()
			if err != nil {
				log.WithComponent("realtime").Debug().Err(err).Msg("heartbeat send failed")
			}
		}
	}
}

// ResourceChannel builds the address-based channel name for a resource
// subscription: "resource:<type>:<id>".
func ResourceChannel(resourceType, resourceID string) string {
	return fmt.Sprintf("resource:%s:%s", resourceType, resourceID)
}

// PresenceChannel builds the address-based channel name for a tenant-scoped
// presence subscription.
func PresenceChannel(tenantID string) string {
	return fmt.Sprintf("presence:%s", tenantID)
}

// BuildURL composes the websocket URL for baseURL, appending scoping query
// parameters the server uses to authorize the upgrade.
func BuildURL(baseURL, tenantID, organizationID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("realtime: invalid base URL: %w", err)
	}
	q := u.Query()
	q.Set("tenantId", tenantID)
	q.Set("organizationId", organizationID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
