// -----------------------------------------------------------------------
// Realtime Client - dialing side of the hub, used by workers and dashboards
// -----------------------------------------------------------------------

package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/common"
	"github.com/ternarybob/dirigo/internal/models"
)

// State is the client's connection lifecycle position.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateSubscribed    State = "subscribed"
)

// Handler receives messages of the type it was registered for.
type Handler func(*models.Message)

// DisconnectHandler is notified when the client gives up reconnecting.
type DisconnectHandler func(err error)

// Client maintains an authenticated connection to the hub. Messages sent
// before the auth handshake completes are queued (bounded, oldest dropped)
// and flushed in order once the server acknowledges auth. Unexpected
// disconnects trigger exponential-backoff reconnects up to a configured
// attempt cap, after which disconnect handlers fire and the client stays
// down until Connect is called again.
type Client struct {
	url    string
	token  string
	logger arbor.ILogger

	heartbeatInterval    time.Duration
	writeTimeout         time.Duration
	reconnectBase        time.Duration
	maxReconnectAttempts int
	pendingQueueSize     int

	mu            sync.Mutex
	conn          *websocket.Conn
	state         State
	closed        bool
	pending       []*models.Message
	subscriptions map[string]bool
	readerDone    chan struct{}

	handlerMu          sync.RWMutex
	handlers           map[string][]Handler
	disconnectHandlers []DisconnectHandler

	// serverInstanceID from the last auth ack; a change means the server
	// restarted and any cached state is stale
	serverInstanceID string
}

// NewClient creates a realtime client. Connect must be called to dial.
func NewClient(url, token string, config *common.RealtimeConfig, logger arbor.ILogger) *Client {
	pendingSize := config.PendingQueueSize
	if pendingSize <= 0 {
		pendingSize = 256
	}
	maxAttempts := config.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}

	return &Client{
		url:                  url,
		token:                token,
		logger:               logger,
		heartbeatInterval:    common.ParseDurationOr(config.HeartbeatInterval, 30*time.Second),
		writeTimeout:         common.ParseDurationOr(config.WriteTimeout, 10*time.Second),
		reconnectBase:        common.ParseDurationOr(config.ReconnectBase, time.Second),
		maxReconnectAttempts: maxAttempts,
		pendingQueueSize:     pendingSize,
		state:                StateDisconnected,
		subscriptions:        make(map[string]bool),
		handlers:             make(map[string][]Handler),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInstanceID returns the instance ID from the last successful auth.
func (c *Client) ServerInstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInstanceID
}

// On registers a handler for one message type. The dispatcher ignores
// message types nobody registered for.
func (c *Client) On(msgType string, handler Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[msgType] = append(c.handlers[msgType], handler)
}

// OnDisconnect registers a handler fired when reconnection is abandoned.
func (c *Client) OnDisconnect(handler DisconnectHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.disconnectHandlers = append(c.disconnectHandlers, handler)
}

// Connect dials the hub and runs the auth handshake asynchronously: it
// returns once the socket is up, and queued messages flush when the ack
// arrives.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	return c.dial()
}

func (c *Client) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.readerDone = make(chan struct{})
	done := c.readerDone
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.heartbeatLoop(conn, done)

	return c.sendAuth(conn)
}

func (c *Client) sendAuth(conn *websocket.Conn) error {
	msg, err := models.NewMessage(models.MessageTypeAuth, models.AuthPayload{Token: c.token})
	if err != nil {
		return err
	}
	return c.write(conn, msg)
}

// Send delivers a message to the hub. Before the handshake completes the
// message is queued; when the queue is full the oldest entry is dropped so
// recent traffic wins.
func (c *Client) Send(msg *models.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}

	if c.state != StateAuthenticated && c.state != StateSubscribed {
		if len(c.pending) >= c.pendingQueueSize {
			c.pending = c.pending[1:]
			c.logger.Debug().Msg("Pending queue full, dropped oldest message")
		}
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return nil
	}

	conn := c.conn
	c.mu.Unlock()
	return c.write(conn, msg)
}

// Subscribe asks the hub for a channel's broadcasts. Subscriptions are
// remembered and replayed after a reconnect.
func (c *Client) Subscribe(channel string) error {
	c.mu.Lock()
	c.subscriptions[channel] = true
	c.mu.Unlock()

	msg, err := models.NewMessage(models.MessageTypeSubscribe, models.SubscribePayload{Channel: channel})
	if err != nil {
		return err
	}
	if err := c.Send(msg); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateAuthenticated {
		c.state = StateSubscribed
	}
	c.mu.Unlock()
	return nil
}

// Unsubscribe stops a channel's broadcasts.
func (c *Client) Unsubscribe(channel string) error {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()

	msg, err := models.NewMessage(models.MessageTypeUnsubscribe, models.SubscribePayload{Channel: channel})
	if err != nil {
		return err
	}
	if err := c.Send(msg); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateSubscribed && len(c.subscriptions) == 0 {
		c.state = StateAuthenticated
	}
	c.mu.Unlock()
	return nil
}

// Close shuts the connection down for good; no reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to parse inbound message")
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *models.Message) {
	if msg.Type == models.MessageTypeAuthAck {
		c.handleAuthAck(msg)
	}

	c.handlerMu.RLock()
	handlers := c.handlers[msg.Type]
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
}

func (c *Client) handleAuthAck(msg *models.Message) {
	var ack models.AuthAckPayload
	if msg.Payload != nil {
		if err := json.Unmarshal(msg.Payload, &ack); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to parse auth ack")
			return
		}
	}

	if !ack.Success {
		// Bad credentials won't improve on retry; stay down
		c.logger.Warn().Str("error", ack.Error).Msg("Authentication rejected by server")
		c.mu.Lock()
		c.closed = true
		c.state = StateDisconnected
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.notifyDisconnect(fmt.Errorf("authentication rejected: %s", ack.Error))
		return
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.serverInstanceID = ack.ServerInstanceID
	pending := c.pending
	c.pending = nil
	subscriptions := make([]string, 0, len(c.subscriptions))
	for channel := range c.subscriptions {
		subscriptions = append(subscriptions, channel)
	}
	conn := c.conn
	c.mu.Unlock()

	c.logger.Debug().
		Str("client_id", ack.ClientID).
		Int("queued", len(pending)).
		Msg("Authenticated, flushing pending messages")

	// Oldest first: the queue preserves send order across the handshake
	for _, queued := range pending {
		if err := c.write(conn, queued); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to flush queued message")
			return
		}
	}

	for _, channel := range subscriptions {
		msg, err := models.NewMessage(models.MessageTypeSubscribe, models.SubscribePayload{Channel: channel})
		if err != nil {
			continue
		}
		if err := c.write(conn, msg); err != nil {
			c.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to resubscribe")
			return
		}
	}

	if len(subscriptions) > 0 {
		c.mu.Lock()
		if c.state == StateAuthenticated {
			c.state = StateSubscribed
		}
		c.mu.Unlock()
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			ready := (c.state == StateAuthenticated || c.state == StateSubscribed) && c.conn == conn
			c.mu.Unlock()
			if !ready {
				continue
			}

			msg, err := models.NewMessage(models.MessageTypeHeartbeat, nil)
			if err != nil {
				continue
			}
			if err := c.write(conn, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// handleDisconnect runs the reconnect policy after an unexpected close.
func (c *Client) handleDisconnect(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.logger.Warn().Err(cause).Msg("Connection lost, reconnecting")

	for attempt := 0; attempt < c.maxReconnectAttempts; attempt++ {
		delay := c.reconnectBase * (1 << attempt)
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		if err := c.dial(); err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Reconnect attempt failed")
			continue
		}

		c.logger.Info().Int("attempt", attempt+1).Msg("Reconnected")
		return
	}

	c.logger.Error().Int("attempts", c.maxReconnectAttempts).Msg("Reconnect attempts exhausted")
	c.notifyDisconnect(fmt.Errorf("reconnect attempts exhausted: %w", cause))
}

func (c *Client) notifyDisconnect(err error) {
	c.handlerMu.RLock()
	handlers := make([]DisconnectHandler, len(c.disconnectHandlers))
	copy(handlers, c.disconnectHandlers)
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		handler(err)
	}
}

// write serializes one frame onto the wire under the write deadline.
func (c *Client) write(conn *websocket.Conn, msg *models.Message) error {
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
