// -----------------------------------------------------------------------
// WebSocket Hub - authenticated realtime channel for workers and dashboards
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/dirigo/internal/common"
	"github.com/ternarybob/dirigo/internal/interfaces"
	"github.com/ternarybob/dirigo/internal/models"
	"github.com/ternarybob/dirigo/internal/services/sessions"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// wsClient is one registered connection. Writes are serialized through mu;
// gorilla connections do not allow concurrent writers. Auth state and
// subscriptions are written on the reader goroutine and read by broadcast
// goroutines, so both are guarded by the hub's mu.
type wsClient struct {
	conn          *websocket.Conn
	mu            sync.Mutex
	clientID      string
	subjectID     string
	authenticated bool
	subscriptions map[string]bool
}

// WebSocketHandler owns the client registry and pipes job events out to
// subscribed connections. The first frame on every connection must be an
// auth envelope carrying a valid session token; anything else is rejected
// and the connection closed.
type WebSocketHandler struct {
	logger         arbor.ILogger
	sessionService *sessions.Service
	eventService   interfaces.EventService

	clients map[*wsClient]bool
	mu      sync.RWMutex

	heartbeatInterval time.Duration
	writeTimeout      time.Duration

	// progressThrottler caps job_progress broadcast frequency; nil = no
	// throttling. Claim/completion events are never throttled.
	progressThrottler *rate.Limiter

	// serverInstanceID changes on every start so clients detect restarts
	serverInstanceID string
}

// NewWebSocketHandler creates a new WebSocketHandler instance
func NewWebSocketHandler(sessionService *sessions.Service, eventService interfaces.EventService, logger arbor.ILogger, config *common.RealtimeConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:            logger,
		sessionService:    sessionService,
		eventService:      eventService,
		clients:           make(map[*wsClient]bool),
		heartbeatInterval: common.ParseDurationOr(config.HeartbeatInterval, 30*time.Second),
		writeTimeout:      common.ParseDurationOr(config.WriteTimeout, 10*time.Second),
		serverInstanceID:  common.NewServerInstanceID(),
	}

	if config.ProgressThrottle != "" {
		if interval, err := time.ParseDuration(config.ProgressThrottle); err == nil {
			h.progressThrottler = rate.NewLimiter(rate.Every(interval), 1)
			logger.Debug().
				Str("interval", config.ProgressThrottle).
				Msg("Throttler initialized for job progress broadcasts")
		} else {
			logger.Warn().Err(err).
				Str("interval", config.ProgressThrottle).
				Msg("Failed to parse progress throttle interval - throttling disabled")
		}
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket hub initialized")

	if eventService != nil {
		h.subscribeToJobEvents()
	}

	return h
}

// ServerInstanceID returns the ID generated for this process start.
func (h *WebSocketHandler) ServerInstanceID() string {
	return h.serverInstanceID
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{
		conn:          conn,
		subscriptions: make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.heartbeatInterval))
	})
	conn.SetReadDeadline(time.Now().Add(2 * h.heartbeatInterval))

	stopPings := h.startPinger(client)
	defer stopPings()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(2 * h.heartbeatInterval))

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(client, "bad_message", "could not parse message envelope")
			continue
		}

		if !h.handleMessage(r.Context(), client, &msg) {
			return
		}
	}
}

// handleMessage processes one inbound frame. Returns false when the
// connection must close.
func (h *WebSocketHandler) handleMessage(ctx context.Context, client *wsClient, msg *models.Message) bool {
	// Until the handshake completes, auth is the only frame accepted
	if !client.authenticated && msg.Type != models.MessageTypeAuth {
		h.sendError(client, "auth_required", "first message must be auth")
		return false
	}

	switch msg.Type {
	case models.MessageTypeAuth:
		return h.handleAuth(ctx, client, msg)

	case models.MessageTypeHeartbeat:
		// Echo so clients measure liveness over the same envelope they sent
		h.send(client, &models.Message{
			Type:      models.MessageTypeHeartbeat,
			Timestamp: time.Now().UTC(),
			ClientID:  client.clientID,
		})

	case models.MessageTypeSubscribe:
		h.handleSubscription(client, msg, true)

	case models.MessageTypeUnsubscribe:
		h.handleSubscription(client, msg, false)

	default:
		h.sendError(client, "unknown_type", "unrecognized message type: "+msg.Type)
	}

	return true
}

func (h *WebSocketHandler) handleAuth(ctx context.Context, client *wsClient, msg *models.Message) bool {
	var payload models.AuthPayload
	if msg.Payload != nil {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.sendAuthAck(client, "", "malformed auth payload")
			return false
		}
	}

	session, err := h.sessionService.Validate(ctx, payload.Token, "")
	if err != nil {
		h.logger.Debug().Err(err).Msg("WebSocket auth rejected")
		h.sendAuthAck(client, "", "invalid or expired session")
		return false
	}

	h.mu.Lock()
	client.clientID = common.NewClientID()
	client.subjectID = session.SubjectID
	client.authenticated = true
	h.mu.Unlock()

	h.logger.Debug().
		Str("client_id", client.clientID).
		Str("subject_id", session.SubjectID).
		Msg("WebSocket client authenticated")

	h.sendAuthAck(client, client.clientID, "")
	return true
}

func (h *WebSocketHandler) handleSubscription(client *wsClient, msg *models.Message, subscribe bool) {
	var payload models.SubscribePayload
	if msg.Payload != nil {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.sendError(client, "bad_message", "malformed subscribe payload")
			return
		}
	}

	if payload.Channel != models.ChannelJobs && payload.Channel != models.ChannelQueue {
		h.sendError(client, "unknown_channel", "unknown channel: "+payload.Channel)
		return
	}

	h.mu.Lock()
	if subscribe {
		client.subscriptions[payload.Channel] = true
	} else {
		delete(client.subscriptions, payload.Channel)
	}
	h.mu.Unlock()
}

// startPinger sends periodic control pings so dead peers are detected even
// when no application traffic flows.
func (h *WebSocketHandler) startPinger(client *wsClient) func() {
	ticker := time.NewTicker(h.heartbeatInterval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				client.mu.Lock()
				client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
				err := client.conn.WriteMessage(websocket.PingMessage, nil)
				client.mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

// subscribeToJobEvents wires the in-process event bus into the hub.
func (h *WebSocketHandler) subscribeToJobEvents() {
	broadcast := func(ctx context.Context, event interfaces.Event) error {
		h.broadcastJobEvent(event)
		return nil
	}

	for _, et := range []interfaces.EventType{
		interfaces.EventJobCreated,
		interfaces.EventJobClaimed,
		interfaces.EventJobProgress,
		interfaces.EventJobCompleted,
		interfaces.EventJobRetried,
	} {
		if err := h.eventService.Subscribe(et, broadcast); err != nil {
			h.logger.Warn().Err(err).Str("event_type", string(et)).Msg("Failed to subscribe hub to job events")
		}
	}

	if err := h.eventService.Subscribe(interfaces.EventQueueStats, func(ctx context.Context, event interfaces.Event) error {
		h.broadcastToChannel(models.ChannelQueue, models.MessageTypeQueueStats, event.Payload)
		return nil
	}); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to subscribe hub to queue stats events")
	}
}

func (h *WebSocketHandler) broadcastJobEvent(event interfaces.Event) {
	// Progress events fire per result batch; collapse bursts so dashboards
	// are not flooded. State transitions always go out.
	if event.Type == interfaces.EventJobProgress && h.progressThrottler != nil && !h.progressThrottler.Allow() {
		return
	}

	h.broadcastToChannel(models.ChannelJobs, models.MessageTypeJobUpdate, event.Payload)
}

// broadcastToChannel sends one message to every authenticated client
// subscribed to the channel.
func (h *WebSocketHandler) broadcastToChannel(channel, msgType string, payload interface{}) {
	msg, err := models.NewMessage(msgType, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("Failed to build broadcast message")
		return
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		if client.authenticated && client.subscriptions[channel] {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		h.send(client, msg)
	}
}

func (h *WebSocketHandler) sendAuthAck(client *wsClient, clientID, errMsg string) {
	ack := models.AuthAckPayload{
		Success:          errMsg == "",
		ClientID:         clientID,
		Error:            errMsg,
		ServerInstanceID: h.serverInstanceID,
	}
	msg, err := models.NewMessage(models.MessageTypeAuthAck, ack)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to build auth ack")
		return
	}
	h.send(client, msg)
}

func (h *WebSocketHandler) sendError(client *wsClient, code, message string) {
	msg, err := models.NewMessage(models.MessageTypeError, models.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	h.send(client, msg)
}

func (h *WebSocketHandler) send(client *wsClient, msg *models.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal message")
		return
	}

	client.mu.Lock()
	client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	err = client.conn.WriteMessage(websocket.TextMessage, data)
	client.mu.Unlock()

	if err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
	}
}

// ClientCount returns the number of registered connections.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
