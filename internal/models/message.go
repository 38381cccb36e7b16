// -----------------------------------------------------------------------
// Realtime envelope - wire format shared by the hub and the client
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Realtime message types recognized by the generic dispatcher. Unrecognized
// types are ignored there and left to type-specific listeners.
const (
	MessageTypeAuth        = "auth"
	MessageTypeAuthAck     = "auth_ack"
	MessageTypeHeartbeat   = "heartbeat"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypeJobUpdate   = "job_update"
	MessageTypeQueueStats  = "queue_stats"
	MessageTypeError       = "error"
)

// Channel topics clients may subscribe to.
const (
	ChannelJobs  = "jobs"
	ChannelQueue = "queue"
)

// Message is the envelope for every frame on the realtime channel.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	ClientID  string          `json:"client_id,omitempty"`
}

// NewMessage builds an envelope around a marshaled payload.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		raw = data
	}
	return &Message{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// AuthPayload is the first frame a client must send after connecting.
type AuthPayload struct {
	Token  string `json:"token"`
	UserID string `json:"user_id,omitempty"`
	Tier   string `json:"tier,omitempty"`
}

// AuthAckPayload acknowledges (or rejects) the auth handshake.
type AuthAckPayload struct {
	Success  bool   `json:"success"`
	ClientID string `json:"client_id,omitempty"`
	Error    string `json:"error,omitempty"`

	// ServerInstanceID changes on every server start; dashboards reset
	// cached state when it does
	ServerInstanceID string `json:"server_instance_id,omitempty"`
}

// SubscribePayload names the channel for subscribe/unsubscribe frames.
type SubscribePayload struct {
	Channel string `json:"channel"`
}

// JobUpdatePayload is broadcast on the jobs channel whenever a job's status
// or progress changes.
type JobUpdatePayload struct {
	JobID      string      `json:"job_id"`
	CustomerID string      `json:"customer_id,omitempty"`
	Status     JobStatus   `json:"status"`
	Progress   JobProgress `json:"progress"`
	Error      string      `json:"error,omitempty"`
}

// ErrorPayload carries a failure to the client without closing the socket.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
