package common

import (
	"github.com/google/uuid"
)

// NewClientID generates a unique realtime client ID with the "client_" prefix
func NewClientID() string {
	return "client_" + uuid.New().String()
}

// NewServerInstanceID generates the per-process instance ID handed to
// realtime clients so they can detect a server restart.
func NewServerInstanceID() string {
	return uuid.New().String()
}
