package models

import "time"

// RateLimitRecord tracks one identity+endpoint budget inside a fixed window.
// Created lazily on first request, reset when the window rolls over.
type RateLimitRecord struct {
	Key         string    `json:"key"` // identity + "|" + endpoint
	Count       int       `json:"count"`
	WindowReset time.Time `json:"window_reset"`
	BurstTokens int       `json:"burst_tokens"`
	LastRequest time.Time `json:"last_request"`
}

// RateLimitKey builds the record key for an identity+endpoint pair.
func RateLimitKey(identity, endpoint string) string {
	return identity + "|" + endpoint
}
