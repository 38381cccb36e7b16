package models

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubjectType distinguishes customer and staff sessions; the two use
// different configured max ages.
type SubjectType string

const (
	SubjectCustomer SubjectType = "customer"
	SubjectStaff    SubjectType = "staff"
)

// Session is a server-side session record keyed by an opaque token.
// Expiry slides: a validation landing within the renewal threshold of
// ExpiresAt extends it by the subject type's max age.
type Session struct {
	Token        string      `json:"token"`
	SubjectID    string      `json:"subject_id"`
	SubjectType  SubjectType `json:"subject_type"`
	Role         string      `json:"role,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	LastAccessed time.Time   `json:"last_accessed"`
	ExpiresAt    time.Time   `json:"expires_at"`

	// Client fingerprint captured at creation, used by the optional
	// IP-continuity check
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Active bool `json:"active"`
}

// NewSession creates an active session expiring maxAge from now.
func NewSession(subjectID string, subjectType SubjectType, role, ip, userAgent string, maxAge time.Duration) *Session {
	now := time.Now()
	return &Session{
		Token:        uuid.New().String(),
		SubjectID:    subjectID,
		SubjectType:  subjectType,
		Role:         role,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(maxAge),
		IPAddress:    ip,
		UserAgent:    userAgent,
		Active:       true,
	}
}

// Expired reports whether the session's expiry has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

type sessionContextKey struct{}

// WithSession attaches a validated session to the request context.
func WithSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFromContext returns the validated session, or nil when the
// request carried none.
func SessionFromContext(ctx context.Context) *Session {
	session, _ := ctx.Value(sessionContextKey{}).(*Session)
	return session
}
