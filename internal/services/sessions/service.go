// -----------------------------------------------------------------------
// Session Manager - token-based sessions with sliding expiry
// -----------------------------------------------------------------------

package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/common"
	"github.com/ternarybob/dirigo/internal/interfaces"
	"github.com/ternarybob/dirigo/internal/models"
)

const keyPrefix = "session:"

// Service manages authenticated sessions on top of the KV store. Sessions
// are stored as JSON under "session:<token>" with a TTL matching the
// session's own expiry, so the store reclaims them even if the sweep never
// runs.
type Service struct {
	kv     interfaces.KVStore
	logger arbor.ILogger

	customerMaxAge   time.Duration
	staffMaxAge      time.Duration
	renewalThreshold time.Duration
	enforceIPCheck   bool
	flagIPChange     bool
}

// NewService creates the session manager from config.
func NewService(kv interfaces.KVStore, cfg *common.SessionsConfig, logger arbor.ILogger) *Service {
	return &Service{
		kv:               kv,
		logger:           logger,
		customerMaxAge:   common.ParseDurationOr(cfg.CustomerMaxAge, 24*time.Hour),
		staffMaxAge:      common.ParseDurationOr(cfg.StaffMaxAge, 8*time.Hour),
		renewalThreshold: common.ParseDurationOr(cfg.RenewalThreshold, time.Hour),
		enforceIPCheck:   cfg.EnforceIPCheck,
		flagIPChange:     cfg.FlagIPChange,
	}
}

func (s *Service) maxAge(subjectType models.SubjectType) time.Duration {
	if subjectType == models.SubjectStaff {
		return s.staffMaxAge
	}
	return s.customerMaxAge
}

// Create issues a new session for an authenticated subject.
func (s *Service) Create(ctx context.Context, subjectID string, subjectType models.SubjectType, role, ip, userAgent string) (*models.Session, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject ID is required")
	}

	session := models.NewSession(subjectID, subjectType, role, ip, userAgent, s.maxAge(subjectType))
	if err := s.save(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("subject_id", subjectID).
		Str("subject_type", string(subjectType)).
		Msg("Session created")
	return session, nil
}

// Validate looks up a session by token and applies the sliding-expiry rule:
// a valid session accessed within the renewal threshold of its expiry is
// extended by its subject type's max age. Returns ErrUnauthenticated for
// missing, expired, or deactivated sessions.
func (s *Service) Validate(ctx context.Context, token, requestIP string) (*models.Session, error) {
	if token == "" {
		return nil, models.ErrUnauthenticated
	}

	session, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if !session.Active || session.Expired(now) {
		// Expired records are removed eagerly rather than waiting for the sweep
		_ = s.kv.Delete(ctx, keyPrefix+token)
		return nil, models.ErrUnauthenticated
	}

	if requestIP != "" && session.IPAddress != "" && requestIP != session.IPAddress {
		if s.enforceIPCheck {
			s.logger.Warn().
				Str("subject_id", session.SubjectID).
				Str("session_ip", session.IPAddress).
				Str("request_ip", requestIP).
				Msg("Session rejected: request IP changed")
			return nil, models.ErrUnauthenticated
		}
		if s.flagIPChange {
			s.logger.Warn().
				Str("subject_id", session.SubjectID).
				Str("session_ip", session.IPAddress).
				Str("request_ip", requestIP).
				Msg("Session IP changed")
		}
	}

	session.LastAccessed = now
	if session.ExpiresAt.Sub(now) <= s.renewalThreshold {
		session.ExpiresAt = now.Add(s.maxAge(session.SubjectType))
	}
	if err := s.save(ctx, session); err != nil {
		return nil, err
	}

	return session, nil
}

// Destroy removes a session. Destroying an unknown token is not an error.
func (s *Service) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.kv.Delete(ctx, keyPrefix+token); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

// DestroyAllForSubject revokes every session belonging to one subject.
func (s *Service) DestroyAllForSubject(ctx context.Context, subjectID string) (int, error) {
	keys, err := s.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	removed := 0
	for _, key := range keys {
		session, err := s.load(ctx, key[len(keyPrefix):])
		if err != nil {
			continue
		}
		if session.SubjectID == subjectID {
			if err := s.kv.Delete(ctx, key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Sweep removes expired sessions. The store's own TTLs already reclaim most
// of them; the sweep catches stores without TTL support and deactivated
// records.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := time.Now()
	removed := 0
	for _, key := range keys {
		session, err := s.load(ctx, key[len(keyPrefix):])
		if err != nil {
			continue
		}
		if !session.Active || session.Expired(now) {
			if err := s.kv.Delete(ctx, key); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("Session sweep completed")
	}
	return removed, nil
}

func (s *Service) save(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt)
	if err := s.kv.Set(ctx, keyPrefix+session.Token, data, ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, token string) (*models.Session, error) {
	data, err := s.kv.Get(ctx, keyPrefix+token)
	if err != nil {
		if err == interfaces.ErrKeyNotFound {
			return nil, models.ErrUnauthenticated
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to parse session record: %w", err)
	}
	return &session, nil
}
