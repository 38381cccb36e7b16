// -----------------------------------------------------------------------
// Rate Limiter - fixed windows with burst tokens, backed by the KV store
// -----------------------------------------------------------------------

package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/common"
	"github.com/ternarybob/dirigo/internal/interfaces"
	"github.com/ternarybob/dirigo/internal/models"
)

const (
	keyPrefix = "ratelimit:"

	// casRetries bounds the optimistic-update loop under contention
	casRetries = 5
)

// Service enforces per-identity, per-endpoint request budgets using fixed
// windows. When the in-window budget is spent, burst tokens (refilled on
// window rollover) absorb short spikes before requests are denied.
//
// Counters live in the KV store and are updated with compare-and-swap, so
// concurrent requests against the same budget never lose increments, and a
// redis backend gives multiple instances one shared budget.
type Service struct {
	kv     interfaces.KVStore
	logger arbor.ILogger

	enabled        bool
	window         time.Duration
	defaultLimit   int
	burstEnabled   bool
	burstTokens    int
	endpointLimits map[string]int
	identityLimits map[string]int
}

// NewService creates the rate limiter from config.
func NewService(kv interfaces.KVStore, cfg *common.RateLimitConfig, logger arbor.ILogger) *Service {
	return &Service{
		kv:             kv,
		logger:         logger,
		enabled:        cfg.Enabled,
		window:         common.ParseDurationOr(cfg.Window, time.Minute),
		defaultLimit:   cfg.DefaultLimit,
		burstEnabled:   cfg.BurstEnabled,
		burstTokens:    cfg.BurstTokens,
		endpointLimits: cfg.EndpointLimits,
		identityLimits: cfg.IdentityLimits,
	}
}

// limitFor resolves the budget for one identity+endpoint pair. Precedence:
// exact endpoint match, then the most specific wildcard-suffix pattern, then
// the identity override, then the default. Wildcard candidates are ranked by
// prefix length so overlapping patterns resolve the same way every call.
func (s *Service) limitFor(identity, endpoint string) int {
	if limit, ok := s.endpointLimits[endpoint]; ok {
		return limit
	}

	bestLen := -1
	bestLimit := 0
	for pattern, limit := range s.endpointLimits {
		prefix, ok := strings.CutSuffix(pattern, "*")
		if ok && strings.HasPrefix(endpoint, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestLimit = limit
		}
	}
	if bestLen >= 0 {
		return bestLimit
	}

	if limit, ok := s.identityLimits[identity]; ok {
		return limit
	}
	return s.defaultLimit
}

// Allow records one request against the identity+endpoint budget. A denial
// returns a RateLimitError carrying the time until the window resets; any
// other error means the limiter itself failed and the caller decides whether
// to fail open.
func (s *Service) Allow(ctx context.Context, identity, endpoint string) error {
	if !s.enabled {
		return nil
	}

	limit := s.limitFor(identity, endpoint)
	if limit <= 0 {
		return nil
	}

	key := keyPrefix + models.RateLimitKey(identity, endpoint)

	for attempt := 0; attempt < casRetries; attempt++ {
		current, record, err := s.load(ctx, key)
		if err != nil {
			return err
		}

		now := time.Now()
		if record == nil || !now.Before(record.WindowReset) {
			// New window: fresh count, burst tokens refilled
			record = &models.RateLimitRecord{
				Key:         models.RateLimitKey(identity, endpoint),
				WindowReset: now.Add(s.window),
				BurstTokens: s.burstPool(),
			}
			current = nil
		}

		if record.Count >= limit {
			if !s.burstEnabled || record.BurstTokens <= 0 {
				retryAfter := time.Until(record.WindowReset)
				if retryAfter < 0 {
					retryAfter = 0
				}
				s.logger.Debug().
					Str("identity", identity).
					Str("endpoint", endpoint).
					Int("limit", limit).
					Msg("Rate limit exceeded")
				return &models.RateLimitError{RetryAfter: retryAfter}
			}
			record.BurstTokens--
		}

		record.Count++
		record.LastRequest = now

		err = s.store(ctx, key, current, record)
		if err == nil {
			return nil
		}
		if err != interfaces.ErrCASConflict {
			return err
		}
		// Lost the race; re-read and retry
	}

	return fmt.Errorf("rate limit update contended for %s", endpoint)
}

// burstPool returns the configured burst allowance for a fresh window.
func (s *Service) burstPool() int {
	if !s.burstEnabled {
		return 0
	}
	return s.burstTokens
}

// load returns the raw stored bytes (for the CAS expected value) and the
// decoded record; both nil when the key is absent.
func (s *Service) load(ctx context.Context, key string) ([]byte, *models.RateLimitRecord, error) {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if err == interfaces.ErrKeyNotFound {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read rate limit record: %w", err)
	}

	var record models.RateLimitRecord
	if err := json.Unmarshal(data, &record); err != nil {
		// A corrupt record resets the budget rather than locking the caller out
		return nil, nil, nil
	}
	return data, &record, nil
}

func (s *Service) store(ctx context.Context, key string, expected []byte, record *models.RateLimitRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize rate limit record: %w", err)
	}

	// Keep the record one window past its reset so rollover reads still see
	// the burst state, then let the store reclaim it
	ttl := time.Until(record.WindowReset) + s.window

	err = s.kv.CompareAndSwap(ctx, key, expected, data, ttl)
	if err == interfaces.ErrCASConflict {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to store rate limit record: %w", err)
	}
	return nil
}
