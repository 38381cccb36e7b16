package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/common"
	"github.com/ternarybob/dirigo/internal/interfaces"
	"github.com/ternarybob/dirigo/internal/storage/memory"
	"github.com/ternarybob/dirigo/internal/storage/redis"
)

// NewKVStore selects the session/rate-limit backing store from config.
// "memory" is the default and is correct for a single active instance;
// "redis" externalizes the same interface for multi-instance deployments.
func NewKVStore(config *common.StorageConfig, logger arbor.ILogger) (interfaces.KVStore, error) {
	switch config.KVBackend {
	case "", "memory":
		logger.Debug().Msg("Using in-memory KV store (single instance)")
		return memory.NewKVStore(), nil
	case "redis":
		return redis.NewKVStore(&config.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown kv_backend: %s (expected \"memory\" or \"redis\")", config.KVBackend)
	}
}
