package notify

import (
	"context"
	"sync"
	"time"

	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// Feature flag keys
const (
	FlagOrderConfirmationEmails = "order_confirmation_emails"
)

// FlagSource loads a feature flag's current state.
type FlagSource interface {
	GetFeatureFlag(ctx context.Context, key string) (bool, error)
}

// FlagCache is a read-through cache over feature flags. Each key is served
// from a snapshot no older than ttl; a failed or missing lookup reads as
// disabled rather than blocking the caller. The failure result is cached
// too, so a down store is consulted at most once per ttl.
type FlagCache struct {
	source FlagSource
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]flagEntry
}

type flagEntry struct {
	enabled   bool
	fetchedAt time.Time
}

// NewFlagCache creates a flag cache with the given snapshot lifetime
func NewFlagCache(source FlagSource, ttl time.Duration) *FlagCache {
	return &FlagCache{
		source:  source,
		ttl:     ttl,
		logger:  util.GetLogger(),
		entries: make(map[string]flagEntry),
	}
}

// Enabled reports whether key is on, consulting the backing store at most
// once per ttl per key.
func (fc *FlagCache) Enabled(ctx context.Context, key string) bool {
	fc.mu.Lock()
	entry, ok := fc.entries[key]
	fc.mu.Unlock()

	if ok && time.Since(entry.fetchedAt) < fc.ttl {
		return entry.enabled
	}

	enabled, err := fc.source.GetFeatureFlag(ctx, key)
	if err != nil {
		fc.logger.Warn("Feature flag lookup failed, reading as disabled",
			zap.String("key", key),
			zap.Error(err))
		enabled = false
	}

	fc.mu.Lock()
	fc.entries[key] = flagEntry{enabled: enabled, fetchedAt: time.Now()}
	fc.mu.Unlock()

	return enabled
}
