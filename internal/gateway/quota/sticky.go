package quota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

// StickyTracker remembers which provider answered a session.
type StickyTracker struct {
	store Store
	ttl   time.Duration
}

// NewStickyTracker creates a tracker whose entries expire after ttl.
func NewStickyTracker(store Store, ttl time.Duration) *StickyTracker {
	return &StickyTracker{store: store, ttl: ttl}
}

// stickyKey hashes the session id so client supplied ids give fixed-size keys.
func stickyKey(session string) string {
	hash := sha256.Sum256([]byte(session))
	return "sticky:" + hex.EncodeToString(hash[:16])
}

// Get returns the provider pinned to the session, or "" when none is.
func (s *StickyTracker) Get(ctx context.Context, session string) (string, error) {
	if session == "" {
		return "", nil
	}
	val, err := s.store.Get(ctx, stickyKey(session))
	if errors.Is(err, redis.ErrNotFound) {
		return "", nil
	}
	return val, err
}

// Set pins the provider to the session.
func (s *StickyTracker) Set(ctx context.Context, session, providerID string) error {
	if session == "" {
		return nil
	}
	return s.store.Set(ctx, stickyKey(session), providerID, s.ttl)
}
