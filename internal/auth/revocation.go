package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// defaultRevocationTTL bounds entries whose token carries no expiry claim.
const defaultRevocationTTL = 24 * time.Hour

// RevocationList is a bounded set of revoked credential digests. Entries are
// stored with the token's own expiry so the periodic purge can drop tokens
// that could no longer verify anyway.
type RevocationList struct {
	mu      sync.RWMutex
	entries map[string]time.Time // digest -> token expiry
	maxSize int
	clock   clockwork.Clock
}

func NewRevocationList(maxSize int, clock clockwork.Clock) *RevocationList {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &RevocationList{
		entries: make(map[string]time.Time),
		maxSize: maxSize,
		clock:   clock,
	}
}

// Revoke adds a credential to the set. The token is parsed without
// verification only to read its expiry; an unparseable token still gets
// revoked with the default TTL.
func (r *RevocationList) Revoke(tokenString string) {
	expiry := r.clock.Now().Add(defaultRevocationTTL)

	parser := jwt.NewParser()
	if token, _, err := parser.ParseUnverified(tokenString, &Claims{}); err == nil {
		if claims, ok := token.Claims.(*Claims); ok && claims.ExpiresAt != nil {
			expiry = claims.ExpiresAt.Time
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= r.maxSize {
		r.purgeLocked()
	}
	if len(r.entries) >= r.maxSize {
		// Still full after purging expired entries: drop the entry closest
		// to expiry to make room.
		var soonest string
		var soonestAt time.Time
		for digest, at := range r.entries {
			if soonest == "" || at.Before(soonestAt) {
				soonest, soonestAt = digest, at
			}
		}
		delete(r.entries, soonest)
	}

	r.entries[digest(tokenString)] = expiry
}

// IsRevoked reports whether a credential appears on the list.
func (r *RevocationList) IsRevoked(tokenString string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expiry, ok := r.entries[digest(tokenString)]
	if !ok {
		return false
	}
	return r.clock.Now().Before(expiry)
}

// Len returns the current entry count.
func (r *RevocationList) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Purge removes entries whose tokens have expired.
func (r *RevocationList) Purge() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.purgeLocked()
}

func (r *RevocationList) purgeLocked() int {
	now := r.clock.Now()
	removed := 0
	for digest, expiry := range r.entries {
		if now.After(expiry) {
			delete(r.entries, digest)
			removed++
		}
	}
	return removed
}

// StartPurge runs Purge on a fixed interval until ctx is cancelled.
func (r *RevocationList) StartPurge(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := r.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				r.Purge()
			}
		}
	}()
}

func digest(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}
