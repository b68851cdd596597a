// Package linking implements the one-time linking-code protocol that binds
// a Telegram identity to an account in the content service.
package linking

import (
	"context"
	"fmt"
	"time"

	"github.com/kaze-no-manga/telegram-bot/internal/clock"
	"github.com/kaze-no-manga/telegram-bot/internal/storage"
	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

// DefaultTTL is how long an issued code stays valid.
const DefaultTTL = 10 * time.Minute

// insertAttempts bounds retries on token collisions. With 40-bit tokens a
// collision is already vanishingly rare; one retry would do.
const insertAttempts = 5

// Registry issues and validates linking codes.
//
// Invariants it maintains (backed by the store):
//   - at most one live code per external identity; issuing supersedes
//   - a code transitions issued -> consumed exactly once
//   - token values are globally unique for their lifetime
type Registry struct {
	store storage.Store
	clock clock.Clock
	ttl   time.Duration
	log   logx.Logger
}

func NewRegistry(store storage.Store, clk clock.Clock, ttl time.Duration, log logx.Logger) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, clock: clk, ttl: ttl, log: log}
}

// Issue creates a fresh code for the identity. Any previously live code
// for the same identity dies immediately, even if not yet expired.
func (r *Registry) Issue(ctx context.Context, externalID int64) (storage.LinkingCode, error) {
	now := r.clock.Now()
	var lastErr error
	for i := 0; i < insertAttempts; i++ {
		token, err := newCode()
		if err != nil {
			return storage.LinkingCode{}, err
		}
		rec := storage.LinkingCode{
			Code:       token,
			ExternalID: externalID,
			IssuedAt:   now,
			ExpiresAt:  now.Add(r.ttl),
		}
		if err := r.store.InsertCode(ctx, rec); err != nil {
			lastErr = err
			continue
		}
		r.log.Debug("linking code issued",
			logx.Int64("external_id", externalID),
			logx.Time("expires_at", rec.ExpiresAt))
		return rec, nil
	}
	return storage.LinkingCode{}, fmt.Errorf("linking: issue code: %w", lastErr)
}

// Validate atomically consumes a live code and returns the identity it was
// issued for. Under N concurrent calls on one live code, exactly one
// succeeds; the rest see storage.ErrCodeConsumed. Lifecycle errors
// (ErrCodeNotFound, ErrCodeExpired, ErrCodeConsumed, ErrCodeSuperseded)
// pass through verbatim.
func (r *Registry) Validate(ctx context.Context, code string) (int64, error) {
	rec, err := r.store.ClaimCode(ctx, code, r.clock.Now())
	if err != nil {
		return 0, err
	}
	return rec.ExternalID, nil
}

// TTL reports the configured code lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }
