package linking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kaze-no-manga/telegram-bot/internal/clock"
	"github.com/kaze-no-manga/telegram-bot/internal/storage"
	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

// ErrAlreadyLinked marks the idempotent terminal state: the identity has a
// session, so repeated /start must not spam fresh codes.
var ErrAlreadyLinked = errors.New("identity already linked")

// IssuedCode is what the inbound trigger renders back to the user.
type IssuedCode struct {
	Code      string
	ExpiresIn time.Duration
}

// Coordinator orchestrates the linking protocol end-to-end.
//
// Per external identity the states are: unlinked -> code issued -> linked.
// Re-issue restarts the code step; expiry-without-confirmation falls back
// to unlinked implicitly (absence of a live code, no stored transition).
type Coordinator struct {
	store    storage.Store
	registry *Registry
	clock    clock.Clock
	log      logx.Logger
}

func NewCoordinator(store storage.Store, registry *Registry, clk clock.Clock, log logx.Logger) *Coordinator {
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{store: store, registry: registry, clock: clk, log: log}
}

// BeginLinking issues a fresh code for an unlinked identity.
// Returns ErrAlreadyLinked (and no code) when a session already exists.
func (c *Coordinator) BeginLinking(ctx context.Context, externalID int64) (IssuedCode, error) {
	_, err := c.store.GetSession(ctx, externalID)
	switch {
	case err == nil:
		return IssuedCode{}, ErrAlreadyLinked
	case !errors.Is(err, storage.ErrSessionNotFound):
		return IssuedCode{}, fmt.Errorf("linking: session lookup: %w", err)
	}

	rec, err := c.registry.Issue(ctx, externalID)
	if err != nil {
		return IssuedCode{}, err
	}
	return IssuedCode{Code: rec.Code, ExpiresIn: rec.ExpiresAt.Sub(rec.IssuedAt)}, nil
}

// ConfirmLinking validates the code and, on success, writes the session
// record. This is the only path that creates sessions. Validation errors
// pass through verbatim; no session mutation happens on any of them.
func (c *Coordinator) ConfirmLinking(ctx context.Context, code, accountID, credential string) (int64, error) {
	externalID, err := c.registry.Validate(ctx, code)
	if err != nil {
		return 0, err
	}

	rec := storage.Session{
		ExternalID: externalID,
		AccountID:  accountID,
		Credential: credential,
		LinkedAt:   c.clock.Now(),
	}
	if err := c.store.PutSession(ctx, rec); err != nil {
		return 0, fmt.Errorf("linking: store session: %w", err)
	}
	c.log.Info("identity linked",
		logx.Int64("external_id", externalID),
		logx.String("account_id", accountID))
	return externalID, nil
}

// Unlink removes the session for an identity. No-op if absent.
func (c *Coordinator) Unlink(ctx context.Context, externalID int64) error {
	if err := c.store.DeleteSession(ctx, externalID); err != nil {
		return fmt.Errorf("linking: unlink: %w", err)
	}
	c.log.Info("identity unlinked", logx.Int64("external_id", externalID))
	return nil
}
