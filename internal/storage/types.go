package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

// Session binds an external chat identity to a linked account.
// Full-replace on re-link; never mutated in place.
type Session struct {
	ExternalID int64
	AccountID  string
	Credential string
	LinkedAt   time.Time
}

// LinkingCode is a one-time token for the account-link handshake.
//
// Lifecycle: live -> consumed (the only mutation), or live -> superseded
// when a newer code is issued for the same identity. Expiry is a read-time
// check against ExpiresAt; there is no background sweep.
type LinkingCode struct {
	Code       string
	ExternalID int64
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Consumed   bool
	Superseded bool
}

// Account is a distinct linked account with a credential to poll with.
type Account struct {
	AccountID  string
	Credential string
}

// Preference is the stored per-account notification settings.
// Kinds holds enabled event kinds as raw strings; interpretation is the
// caller's concern.
type Preference struct {
	AccountID string
	Kinds     []string
	MaxPerDay int
}

var (
	ErrSessionNotFound = errors.New("session not found")

	// Linking-code lifecycle errors, surfaced verbatim to the caller.
	ErrCodeNotFound   = errors.New("linking code not found")
	ErrCodeExpired    = errors.New("linking code expired")
	ErrCodeConsumed   = errors.New("linking code already consumed")
	ErrCodeSuperseded = errors.New("linking code superseded")
)

// Store is the persistence API used by the linking and notification
// subsystems. Implementations must make ClaimCode and BumpQuota atomic per
// key: concurrent callers observe exactly-once semantics.
type Store interface {
	// Sessions. PutSession overwrites any existing record for the
	// external id (last-writer-wins). DeleteSession is a no-op if absent.
	GetSession(ctx context.Context, externalID int64) (Session, error)
	PutSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, externalID int64) error
	SessionsByAccount(ctx context.Context, accountID string) ([]Session, error)

	// Accounts lists every linked account once, with one usable
	// credential each (the poller's sweep input).
	Accounts(ctx context.Context) ([]Account, error)

	// Linking codes. InsertCode atomically supersedes any live code for
	// the same external id and stores the new one; it fails if the token
	// value already exists (globally unique for the lifetime of the value).
	// ClaimCode performs the whole check-then-mark transition atomically:
	// exactly one of N concurrent claims of a live code succeeds.
	InsertCode(ctx context.Context, c LinkingCode) error
	ClaimCode(ctx context.Context, code string, now time.Time) (LinkingCode, error)

	// Preferences. GetPreference reports ok=false when no record exists;
	// defaulting is the caller's concern.
	GetPreference(ctx context.Context, accountID string) (Preference, bool, error)
	PutPreference(ctx context.Context, p Preference) error

	// BumpQuota atomically increments the (accountID, day) counter iff the
	// current count is below limit. It reports whether the increment
	// happened and the count after the call. A denied bump leaves the
	// counter unchanged.
	BumpQuota(ctx context.Context, accountID, day string, limit int) (allowed bool, sent int, err error)

	// Dedup of upstream events across restarts.
	PutDedup(ctx context.Context, key string, until time.Time) error
	SeenDedup(ctx context.Context, key string) (bool, error)

	Close() error
}

// Config selects and configures the backend.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process only (state lost on restart)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
