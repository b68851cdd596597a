package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also makes every multi-statement transaction serialized,
	// which is what the claim/bump paths rely on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- sessions ----

func (s *sqliteStore) GetSession(ctx context.Context, externalID int64) (Session, error) {
	var (
		rec      Session
		linkedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT external_id, account_id, credential, linked_at FROM sessions WHERE external_id = ?`,
		externalID,
	).Scan(&rec.ExternalID, &rec.AccountID, &rec.Credential, &linkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	rec.LinkedAt, _ = time.Parse(time.RFC3339Nano, linkedAt)
	return rec, nil
}

func (s *sqliteStore) PutSession(ctx context.Context, rec Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(external_id, account_id, credential, linked_at) VALUES(?,?,?,?)
		 ON CONFLICT(external_id) DO UPDATE SET
		   account_id=excluded.account_id, credential=excluded.credential, linked_at=excluded.linked_at`,
		rec.ExternalID, rec.AccountID, rec.Credential, rec.LinkedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *sqliteStore) DeleteSession(ctx context.Context, externalID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE external_id = ?`, externalID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *sqliteStore) SessionsByAccount(ctx context.Context, accountID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id, account_id, credential, linked_at FROM sessions WHERE account_id = ?`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("sessions by account: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			rec      Session
			linkedAt string
		)
		if err := rows.Scan(&rec.ExternalID, &rec.AccountID, &rec.Credential, &linkedAt); err != nil {
			return nil, fmt.Errorf("sessions by account: %w", err)
		}
		rec.LinkedAt, _ = time.Parse(time.RFC3339Nano, linkedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Accounts(ctx context.Context) ([]Account, error) {
	// One row per account; MAX(linked_at) makes sqlite pick the most
	// recently linked credential.
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, credential, MAX(linked_at) FROM sessions GROUP BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var (
			a        Account
			linkedAt string
		)
		if err := rows.Scan(&a.AccountID, &a.Credential, &linkedAt); err != nil {
			return nil, fmt.Errorf("accounts: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- linking codes ----

func (s *sqliteStore) InsertCode(ctx context.Context, c LinkingCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert code: %w", err)
	}
	defer tx.Rollback()

	// Any prior live code for this identity dies the moment a new one is
	// issued, even if not chronologically expired.
	if _, err := tx.ExecContext(ctx,
		`UPDATE linking_codes SET superseded = 1 WHERE external_id = ? AND consumed = 0 AND superseded = 0`,
		c.ExternalID,
	); err != nil {
		return fmt.Errorf("insert code: supersede: %w", err)
	}

	// Primary key on code enforces global token uniqueness; a collision
	// surfaces as a constraint error and the caller regenerates.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO linking_codes(code, external_id, issued_at, expires_at, consumed, superseded)
		 VALUES(?,?,?,?,0,0)`,
		c.Code, c.ExternalID, c.IssuedAt.UnixMilli(), c.ExpiresAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert code: %w", err)
	}
	s.maybePrune()
	return nil
}

func (s *sqliteStore) ClaimCode(ctx context.Context, code string, now time.Time) (LinkingCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LinkingCode{}, fmt.Errorf("claim code: %w", err)
	}
	defer tx.Rollback()

	var (
		rec                  LinkingCode
		issuedMs, expiresMs  int64
		consumed, superseded int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT code, external_id, issued_at, expires_at, consumed, superseded FROM linking_codes WHERE code = ?`,
		code,
	).Scan(&rec.Code, &rec.ExternalID, &issuedMs, &expiresMs, &consumed, &superseded)
	if errors.Is(err, sql.ErrNoRows) {
		return LinkingCode{}, ErrCodeNotFound
	}
	if err != nil {
		return LinkingCode{}, fmt.Errorf("claim code: %w", err)
	}
	rec.IssuedAt = time.UnixMilli(issuedMs)
	rec.ExpiresAt = time.UnixMilli(expiresMs)

	switch {
	case consumed != 0:
		return LinkingCode{}, ErrCodeConsumed
	case superseded != 0:
		return LinkingCode{}, ErrCodeSuperseded
	case now.After(rec.ExpiresAt):
		return LinkingCode{}, ErrCodeExpired
	}

	// Check-then-mark must be atomic per code: the conditional update plus
	// rows-affected check closes the race between two concurrent claims.
	res, err := tx.ExecContext(ctx,
		`UPDATE linking_codes SET consumed = 1 WHERE code = ? AND consumed = 0`,
		code,
	)
	if err != nil {
		return LinkingCode{}, fmt.Errorf("claim code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return LinkingCode{}, ErrCodeConsumed
	}

	if err := tx.Commit(); err != nil {
		return LinkingCode{}, fmt.Errorf("claim code: %w", err)
	}
	rec.Consumed = true
	return rec, nil
}

// ---- preferences ----

func (s *sqliteStore) GetPreference(ctx context.Context, accountID string) (Preference, bool, error) {
	var (
		p     Preference
		kinds string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, kinds, max_per_day FROM preferences WHERE account_id = ?`,
		accountID,
	).Scan(&p.AccountID, &kinds, &p.MaxPerDay)
	if errors.Is(err, sql.ErrNoRows) {
		return Preference{}, false, nil
	}
	if err != nil {
		return Preference{}, false, fmt.Errorf("get preference: %w", err)
	}
	if kinds != "" {
		p.Kinds = strings.Split(kinds, ",")
	}
	return p, true, nil
}

func (s *sqliteStore) PutPreference(ctx context.Context, p Preference) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(account_id, kinds, max_per_day) VALUES(?,?,?)
		 ON CONFLICT(account_id) DO UPDATE SET kinds=excluded.kinds, max_per_day=excluded.max_per_day`,
		p.AccountID, strings.Join(p.Kinds, ","), p.MaxPerDay,
	)
	if err != nil {
		return fmt.Errorf("put preference: %w", err)
	}
	return nil
}

// ---- quota ----

func (s *sqliteStore) BumpQuota(ctx context.Context, accountID, day string, limit int) (bool, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("bump quota: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quota(account_id, day, sent) VALUES(?,?,0) ON CONFLICT(account_id, day) DO NOTHING`,
		accountID, day,
	); err != nil {
		return false, 0, fmt.Errorf("bump quota: %w", err)
	}

	// Conditional increment: two concurrent bumps can never push the
	// counter past the limit.
	res, err := tx.ExecContext(ctx,
		`UPDATE quota SET sent = sent + 1 WHERE account_id = ? AND day = ? AND sent < ?`,
		accountID, day, limit,
	)
	if err != nil {
		return false, 0, fmt.Errorf("bump quota: %w", err)
	}
	n, _ := res.RowsAffected()

	var sent int
	if err := tx.QueryRowContext(ctx,
		`SELECT sent FROM quota WHERE account_id = ? AND day = ?`, accountID, day,
	).Scan(&sent); err != nil {
		return false, 0, fmt.Errorf("bump quota: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("bump quota: %w", err)
	}
	return n > 0, sent, nil
}

// ---- dedup ----

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put dedup: %w", err)
	}
	s.maybePrune()
	return nil
}

func (s *sqliteStore) SeenDedup(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get dedup: %w", err)
	}
	return time.Now().UnixMilli() <= ms, nil
}

// maybePrune lazily evicts dead rows every pruneEvery write ops. There is
// no strict deletion-timing requirement; dead codes just must never
// validate again, which the claim path already guarantees.
func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	now := time.Now().UnixMilli()
	_, _ = s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM linking_codes WHERE consumed = 1 OR superseded = 1 OR expires_at < ?`, now)
}
