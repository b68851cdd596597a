package storage

import (
	"context"
	"errors"
	"time"
)

// Memory is an in-process Store. It backs tests and the "memory" driver.
// A single mutex is enough here: every operation is a map touch, so
// per-key locking would buy nothing.
type Memory struct {
	mu       chanLock
	sessions map[int64]Session
	codes    map[string]LinkingCode
	prefs    map[string]Preference
	quota    map[string]int // accountID + "\x00" + day
	dedup    map[string]time.Time
}

// chanLock is a context-aware mutex: Store calls must honor ctx deadlines
// rather than block indefinitely.
type chanLock chan struct{}

func (l chanLock) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l chanLock) unlock() { <-l }

func NewMemory() *Memory {
	return &Memory{
		mu:       make(chanLock, 1),
		sessions: make(map[int64]Session),
		codes:    make(map[string]LinkingCode),
		prefs:    make(map[string]Preference),
		quota:    make(map[string]int),
		dedup:    make(map[string]time.Time),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetSession(ctx context.Context, externalID int64) (Session, error) {
	if err := m.mu.lock(ctx); err != nil {
		return Session{}, err
	}
	defer m.mu.unlock()
	rec, ok := m.sessions[externalID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return rec, nil
}

func (m *Memory) PutSession(ctx context.Context, rec Session) error {
	if err := m.mu.lock(ctx); err != nil {
		return err
	}
	defer m.mu.unlock()
	m.sessions[rec.ExternalID] = rec
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, externalID int64) error {
	if err := m.mu.lock(ctx); err != nil {
		return err
	}
	defer m.mu.unlock()
	delete(m.sessions, externalID)
	return nil
}

func (m *Memory) SessionsByAccount(ctx context.Context, accountID string) ([]Session, error) {
	if err := m.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.unlock()
	var out []Session
	for _, rec := range m.sessions {
		if rec.AccountID == accountID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) Accounts(ctx context.Context) ([]Account, error) {
	if err := m.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.unlock()
	latest := make(map[string]Session)
	for _, rec := range m.sessions {
		if cur, ok := latest[rec.AccountID]; !ok || rec.LinkedAt.After(cur.LinkedAt) {
			latest[rec.AccountID] = rec
		}
	}
	out := make([]Account, 0, len(latest))
	for _, rec := range latest {
		out = append(out, Account{AccountID: rec.AccountID, Credential: rec.Credential})
	}
	return out, nil
}

func (m *Memory) InsertCode(ctx context.Context, c LinkingCode) error {
	if err := m.mu.lock(ctx); err != nil {
		return err
	}
	defer m.mu.unlock()
	if _, exists := m.codes[c.Code]; exists {
		return errors.New("code already exists")
	}
	for k, old := range m.codes {
		if old.ExternalID == c.ExternalID && !old.Consumed && !old.Superseded {
			old.Superseded = true
			m.codes[k] = old
		}
	}
	m.codes[c.Code] = c
	return nil
}

func (m *Memory) ClaimCode(ctx context.Context, code string, now time.Time) (LinkingCode, error) {
	if err := m.mu.lock(ctx); err != nil {
		return LinkingCode{}, err
	}
	defer m.mu.unlock()
	rec, ok := m.codes[code]
	if !ok {
		return LinkingCode{}, ErrCodeNotFound
	}
	switch {
	case rec.Consumed:
		return LinkingCode{}, ErrCodeConsumed
	case rec.Superseded:
		return LinkingCode{}, ErrCodeSuperseded
	case now.After(rec.ExpiresAt):
		return LinkingCode{}, ErrCodeExpired
	}
	rec.Consumed = true
	m.codes[code] = rec
	return rec, nil
}

func (m *Memory) GetPreference(ctx context.Context, accountID string) (Preference, bool, error) {
	if err := m.mu.lock(ctx); err != nil {
		return Preference{}, false, err
	}
	defer m.mu.unlock()
	p, ok := m.prefs[accountID]
	return p, ok, nil
}

func (m *Memory) PutPreference(ctx context.Context, p Preference) error {
	if err := m.mu.lock(ctx); err != nil {
		return err
	}
	defer m.mu.unlock()
	m.prefs[p.AccountID] = p
	return nil
}

func (m *Memory) BumpQuota(ctx context.Context, accountID, day string, limit int) (bool, int, error) {
	if err := m.mu.lock(ctx); err != nil {
		return false, 0, err
	}
	defer m.mu.unlock()
	k := accountID + "\x00" + day
	sent := m.quota[k]
	if sent >= limit {
		return false, sent, nil
	}
	sent++
	m.quota[k] = sent
	return true, sent, nil
}

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	if err := m.mu.lock(ctx); err != nil {
		return err
	}
	defer m.mu.unlock()
	m.dedup[key] = until
	return nil
}

func (m *Memory) SeenDedup(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	if err := m.mu.lock(ctx); err != nil {
		return false, err
	}
	defer m.mu.unlock()
	until, ok := m.dedup[key]
	if !ok {
		return false, nil
	}
	return !time.Now().After(until), nil
}
