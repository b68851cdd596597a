// Package prefs exposes per-account notification preferences.
package prefs

import (
	"context"
	"fmt"
	"sort"

	"github.com/kaze-no-manga/telegram-bot/internal/event"
	"github.com/kaze-no-manga/telegram-bot/internal/storage"
	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

// DefaultMaxPerDay is the notification budget for accounts that never set
// an explicit limit.
const DefaultMaxPerDay = 10

// Preference is the effective per-account settings.
type Preference struct {
	AccountID string
	Kinds     map[event.Kind]bool
	MaxPerDay int
}

// Enabled reports whether notifications of kind k are on.
func (p Preference) Enabled(k event.Kind) bool { return p.Kinds[k] }

// Patch updates only the addressed fields; nil fields are untouched.
type Patch struct {
	Kinds     *[]event.Kind
	MaxPerDay *int
}

// Store wraps the persistence layer with defaulting semantics: reading a
// never-seen account yields the default preference, never an error.
type Store struct {
	store storage.Store
	log   logx.Logger
}

func NewStore(store storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{store: store, log: log}
}

// Default is the first-observation preference: all kinds on, MaxPerDay 10.
func Default(accountID string) Preference {
	return Preference{
		AccountID: accountID,
		Kinds: map[event.Kind]bool{
			event.KindNewChapter:      true,
			event.KindSeriesCompleted: true,
		},
		MaxPerDay: DefaultMaxPerDay,
	}
}

func (s *Store) Get(ctx context.Context, accountID string) (Preference, error) {
	raw, ok, err := s.store.GetPreference(ctx, accountID)
	if err != nil {
		return Preference{}, fmt.Errorf("prefs: get: %w", err)
	}
	if !ok {
		return Default(accountID), nil
	}
	return fromStored(raw), nil
}

// Update applies the patch on top of the current effective preference and
// stores the result.
func (s *Store) Update(ctx context.Context, accountID string, patch Patch) (Preference, error) {
	cur, err := s.Get(ctx, accountID)
	if err != nil {
		return Preference{}, err
	}
	if patch.Kinds != nil {
		kinds := make(map[event.Kind]bool, len(*patch.Kinds))
		for _, k := range *patch.Kinds {
			kinds[k] = true
		}
		cur.Kinds = kinds
	}
	if patch.MaxPerDay != nil {
		if *patch.MaxPerDay < 0 {
			return Preference{}, fmt.Errorf("prefs: max per day must be >= 0, got %d", *patch.MaxPerDay)
		}
		cur.MaxPerDay = *patch.MaxPerDay
	}
	if err := s.store.PutPreference(ctx, toStored(cur)); err != nil {
		return Preference{}, fmt.Errorf("prefs: update: %w", err)
	}
	s.log.Debug("preferences updated",
		logx.String("account_id", accountID),
		logx.Int("max_per_day", cur.MaxPerDay))
	return cur, nil
}

func fromStored(raw storage.Preference) Preference {
	kinds := make(map[event.Kind]bool, len(raw.Kinds))
	for _, k := range raw.Kinds {
		kinds[event.Kind(k)] = true
	}
	return Preference{AccountID: raw.AccountID, Kinds: kinds, MaxPerDay: raw.MaxPerDay}
}

func toStored(p Preference) storage.Preference {
	kinds := make([]string, 0, len(p.Kinds))
	for k, on := range p.Kinds {
		if on {
			kinds = append(kinds, string(k))
		}
	}
	sort.Strings(kinds)
	return storage.Preference{AccountID: p.AccountID, Kinds: kinds, MaxPerDay: p.MaxPerDay}
}
