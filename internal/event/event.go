// Package event defines the upstream content events the bot reacts to.
package event

import "github.com/google/uuid"

// Kind discriminates upstream event types.
type Kind string

const (
	KindNewChapter      Kind = "new_chapter"
	KindSeriesCompleted Kind = "series_completed"
)

// Known reports whether k is a kind this bot understands.
func (k Kind) Known() bool {
	return k == KindNewChapter || k == KindSeriesCompleted
}

// Event is a transient upstream notification trigger. It is not persisted;
// only its fingerprint lands in the dedup table.
type Event struct {
	ID         string // upstream id, or generated
	Kind       Kind
	AccountID  string
	MangaRef   string
	MangaTitle string
	ChapterRef string // empty for series-level events
}

// New fills in a generated ID when the upstream provides none.
func New(kind Kind, accountID, mangaRef, chapterRef string) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		AccountID:  accountID,
		MangaRef:   mangaRef,
		ChapterRef: chapterRef,
	}
}

// Fingerprint is a stable dedup key: the same chapter event seen across
// restarts or repeated polls maps to the same string.
func (e Event) Fingerprint() string {
	return string(e.Kind) + "|" + e.AccountID + "|" + e.MangaRef + "|" + e.ChapterRef
}
