package notify

import (
	"fmt"

	"github.com/kaze-no-manga/telegram-bot/internal/event"
)

// TextFormatter is the default plain-text renderer.
type TextFormatter struct{}

func (TextFormatter) Format(e event.Event) string {
	title := e.MangaTitle
	if title == "" {
		title = e.MangaRef
	}
	switch e.Kind {
	case event.KindNewChapter:
		if e.ChapterRef != "" {
			return fmt.Sprintf("📖 New chapter of %s: %s", title, e.ChapterRef)
		}
		return fmt.Sprintf("📖 New chapter of %s", title)
	case event.KindSeriesCompleted:
		return fmt.Sprintf("🏁 %s is now complete", title)
	default:
		return fmt.Sprintf("Update for %s", title)
	}
}
