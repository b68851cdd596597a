package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kaze-no-manga/telegram-bot/internal/event"
	"github.com/kaze-no-manga/telegram-bot/internal/linking"
	"github.com/kaze-no-manga/telegram-bot/internal/prefs"
	"github.com/kaze-no-manga/telegram-bot/internal/storage"
	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

const helpText = `Commands:
/start — link your reader account
/status — show link state and notification settings
/notifications <on|off> [chapters|completed] — toggle notification kinds
/limit <n> — cap notifications per day
/unlink — remove the account link`

const storeTroubleText = "Something went wrong on our side, please try again in a moment."

func (r *Router) cmdStart(ctx context.Context, externalID int64) string {
	issued, err := r.coordinator.BeginLinking(ctx, externalID)
	switch {
	case errors.Is(err, linking.ErrAlreadyLinked):
		return "This chat is already linked. Use /status to check it, or /unlink first to relink."
	case err != nil:
		r.log.Error("begin linking failed", logx.Int64("external_id", externalID), logx.Err(err))
		return storeTroubleText
	}
	if r.metrics != nil {
		r.metrics.CodeIssued()
	}
	return fmt.Sprintf(
		"Your linking code: %s\n\nEnter it on the website within %d minutes to connect your account. Requesting a new code invalidates this one.",
		issued.Code, int(issued.ExpiresIn.Minutes()))
}

func (r *Router) cmdUnlink(ctx context.Context, externalID int64) string {
	if err := r.coordinator.Unlink(ctx, externalID); err != nil {
		r.log.Error("unlink failed", logx.Int64("external_id", externalID), logx.Err(err))
		return storeTroubleText
	}
	return "Account link removed. /start to link again."
}

func (r *Router) cmdStatus(ctx context.Context, externalID int64) string {
	sess, err := r.store.GetSession(ctx, externalID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return "Not linked yet. Use /start to get a linking code."
	}
	if err != nil {
		r.log.Error("status lookup failed", logx.Int64("external_id", externalID), logx.Err(err))
		return storeTroubleText
	}

	pref, err := r.prefs.Get(ctx, sess.AccountID)
	if err != nil {
		r.log.Error("status prefs failed", logx.String("account_id", sess.AccountID), logx.Err(err))
		return storeTroubleText
	}

	var kinds []string
	for k, on := range pref.Kinds {
		if on {
			kinds = append(kinds, kindLabel(k))
		}
	}
	sort.Strings(kinds)
	enabled := "none"
	if len(kinds) > 0 {
		enabled = strings.Join(kinds, ", ")
	}
	return fmt.Sprintf(
		"Linked to account %s since %s.\nNotifications: %s\nDaily limit: %d",
		sess.AccountID, sess.LinkedAt.Format("2006-01-02"), enabled, pref.MaxPerDay)
}

func (r *Router) cmdNotifications(ctx context.Context, externalID int64, arg string) string {
	sess, err := r.store.GetSession(ctx, externalID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return "Link your account first with /start."
	}
	if err != nil {
		return storeTroubleText
	}

	onoff, kindArg, _ := strings.Cut(arg, " ")
	var enable bool
	switch strings.ToLower(onoff) {
	case "on":
		enable = true
	case "off":
		enable = false
	default:
		return "Usage: /notifications <on|off> [chapters|completed]"
	}

	target, ok := parseKindArg(kindArg)
	if !ok {
		return "Unknown kind. Use \"chapters\" or \"completed\" (or omit for both)."
	}

	pref, err := r.prefs.Get(ctx, sess.AccountID)
	if err != nil {
		return storeTroubleText
	}
	next := make([]event.Kind, 0, 2)
	for _, k := range []event.Kind{event.KindNewChapter, event.KindSeriesCompleted} {
		cur := pref.Enabled(k)
		if len(target) == 0 || containsKind(target, k) {
			cur = enable
		}
		if cur {
			next = append(next, k)
		}
	}
	if _, err := r.prefs.Update(ctx, sess.AccountID, prefs.Patch{Kinds: &next}); err != nil {
		r.log.Error("notifications update failed", logx.String("account_id", sess.AccountID), logx.Err(err))
		return storeTroubleText
	}
	if enable {
		return "Notifications enabled."
	}
	return "Notifications disabled."
}

func (r *Router) cmdLimit(ctx context.Context, externalID int64, arg string) string {
	sess, err := r.store.GetSession(ctx, externalID)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return "Link your account first with /start."
	}
	if err != nil {
		return storeTroubleText
	}

	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 0 {
		return "Usage: /limit <n> where n is 0 or more (0 mutes everything)."
	}
	if _, err := r.prefs.Update(ctx, sess.AccountID, prefs.Patch{MaxPerDay: &n}); err != nil {
		r.log.Error("limit update failed", logx.String("account_id", sess.AccountID), logx.Err(err))
		return storeTroubleText
	}
	return fmt.Sprintf("Daily notification limit set to %d.", n)
}

func parseKindArg(arg string) ([]event.Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "":
		return nil, true
	case "chapters", "chapter":
		return []event.Kind{event.KindNewChapter}, true
	case "completed", "complete":
		return []event.Kind{event.KindSeriesCompleted}, true
	default:
		return nil, false
	}
}

func containsKind(ks []event.Kind, k event.Kind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}

func kindLabel(k event.Kind) string {
	switch k {
	case event.KindNewChapter:
		return "chapters"
	case event.KindSeriesCompleted:
		return "completed"
	default:
		return string(k)
	}
}
