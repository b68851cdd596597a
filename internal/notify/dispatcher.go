// Package notify fans upstream content events out to linked chat
// identities, applying per-account preferences and the daily quota.
package notify

import (
	"context"
	"fmt"

	"github.com/kaze-no-manga/telegram-bot/internal/clock"
	"github.com/kaze-no-manga/telegram-bot/internal/event"
	"github.com/kaze-no-manga/telegram-bot/internal/metrics"
	"github.com/kaze-no-manga/telegram-bot/internal/prefs"
	"github.com/kaze-no-manga/telegram-bot/internal/storage"
	"github.com/kaze-no-manga/telegram-bot/internal/transport"
	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

// dayBucketFormat keys the quota counter by UTC calendar day. The budget
// resets at the fixed UTC midnight boundary, not on a rolling 24h window.
const dayBucketFormat = "2006-01-02"

type Dispatcher struct {
	store     storage.Store
	prefs     *prefs.Store
	adapter   transport.Adapter
	formatter Formatter
	clock     clock.Clock
	metrics   *metrics.Collector
	log       logx.Logger
}

func NewDispatcher(
	store storage.Store,
	prefStore *prefs.Store,
	adapter transport.Adapter,
	formatter Formatter,
	clk clock.Clock,
	m *metrics.Collector,
	log logx.Logger,
) *Dispatcher {
	if formatter == nil {
		formatter = TextFormatter{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		store:     store,
		prefs:     prefStore,
		adapter:   adapter,
		formatter: formatter,
		clock:     clk,
		metrics:   m,
		log:       log,
	}
}

// Dispatch delivers one upstream event to every chat identity linked to
// the event's account, at most one message per recipient.
//
// The quota is per account and day, shared across all linked identities
// (multi-device linking shares one budget). The check-and-increment is
// atomic in the store, so concurrent events cannot blow past the cap.
//
// A transport failure does NOT refund the quota increment: the attempt is
// the scarce resource (outbound API budget), not the delivered message.
func (d *Dispatcher) Dispatch(ctx context.Context, e event.Event) ([]Outcome, error) {
	sessions, err := d.store.SessionsByAccount(ctx, e.AccountID)
	if err != nil {
		return nil, fmt.Errorf("notify: resolve recipients: %w", err)
	}
	if len(sessions) == 0 {
		d.log.Debug("event for account with no linked identities",
			logx.String("account_id", e.AccountID), logx.String("kind", string(e.Kind)))
		return nil, nil
	}

	day := d.clock.Now().UTC().Format(dayBucketFormat)
	text := ""

	outcomes := make([]Outcome, 0, len(sessions))
	for _, sess := range sessions {
		out := d.dispatchOne(ctx, e, sess, day, &text)
		d.record(e, out)
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, e event.Event, sess storage.Session, day string, text *string) Outcome {
	out := Outcome{ExternalID: sess.ExternalID}

	pref, err := d.prefs.Get(ctx, e.AccountID)
	if err != nil {
		out.Status = StatusFailed
		out.Err = err
		return out
	}
	if !pref.Enabled(e.Kind) {
		out.Status = StatusSuppressed
		out.Reason = ReasonPreferenceDisabled
		return out
	}

	allowed, sent, err := d.store.BumpQuota(ctx, e.AccountID, day, pref.MaxPerDay)
	if err != nil {
		out.Status = StatusFailed
		out.Err = fmt.Errorf("notify: quota: %w", err)
		return out
	}
	if !allowed {
		out.Status = StatusSuppressed
		out.Reason = ReasonQuotaExceeded
		return out
	}

	// Format once per event, lazily: suppressed-only dispatches never pay
	// for it.
	if *text == "" {
		*text = d.formatter.Format(e)
	}

	err = d.adapter.Send(ctx, transport.ChatTarget{ChatID: sess.ExternalID}, *text,
		&transport.SendOptions{DisablePreview: true})
	if err != nil {
		// Quota stays spent; see the method comment.
		out.Status = StatusFailed
		out.Reason = ReasonTransportFailure
		out.Err = err
		d.log.Warn("notification send failed",
			logx.Int64("external_id", sess.ExternalID),
			logx.String("account_id", e.AccountID),
			logx.Int("quota_used", sent),
			logx.Err(err))
		return out
	}

	out.Status = StatusSent
	d.log.Debug("notification sent",
		logx.Int64("external_id", sess.ExternalID),
		logx.String("account_id", e.AccountID),
		logx.String("kind", string(e.Kind)),
		logx.Int("quota_used", sent))
	return out
}

func (d *Dispatcher) record(e event.Event, out Outcome) {
	if d.metrics == nil {
		return
	}
	status := string(out.Status)
	if out.Status == StatusSuppressed {
		status = status + ":" + string(out.Reason)
	}
	d.metrics.DispatchOutcome(status)
}
