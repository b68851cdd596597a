package library

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kaze-no-manga/telegram-bot/internal/event"
	"github.com/kaze-no-manga/telegram-bot/internal/metrics"
	"github.com/kaze-no-manga/telegram-bot/internal/notify"
	"github.com/kaze-no-manga/telegram-bot/internal/storage"
	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

// DefaultSchedule sweeps every five minutes.
const DefaultSchedule = "*/5 * * * *"

// DefaultDedupWindow is how long event fingerprints stay remembered.
// A week comfortably covers upstream re-delivery and bot restarts.
const DefaultDedupWindow = 7 * 24 * time.Hour

// Source yields pending updates per account. *Client implements it; tests
// substitute fakes.
type Source interface {
	LibraryUpdates(ctx context.Context, accountID, credential string) ([]Update, error)
}

// Dispatcher is the downstream the poller feeds. Outcomes are logged by
// the dispatcher itself; the poller only cares about hard errors.
type Dispatcher interface {
	Dispatch(ctx context.Context, e event.Event) ([]notify.Outcome, error)
}

type PollerConfig struct {
	Schedule    string
	DedupWindow time.Duration
	// SweepTimeout bounds one whole sweep. 0 means default (2m).
	SweepTimeout time.Duration
}

// Poller periodically sweeps all linked accounts, deduplicates updates it
// has already notified, and hands fresh ones to the dispatcher.
type Poller struct {
	cfg        PollerConfig
	store      storage.Store
	source     Source
	dispatcher Dispatcher
	metrics    *metrics.Collector
	log        logx.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	// sweepMu keeps sweeps from overlapping when one takes longer than
	// the schedule interval.
	sweepMu sync.Mutex
}

func NewPoller(cfg PollerConfig, store storage.Store, source Source, d Dispatcher, m *metrics.Collector, log logx.Logger) *Poller {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		cfg:        cfg,
		store:      store,
		source:     source,
		dispatcher: d,
		metrics:    m,
		log:        log,
	}
}

// Start schedules the sweep. It returns immediately; Stop (or ctx
// cancellation) ends the schedule.
func (p *Poller) Start(ctx context.Context) error {
	p.cron = cron.New()
	id, err := p.cron.AddFunc(p.cfg.Schedule, func() {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.SweepTimeout)
		defer cancel()
		p.Sweep(sctx)
	})
	if err != nil {
		return err
	}
	p.entryID = id
	p.cron.Start()
	p.log.Info("upstream poller started", logx.String("schedule", p.cfg.Schedule))

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (p *Poller) Stop() {
	if p.cron == nil {
		return
	}
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	p.log.Info("upstream poller stopped")
}

// Sweep polls every linked account once. Callable directly (tests, a
// manual trigger) as well as from the schedule.
func (p *Poller) Sweep(ctx context.Context) {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	accounts, err := p.store.Accounts(ctx)
	if err != nil {
		p.log.Error("sweep: listing accounts failed", logx.Err(err))
		if p.metrics != nil {
			p.metrics.PollError()
		}
		return
	}

	start := time.Now()
	var fresh, dup int
	for _, acc := range accounts {
		if ctx.Err() != nil {
			return
		}
		f, d := p.sweepAccount(ctx, acc)
		fresh += f
		dup += d
	}
	p.log.Debug("sweep finished",
		logx.Int("accounts", len(accounts)),
		logx.Int("fresh_events", fresh),
		logx.Int("dup_events", dup),
		logx.Duration("took", time.Since(start)))
}

func (p *Poller) sweepAccount(ctx context.Context, acc storage.Account) (fresh, dup int) {
	updates, err := p.source.LibraryUpdates(ctx, acc.AccountID, acc.Credential)
	if err != nil {
		p.log.Warn("sweep: account poll failed",
			logx.String("account_id", acc.AccountID), logx.Err(err))
		if p.metrics != nil {
			p.metrics.PollError()
		}
		return 0, 0
	}

	for _, u := range updates {
		e := p.toEvent(acc.AccountID, u)
		if !e.Kind.Known() {
			p.log.Debug("sweep: skipping unknown event kind",
				logx.String("kind", string(e.Kind)), logx.String("account_id", acc.AccountID))
			continue
		}

		seen, err := p.store.SeenDedup(ctx, e.Fingerprint())
		if err != nil {
			p.log.Warn("sweep: dedup lookup failed", logx.Err(err))
			continue
		}
		if seen {
			dup++
			continue
		}

		if _, err := p.dispatcher.Dispatch(ctx, e); err != nil {
			p.log.Error("sweep: dispatch failed",
				logx.String("account_id", acc.AccountID), logx.Err(err))
			continue
		}
		fresh++

		// Mark after the dispatch attempt: a delivery failure still counts
		// as notified (at-least-once toward the transport, exactly-once
		// toward the user per fingerprint).
		if err := p.store.PutDedup(ctx, e.Fingerprint(), time.Now().Add(p.cfg.DedupWindow)); err != nil {
			p.log.Warn("sweep: dedup store failed", logx.Err(err))
		}
	}
	return fresh, dup
}

func (p *Poller) toEvent(accountID string, u Update) event.Event {
	e := event.New(event.Kind(u.Kind), accountID, u.MangaID, u.Chapter)
	if u.EventID != "" {
		e.ID = u.EventID
	}
	e.MangaTitle = u.MangaTitle
	return e
}
