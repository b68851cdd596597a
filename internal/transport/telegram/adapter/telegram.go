// Package adapter implements transport.Adapter over the Telegram Bot API
// using telebot long-polling.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	kit "github.com/kaze-no-manga/telegram-bot/internal/transport"
	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRatePerSec caps outbound messages globally. Telegram throttles
	// bots around 30 msg/s; stay under it. 0 means default (20).
	SendRatePerSec int
	// SendTimeout bounds a single Send call. 0 means default (10s).
	SendTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool
	stopped chan struct{}

	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.SendRatePerSec
	if rps <= 0 {
		rps = 20
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			MessageID:    m.ID,
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
		})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.stopped = make(chan struct{})
	stopped := a.stopped
	a.runMu.Unlock()

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)",
						logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	}()

	go func() {
		defer close(stopped)
		a.log.Info("polling started")
		// Start blocks until Stop() is called.
		a.bot.Start()
		a.log.Info("polling stopped")
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	stopped := a.stopped
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}

	// telebot Stop is expected to be fast; run it async just in case.
	go a.bot.Stop()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is
	// still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	select {
	case <-stopped:
		return nil
	case <-time.After(grace):
		a.log.Warn("telegram stop timed out")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send delivers plain text to a chat. The global limiter smooths bursts;
// the per-call timeout keeps a stuck Bot API call from hanging the caller.
func (a *Adapter) Send(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	timeout := a.cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.limiter.Wait(sctx); err != nil {
		return err
	}

	var sendOpts []interface{}
	if opt != nil {
		topt := &tele.SendOptions{DisableWebPagePreview: opt.DisablePreview}
		if opt.ParseMode != "" {
			topt.ParseMode = tele.ParseMode(opt.ParseMode)
		}
		sendOpts = append(sendOpts, topt)
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOpts...)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-sctx.Done():
		return sctx.Err()
	}
}
