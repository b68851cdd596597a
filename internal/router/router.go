// Package router turns inbound chat messages into linking and preference
// operations and renders the results as plain text.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/kaze-no-manga/telegram-bot/internal/linking"
	"github.com/kaze-no-manga/telegram-bot/internal/metrics"
	"github.com/kaze-no-manga/telegram-bot/internal/prefs"
	"github.com/kaze-no-manga/telegram-bot/internal/storage"
	"github.com/kaze-no-manga/telegram-bot/internal/transport"
	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

// handleTimeout bounds the store and transport work for one inbound
// message. Nothing here is long-running; a stuck backend should fail the
// request, not wedge the loop.
const handleTimeout = 15 * time.Second

type Router struct {
	coordinator *linking.Coordinator
	prefs       *prefs.Store
	store       storage.Store
	adapter     transport.Adapter
	metrics     *metrics.Collector
	log         logx.Logger
}

func New(
	coordinator *linking.Coordinator,
	prefStore *prefs.Store,
	store storage.Store,
	adapter transport.Adapter,
	m *metrics.Collector,
	log logx.Logger,
) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		coordinator: coordinator,
		prefs:       prefStore,
		store:       store,
		adapter:     adapter,
		metrics:     m,
		log:         log,
	}
}

// Run consumes updates until ctx is done. Each update is handled in its
// own goroutine; the stores serialize where correctness needs it.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			go r.handle(ctx, up)
		}
	}
}

func (r *Router) handle(ctx context.Context, up transport.Update) {
	cmd, arg := splitCommand(up.Text)
	if cmd == "" {
		return
	}

	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	reply := r.dispatchCommand(hctx, up, cmd, arg)
	if reply == "" {
		return
	}
	err := r.adapter.Send(hctx, transport.ChatTarget{ChatID: up.ChatID}, reply, &transport.SendOptions{DisablePreview: true})
	if err != nil {
		r.log.Warn("command reply failed",
			logx.String("command", cmd),
			logx.Int64("chat_id", up.ChatID),
			logx.Err(err))
	}
}

func (r *Router) dispatchCommand(ctx context.Context, up transport.Update, cmd, arg string) string {
	switch cmd {
	case "/start", "/link":
		return r.cmdStart(ctx, up.FromID)
	case "/unlink":
		return r.cmdUnlink(ctx, up.FromID)
	case "/status":
		return r.cmdStatus(ctx, up.FromID)
	case "/notifications":
		return r.cmdNotifications(ctx, up.FromID, arg)
	case "/limit":
		return r.cmdLimit(ctx, up.FromID, arg)
	case "/help":
		return helpText
	default:
		return ""
	}
}

// splitCommand extracts a lowercased command and its argument tail.
// "/start@SomeBot extra" -> ("/start", "extra").
func splitCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	cmd, arg, _ = strings.Cut(text, " ")
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}
