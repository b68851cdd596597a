package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kaze-no-manga/telegram-bot/internal/clock"
	"github.com/kaze-no-manga/telegram-bot/internal/event"
	"github.com/kaze-no-manga/telegram-bot/internal/prefs"
	"github.com/kaze-no-manga/telegram-bot/internal/storage"
	"github.com/kaze-no-manga/telegram-bot/internal/transport"
	logx "github.com/kaze-no-manga/telegram-bot/pkg/logx"
)

// fakeAdapter records sends; FailFor forces transport failures per chat.
type fakeAdapter struct {
	mu      sync.Mutex
	sends   []transport.ChatTarget
	texts   []string
	failFor map[int64]error
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                               { return nil }

func (f *fakeAdapter) Send(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[to.ChatID]; ok {
		return err
	}
	f.sends = append(f.sends, to)
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeAdapter) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type fixture struct {
	store      *storage.Memory
	prefs      *prefs.Store
	adapter    *fakeAdapter
	clk        *clock.Fixed
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	ps := prefs.NewStore(store, logx.Nop())
	ad := &fakeAdapter{failFor: map[int64]error{}}
	clk := &clock.Fixed{T: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)}
	d := NewDispatcher(store, ps, ad, TextFormatter{}, clk, nil, logx.Nop())
	return &fixture{store: store, prefs: ps, adapter: ad, clk: clk, dispatcher: d}
}

func (fx *fixture) link(t *testing.T, externalID int64, accountID string) {
	t.Helper()
	err := fx.store.PutSession(context.Background(), storage.Session{
		ExternalID: externalID, AccountID: accountID, Credential: "tok", LinkedAt: fx.clk.T,
	})
	if err != nil {
		t.Fatalf("link %d: %v", externalID, err)
	}
}

func (fx *fixture) setLimit(t *testing.T, accountID string, n int) {
	t.Helper()
	if _, err := fx.prefs.Update(context.Background(), accountID, prefs.Patch{MaxPerDay: &n}); err != nil {
		t.Fatalf("set limit: %v", err)
	}
}

func countStatus(outcomes []Outcome, status Status, reason Reason) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == status && (reason == "" || o.Reason == reason) {
			n++
		}
	}
	return n
}

func TestDispatchNoRecipients(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	outcomes, err := fx.dispatcher.Dispatch(context.Background(), event.New(event.KindNewChapter, "u-7", "m-1", "c-1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected no outcomes, got %d", len(outcomes))
	}
}

func TestDispatchFansOutToAllLinkedIdentities(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.link(t, 101, "u-7")
	fx.link(t, 102, "u-7")
	fx.link(t, 999, "someone-else")

	outcomes, err := fx.dispatcher.Dispatch(context.Background(), event.New(event.KindNewChapter, "u-7", "m-1", "c-12"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if got := countStatus(outcomes, StatusSent, ""); got != 2 {
		t.Fatalf("expected 2 sent, got %d", got)
	}
	if fx.adapter.sent() != 2 {
		t.Fatalf("adapter saw %d sends, want 2", fx.adapter.sent())
	}
}

func TestQuotaSharedAcrossIdentities(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	for id := int64(1); id <= 4; id++ {
		fx.link(t, id, "u-7")
	}
	fx.setLimit(t, "u-7", 3)

	outcomes, err := fx.dispatcher.Dispatch(context.Background(), event.New(event.KindNewChapter, "u-7", "m-1", "c-1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := countStatus(outcomes, StatusSent, ""); got != 3 {
		t.Fatalf("expected exactly 3 sent, got %d (outcomes %+v)", got, outcomes)
	}
	if got := countStatus(outcomes, StatusSuppressed, ReasonQuotaExceeded); got != 1 {
		t.Fatalf("expected 1 quota suppression, got %d", got)
	}
}

func TestQuotaAcrossSequentialDispatches(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.link(t, 1, "u-7")
	fx.setLimit(t, "u-7", 3)
	ctx := context.Background()

	var sent, suppressed int
	for i := 0; i < 4; i++ {
		outcomes, err := fx.dispatcher.Dispatch(ctx, event.New(event.KindNewChapter, "u-7", "m-1", "c-1"))
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		sent += countStatus(outcomes, StatusSent, "")
		suppressed += countStatus(outcomes, StatusSuppressed, ReasonQuotaExceeded)
	}
	if sent != 3 || suppressed != 1 {
		t.Fatalf("want 3 sent / 1 suppressed, got %d / %d", sent, suppressed)
	}
}

func TestQuotaConcurrentDispatches(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.link(t, 1, "u-7")
	fx.setLimit(t, "u-7", 3)
	ctx := context.Background()

	const n = 8
	var (
		wg              sync.WaitGroup
		mu              sync.Mutex
		sent, throttled int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes, err := fx.dispatcher.Dispatch(ctx, event.New(event.KindNewChapter, "u-7", "m-1", "c-1"))
			if err != nil {
				t.Errorf("dispatch: %v", err)
				return
			}
			mu.Lock()
			sent += countStatus(outcomes, StatusSent, "")
			throttled += countStatus(outcomes, StatusSuppressed, ReasonQuotaExceeded)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if sent != 3 || throttled != n-3 {
		t.Fatalf("cap bypassed under interleaving: sent=%d throttled=%d", sent, throttled)
	}
}

func TestPreferenceDisabledSuppressesOnlyThatKind(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.link(t, 1, "u-7")
	ctx := context.Background()

	kinds := []event.Kind{event.KindNewChapter}
	if _, err := fx.prefs.Update(ctx, "u-7", prefs.Patch{Kinds: &kinds}); err != nil {
		t.Fatalf("update prefs: %v", err)
	}

	outcomes, err := fx.dispatcher.Dispatch(ctx, event.New(event.KindSeriesCompleted, "u-7", "m-1", ""))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := countStatus(outcomes, StatusSuppressed, ReasonPreferenceDisabled); got != 1 {
		t.Fatalf("expected preference suppression, got %+v", outcomes)
	}

	outcomes, err = fx.dispatcher.Dispatch(ctx, event.New(event.KindNewChapter, "u-7", "m-1", "c-2"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := countStatus(outcomes, StatusSent, ""); got != 1 {
		t.Fatalf("new_chapter should still dispatch, got %+v", outcomes)
	}
}

func TestPreferenceSuppressionDoesNotSpendQuota(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.link(t, 1, "u-7")
	ctx := context.Background()

	kinds := []event.Kind{event.KindNewChapter}
	limit := 1
	if _, err := fx.prefs.Update(ctx, "u-7", prefs.Patch{Kinds: &kinds, MaxPerDay: &limit}); err != nil {
		t.Fatalf("update prefs: %v", err)
	}

	// A suppressed kind must leave the single quota unit untouched.
	if _, err := fx.dispatcher.Dispatch(ctx, event.New(event.KindSeriesCompleted, "u-7", "m-1", "")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	outcomes, err := fx.dispatcher.Dispatch(ctx, event.New(event.KindNewChapter, "u-7", "m-1", "c-1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := countStatus(outcomes, StatusSent, ""); got != 1 {
		t.Fatalf("quota should have been available, got %+v", outcomes)
	}
}

func TestTransportFailureStillSpendsQuota(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.link(t, 1, "u-7")
	fx.setLimit(t, "u-7", 1)
	fx.adapter.failFor[1] = errors.New("bot was blocked by the user")
	ctx := context.Background()

	outcomes, err := fx.dispatcher.Dispatch(ctx, event.New(event.KindNewChapter, "u-7", "m-1", "c-1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := countStatus(outcomes, StatusFailed, ReasonTransportFailure); got != 1 {
		t.Fatalf("expected transport failure outcome, got %+v", outcomes)
	}

	// The failed attempt consumed the only quota unit; the next dispatch
	// is suppressed even though nothing was delivered.
	delete(fx.adapter.failFor, 1)
	outcomes, err = fx.dispatcher.Dispatch(ctx, event.New(event.KindNewChapter, "u-7", "m-1", "c-2"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := countStatus(outcomes, StatusSuppressed, ReasonQuotaExceeded); got != 1 {
		t.Fatalf("failed send must not refund quota, got %+v", outcomes)
	}
}

func TestQuotaResetsAtUTCDayBoundary(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.link(t, 1, "u-7")
	fx.setLimit(t, "u-7", 1)
	ctx := context.Background()

	if _, err := fx.dispatcher.Dispatch(ctx, event.New(event.KindNewChapter, "u-7", "m-1", "c-1")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	outcomes, _ := fx.dispatcher.Dispatch(ctx, event.New(event.KindNewChapter, "u-7", "m-1", "c-2"))
	if countStatus(outcomes, StatusSuppressed, ReasonQuotaExceeded) != 1 {
		t.Fatalf("budget should be spent, got %+v", outcomes)
	}

	fx.clk.Advance(24 * time.Hour)
	outcomes, err := fx.dispatcher.Dispatch(ctx, event.New(event.KindNewChapter, "u-7", "m-1", "c-3"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if countStatus(outcomes, StatusSent, "") != 1 {
		t.Fatalf("budget should reset on day rollover, got %+v", outcomes)
	}
}

func TestZeroLimitSuppressesEverything(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.link(t, 1, "u-7")
	fx.setLimit(t, "u-7", 0)

	outcomes, err := fx.dispatcher.Dispatch(context.Background(), event.New(event.KindNewChapter, "u-7", "m-1", "c-1"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if countStatus(outcomes, StatusSuppressed, ReasonQuotaExceeded) != 1 {
		t.Fatalf("limit 0 should suppress, got %+v", outcomes)
	}
}

func TestFormatterOutputReachesTransport(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.link(t, 1, "u-7")

	e := event.Event{ID: "e-1", Kind: event.KindNewChapter, AccountID: "u-7", MangaTitle: "Kaze no Tani", ChapterRef: "Ch. 42"}
	if _, err := fx.dispatcher.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	fx.adapter.mu.Lock()
	defer fx.adapter.mu.Unlock()
	if len(fx.adapter.texts) != 1 {
		t.Fatalf("expected 1 send, got %d", len(fx.adapter.texts))
	}
	if want := "📖 New chapter of Kaze no Tani: Ch. 42"; fx.adapter.texts[0] != want {
		t.Fatalf("text = %q, want %q", fx.adapter.texts[0], want)
	}
}
