package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPutSessionLastWriterWins(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	first := Session{ExternalID: 42, AccountID: "u-1", Credential: "a"}
	second := Session{ExternalID: 42, AccountID: "u-2", Credential: "b"}
	if err := m.PutSession(ctx, first); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.PutSession(ctx, second); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := m.GetSession(ctx, 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccountID != "u-2" || got.Credential != "b" {
		t.Fatalf("expected full replace, got %+v", got)
	}
}

func TestDeleteSessionNoopWhenAbsent(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	if err := m.DeleteSession(context.Background(), 999); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
	if _, err := m.GetSession(context.Background(), 999); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestInsertCodeSupersedesLiveCode(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	old := LinkingCode{Code: "AAAA1111", ExternalID: 7, IssuedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
	fresh := LinkingCode{Code: "BBBB2222", ExternalID: 7, IssuedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
	if err := m.InsertCode(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.InsertCode(ctx, fresh); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := m.ClaimCode(ctx, "AAAA1111", now); !errors.Is(err, ErrCodeSuperseded) {
		t.Fatalf("old code: expected ErrCodeSuperseded, got %v", err)
	}
	if _, err := m.ClaimCode(ctx, "BBBB2222", now); err != nil {
		t.Fatalf("fresh code: %v", err)
	}
}

func TestClaimCodeLifecycle(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	c := LinkingCode{Code: "XYZ12345", ExternalID: 1, IssuedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
	if err := m.InsertCode(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := m.ClaimCode(ctx, "nope", now); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("unknown code: expected ErrCodeNotFound, got %v", err)
	}

	rec, err := m.ClaimCode(ctx, "XYZ12345", now)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if rec.ExternalID != 1 || !rec.Consumed {
		t.Fatalf("unexpected claimed record: %+v", rec)
	}

	if _, err := m.ClaimCode(ctx, "XYZ12345", now); !errors.Is(err, ErrCodeConsumed) {
		t.Fatalf("second claim: expected ErrCodeConsumed, got %v", err)
	}
}

func TestClaimCodeExpired(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	c := LinkingCode{Code: "OLD00000", ExternalID: 2, IssuedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
	if err := m.InsertCode(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := m.ClaimCode(ctx, "OLD00000", now.Add(11*time.Minute)); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired, got %v", err)
	}
}

func TestClaimCodeConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	c := LinkingCode{Code: "RACE0001", ExternalID: 3, IssuedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
	if err := m.InsertCode(ctx, c); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const n = 32
	var (
		wg       sync.WaitGroup
		okCount  int64
		consumed int64
		countMu  sync.Mutex
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ClaimCode(ctx, "RACE0001", now)
			countMu.Lock()
			defer countMu.Unlock()
			switch {
			case err == nil:
				okCount++
			case errors.Is(err, ErrCodeConsumed):
				consumed++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if okCount != 1 || consumed != n-1 {
		t.Fatalf("expected 1 winner and %d ErrCodeConsumed, got %d/%d", n-1, okCount, consumed)
	}
}

func TestBumpQuotaStopsAtLimit(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	var allowed int
	for i := 0; i < 5; i++ {
		ok, _, err := m.BumpQuota(ctx, "acc", "2026-08-24", 3)
		if err != nil {
			t.Fatalf("bump: %v", err)
		}
		if ok {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("expected 3 allowed bumps, got %d", allowed)
	}

	// Denied bumps leave the counter untouched.
	_, sent, err := m.BumpQuota(ctx, "acc", "2026-08-24", 3)
	if err != nil {
		t.Fatalf("bump: %v", err)
	}
	if sent != 3 {
		t.Fatalf("counter moved past limit: %d", sent)
	}
}

func TestBumpQuotaConcurrent(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	const n = 20
	var (
		wg      sync.WaitGroup
		countMu sync.Mutex
		allowed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := m.BumpQuota(ctx, "acc", "2026-08-24", 3)
			if err != nil {
				t.Errorf("bump: %v", err)
				return
			}
			if ok {
				countMu.Lock()
				allowed++
				countMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 3 {
		t.Fatalf("expected exactly 3 allowed bumps under contention, got %d", allowed)
	}
}

func TestQuotaDayBucketsIndependent(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _, _ := m.BumpQuota(ctx, "acc", "2026-08-24", 3); !ok {
			t.Fatalf("day one bump %d denied", i)
		}
	}
	// Next day: fresh budget, no explicit reset needed.
	if ok, sent, _ := m.BumpQuota(ctx, "acc", "2026-08-25", 3); !ok || sent != 1 {
		t.Fatalf("expected fresh bucket, got ok=%v sent=%d", ok, sent)
	}
}

func TestDedupExpiry(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	if err := m.PutDedup(ctx, "k", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if seen, _ := m.SeenDedup(ctx, "k"); !seen {
		t.Fatal("expected live dedup key to be seen")
	}
	if err := m.PutDedup(ctx, "stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if seen, _ := m.SeenDedup(ctx, "stale"); seen {
		t.Fatal("expired dedup key should not be seen")
	}
}

func TestStoreHonorsContextCancellation(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.PutSession(ctx, Session{ExternalID: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
