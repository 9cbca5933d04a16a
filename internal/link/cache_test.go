package link

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/voicediary/internal/localstore"
	"github.com/hitoshi/voicediary/internal/model"
)

type mockPendingReader struct {
	listFn func(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error)
}

func (m *mockPendingReader) ListByParent(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error) {
	return m.listFn(ctx, parentEmail, status)
}

func TestPendingCache_FallsBackToStaleOnNetworkError(t *testing.T) {
	ctx := context.Background()
	kv := localstore.NewMemoryKV()

	online := true
	reader := &mockPendingReader{
		listFn: func(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error) {
			if status == nil || *status != model.LinkStatusPending {
				t.Errorf("status filter = %v, want pending", status)
			}
			if !online {
				return nil, model.NewTimeoutError()
			}
			return []model.LinkRequest{{
				ID:          "r1",
				ParentEmail: parentEmail,
				ChildEmail:  "kid@example.com",
				CreatedAt:   time.UnixMilli(1700000000000),
				Status:      model.LinkStatusPending,
			}}, nil
		},
	}
	cache := NewPendingCache(reader, kv, discardLogger())
	cache.now = func() time.Time { return time.UnixMilli(1700000005000) }

	fresh, err := cache.Refresh(ctx, "parent@example.com")
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if fresh.Stale || len(fresh.Requests) != 1 {
		t.Fatalf("fresh = %+v, want 1 non-stale request", fresh)
	}

	online = false
	stale, err := cache.Refresh(ctx, "Parent@Example.com")
	if err != nil {
		t.Fatalf("Refresh (offline) returned error: %v", err)
	}
	if !stale.Stale {
		t.Error("Stale = false, want true")
	}
	if len(stale.Requests) != 1 || stale.Requests[0].ID != "r1" {
		t.Errorf("Requests = %+v, want cached r1", stale.Requests)
	}
	if !stale.CachedAt.Equal(time.UnixMilli(1700000005000)) {
		t.Errorf("CachedAt = %v", stale.CachedAt)
	}
	if !model.IsRetryable(stale.Cause) {
		t.Errorf("Cause = %v, want retryable error", stale.Cause)
	}
}

func TestPendingCache_NoCacheReturnsError(t *testing.T) {
	reader := &mockPendingReader{
		listFn: func(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error) {
			return nil, model.NewNetworkError("connection refused")
		},
	}
	cache := NewPendingCache(reader, localstore.NewMemoryKV(), discardLogger())

	_, err := cache.Refresh(context.Background(), "parent@example.com")
	if !model.IsRetryable(err) {
		t.Errorf("err = %v, want network error", err)
	}
}

func TestPendingCache_NonRetryableErrorIsNotMasked(t *testing.T) {
	ctx := context.Background()
	kv := localstore.NewMemoryKV()
	_ = kv.Set(ctx, PendingCacheKey("parent@example.com"), `{"cachedAt":1,"requests":[]}`)

	boom := errors.New("boom")
	reader := &mockPendingReader{
		listFn: func(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error) {
			return nil, boom
		},
	}
	cache := NewPendingCache(reader, kv, discardLogger())

	if _, err := cache.Refresh(ctx, "parent@example.com"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestPendingCache_CorruptCacheIsIgnored(t *testing.T) {
	ctx := context.Background()
	kv := localstore.NewMemoryKV()
	_ = kv.Set(ctx, PendingCacheKey("parent@example.com"), "not json")

	reader := &mockPendingReader{
		listFn: func(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error) {
			return nil, model.NewTimeoutError()
		},
	}
	cache := NewPendingCache(reader, kv, discardLogger())

	if _, err := cache.Refresh(ctx, "parent@example.com"); !model.IsRetryable(err) {
		t.Errorf("err = %v, want timeout error", err)
	}
}
