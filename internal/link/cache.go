package link

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/voicediary/internal/localstore"
	"github.com/hitoshi/voicediary/internal/model"
)

// PendingReader は保護者宛てのリクエスト一覧の取得元。
type PendingReader interface {
	ListByParent(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error)
}

// PendingResult は審査待ち一覧の取得結果。
// Staleがtrueの場合、Requestsは通信失敗時にCachedAt時点のキャッシュから返されたもので、
// Causeに通信失敗の原因が入る。
type PendingResult struct {
	Requests []model.LinkRequest
	Stale    bool
	CachedAt time.Time
	Cause    error
}

// PendingCacheKey は保護者ごとの審査待ち一覧キャッシュのキーを返す。
func PendingCacheKey(parentEmail string) string {
	return "pending-cache:" + NormalizeEmail(parentEmail)
}

type cachedRequest struct {
	ID          string `json:"id"`
	ParentEmail string `json:"parentEmail"`
	ChildEmail  string `json:"childEmail"`
	ChildName   string `json:"childName,omitempty"`
	Note        string `json:"note,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	Status      string `json:"status"`
}

type pendingSnapshot struct {
	CachedAt int64           `json:"cachedAt"`
	Requests []cachedRequest `json:"requests"`
}

// PendingCache はリモートから取得した審査待ち一覧を端末ローカルに保持し、
// 通信失敗時には最後に取得した一覧を古いデータとして返す。
type PendingCache struct {
	reader PendingReader
	kv     localstore.KV
	logger *slog.Logger
	now    func() time.Time
}

// NewPendingCache はPendingCacheを生成する。
func NewPendingCache(reader PendingReader, kv localstore.KV, logger *slog.Logger) *PendingCache {
	return &PendingCache{reader: reader, kv: kv, logger: logger, now: time.Now}
}

// Refresh は審査待ち一覧を取得する。
// NETWORK_ERROR / TIMEOUT の場合のみキャッシュにフォールバックし、
// キャッシュがなければ元のエラーを返す。
func (c *PendingCache) Refresh(ctx context.Context, parentEmail string) (*PendingResult, error) {
	pending := model.LinkStatusPending
	list, err := c.reader.ListByParent(ctx, parentEmail, &pending)
	if err == nil {
		sortNewestFirst(list)
		now := c.now()
		if saveErr := c.save(ctx, parentEmail, now, list); saveErr != nil {
			c.logger.Warn("failed to cache pending requests",
				slog.String("error", saveErr.Error()),
			)
		}
		return &PendingResult{Requests: list, CachedAt: now}, nil
	}
	if !model.IsRetryable(err) {
		return nil, err
	}

	snap, ok := c.load(ctx, parentEmail)
	if !ok {
		return nil, err
	}
	return &PendingResult{
		Requests: snap.toModel(),
		Stale:    true,
		CachedAt: time.UnixMilli(snap.CachedAt),
		Cause:    err,
	}, nil
}

func (c *PendingCache) save(ctx context.Context, parentEmail string, at time.Time, list []model.LinkRequest) error {
	snap := pendingSnapshot{CachedAt: at.UnixMilli(), Requests: make([]cachedRequest, 0, len(list))}
	for _, r := range list {
		snap.Requests = append(snap.Requests, cachedRequest{
			ID:          r.ID,
			ParentEmail: r.ParentEmail,
			ChildEmail:  r.ChildEmail,
			ChildName:   r.ChildName,
			Note:        r.Note,
			CreatedAt:   r.CreatedAt.UnixMilli(),
			Status:      string(r.Status),
		})
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("キャッシュのエンコードに失敗しました: %w", err)
	}
	return c.kv.Set(ctx, PendingCacheKey(parentEmail), string(data))
}

// load はキャッシュを読み込む。存在しない、または解析できない場合はfalseを返す。
func (c *PendingCache) load(ctx context.Context, parentEmail string) (*pendingSnapshot, bool) {
	key := PendingCacheKey(parentEmail)
	raw, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		c.logger.Warn("failed to read pending cache",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var snap pendingSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		c.logger.Warn("corrupted local data reset to empty",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return &snap, true
}

func (s *pendingSnapshot) toModel() []model.LinkRequest {
	list := make([]model.LinkRequest, 0, len(s.Requests))
	for _, r := range s.Requests {
		list = append(list, model.LinkRequest{
			ID:          r.ID,
			ParentEmail: r.ParentEmail,
			ChildEmail:  r.ChildEmail,
			ChildName:   r.ChildName,
			Note:        r.Note,
			CreatedAt:   time.UnixMilli(r.CreatedAt),
			Status:      model.LinkStatus(r.Status),
		})
	}
	return list
}
