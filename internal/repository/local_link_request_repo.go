package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/voicediary/internal/localstore"
	"github.com/hitoshi/voicediary/internal/model"
)

// LinkRequestsKey は紐付けリクエスト一覧を保存するローカルストレージのキー。
const LinkRequestsKey = "link-requests"

// RecoveryHook は破損したローカルデータを空として復旧したときに呼ばれる。
type RecoveryHook func(key string)

// localLinkRequest はローカルストレージ上の紐付けリクエストの表現。
// 時刻はエポックミリ秒で保存する。
type localLinkRequest struct {
	ID          string `json:"id"`
	ParentEmail string `json:"parentEmail"`
	ChildEmail  string `json:"childEmail"`
	ChildName   string `json:"childName,omitempty"`
	Note        string `json:"note,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	Status      string `json:"status"`
}

func toLocalLinkRequest(r *model.LinkRequest) localLinkRequest {
	return localLinkRequest{
		ID:          r.ID,
		ParentEmail: r.ParentEmail,
		ChildEmail:  r.ChildEmail,
		ChildName:   r.ChildName,
		Note:        r.Note,
		CreatedAt:   r.CreatedAt.UnixMilli(),
		Status:      string(r.Status),
	}
}

func (l localLinkRequest) toModel() model.LinkRequest {
	return model.LinkRequest{
		ID:          l.ID,
		ParentEmail: l.ParentEmail,
		ChildEmail:  l.ChildEmail,
		ChildName:   l.ChildName,
		Note:        l.Note,
		CreatedAt:   time.UnixMilli(l.CreatedAt),
		Status:      model.LinkStatus(l.Status),
	}
}

// LocalLinkRequestRepo は端末ローカルのKVに一覧全体をJSONで保存するリポジトリ。
// 書き込みは常に一覧全体の読み込み・変更・保存で行う。
// 保存データが解析できない場合は空の一覧として扱い、致命的エラーにはしない。
type LocalLinkRequestRepo struct {
	kv        localstore.KV
	logger    *slog.Logger
	onRecover RecoveryHook

	// 同一プロセス内の読み込み・変更・保存を直列化する
	mu sync.Mutex
}

// NewLocalLinkRequestRepo はLocalLinkRequestRepoを生成する。
// onRecoverはnilでもよい。
func NewLocalLinkRequestRepo(kv localstore.KV, logger *slog.Logger, onRecover RecoveryHook) *LocalLinkRequestRepo {
	return &LocalLinkRequestRepo{kv: kv, logger: logger, onRecover: onRecover}
}

// load は一覧全体を読み込む。破損時は空の一覧を返す。
func (r *LocalLinkRequestRepo) load(ctx context.Context) ([]localLinkRequest, error) {
	raw, ok, err := r.kv.Get(ctx, LinkRequestsKey)
	if err != nil {
		return nil, fmt.Errorf("ローカルストレージの読み込みに失敗しました: %w", err)
	}
	return r.decode(raw, ok), nil
}

func (r *LocalLinkRequestRepo) decode(raw string, ok bool) []localLinkRequest {
	var list []localLinkRequest
	if err := decodeJSON(raw, ok, LinkRequestsKey, &list); err != nil {
		recoverCorruption(r.logger, r.onRecover, LinkRequestsKey, err)
		return nil
	}
	return list
}

// update は一覧全体の読み込み・変更・保存をKVの1回の更新として行う。
// fnがwrite=falseを返した場合は保存しない。
func (r *LocalLinkRequestRepo) update(ctx context.Context, fn func(list []localLinkRequest) ([]localLinkRequest, bool, error)) error {
	return r.kv.Update(ctx, LinkRequestsKey, func(raw string, ok bool) (string, bool, error) {
		next, write, err := fn(r.decode(raw, ok))
		if err != nil || !write {
			return "", false, err
		}
		if next == nil {
			next = []localLinkRequest{}
		}
		data, err := encodeJSON(next)
		if err != nil {
			return "", false, err
		}
		return data, true, nil
	})
}

// FindByID は指定IDの紐付けリクエストを取得する。見つからない場合はnilを返す。
func (r *LocalLinkRequestRepo) FindByID(ctx context.Context, id string) (*model.LinkRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range list {
		if l.ID == id {
			req := l.toModel()
			return &req, nil
		}
	}
	return nil, nil
}

// ListByParent は保護者Emailが一致するリクエストを返す。
func (r *LocalLinkRequestRepo) ListByParent(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	var results []model.LinkRequest
	for _, l := range list {
		if !strings.EqualFold(l.ParentEmail, parentEmail) {
			continue
		}
		if status != nil && model.LinkStatus(l.Status) != *status {
			continue
		}
		results = append(results, l.toModel())
	}
	return results, nil
}

// ListByChild は子女Emailが一致するリクエストを返す。
func (r *LocalLinkRequestRepo) ListByChild(ctx context.Context, childEmail string) ([]model.LinkRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	var results []model.LinkRequest
	for _, l := range list {
		if strings.EqualFold(l.ChildEmail, childEmail) {
			results = append(results, l.toModel())
		}
	}
	return results, nil
}

// Create は紐付けリクエストを一覧の末尾に追加し、一覧全体を保存する。
func (r *LocalLinkRequestRepo) Create(ctx context.Context, req *model.LinkRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var duplicate bool
	err := r.update(ctx, func(list []localLinkRequest) ([]localLinkRequest, bool, error) {
		for _, l := range list {
			if l.ID == req.ID {
				duplicate = true
				return nil, false, nil
			}
		}
		return append(list, toLocalLinkRequest(req)), true, nil
	})
	if err != nil {
		return fmt.Errorf("紐付けリクエストの作成に失敗しました: %w", err)
	}
	if duplicate {
		return fmt.Errorf("紐付けリクエストIDが重複しています: %s", req.ID)
	}
	return nil
}

// UpdateStatus は指定IDの状態を1回の更新の中で確認し、pendingまたは同じ状態の場合のみ上書きする。
func (r *LocalLinkRequestRepo) UpdateStatus(ctx context.Context, id string, status model.LinkStatus) (StatusChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var change StatusChange
	err := r.update(ctx, func(list []localLinkRequest) ([]localLinkRequest, bool, error) {
		change = StatusChange{}
		for i := range list {
			if list[i].ID != id {
				continue
			}
			change = StatusChange{Found: true, Previous: model.LinkStatus(list[i].Status)}
			if change.Previous != model.LinkStatusPending && change.Previous != status {
				return nil, false, nil
			}
			list[i].Status = string(status)
			change.Applied = true
			return list, true, nil
		}
		return nil, false, nil
	})
	if err != nil {
		return StatusChange{}, fmt.Errorf("紐付けリクエストの状態更新に失敗しました: %w", err)
	}
	return change, nil
}

// DeleteResolvedBefore は期限切れの解決済みリクエストを一覧から取り除く。
func (r *LocalLinkRequestRepo) DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := before.UnixMilli()
	var deleted int64
	err := r.update(ctx, func(list []localLinkRequest) ([]localLinkRequest, bool, error) {
		deleted = 0
		kept := list[:0]
		for _, l := range list {
			if model.LinkStatus(l.Status).Terminal() && l.CreatedAt < cutoff {
				deleted++
				continue
			}
			kept = append(kept, l)
		}
		return kept, deleted > 0, nil
	})
	if err != nil {
		return 0, fmt.Errorf("解決済みリクエストの削除に失敗しました: %w", err)
	}
	return deleted, nil
}

// loadJSON はKVからJSON値を読み込む。キーが存在しない場合はvを変更せずnilを返す。
// 解析できない場合はmodel.ErrStorageCorruptedをラップして返す。
func loadJSON(ctx context.Context, kv localstore.KV, key string, v any) error {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("ローカルストレージの読み込みに失敗しました: %w", err)
	}
	return decodeJSON(raw, ok, key, v)
}

func decodeJSON(raw string, ok bool, key string, v any) error {
	if !ok || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: key=%s: %v", model.ErrStorageCorrupted, key, err)
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("ローカルストレージ用のエンコードに失敗しました: %w", err)
	}
	return string(data), nil
}

// saveJSON は値をJSONにしてKVへ保存する。
func saveJSON(ctx context.Context, kv localstore.KV, key string, v any) error {
	data, err := encodeJSON(v)
	if err != nil {
		return err
	}
	if err := kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("ローカルストレージへの保存に失敗しました: %w", err)
	}
	return nil
}

// recoverCorruption は破損データを空として扱ったことを記録する。
func recoverCorruption(logger *slog.Logger, hook RecoveryHook, key string, err error) {
	logger.Warn("corrupted local data reset to empty",
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
	if hook != nil {
		hook(key)
	}
}

// compile-time interface check
var _ LinkRequestRepository = (*LocalLinkRequestRepo)(nil)
