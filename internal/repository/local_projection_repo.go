package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/voicediary/internal/localstore"
	"github.com/hitoshi/voicediary/internal/model"
)

// LinkedChildrenKey は保護者ごとの紐付け済み子女一覧のキーを返す。
func LinkedChildrenKey(parentEmail string) string {
	return "linked-children:" + strings.ToLower(parentEmail)
}

// BindingKey は子女ごとの紐付け情報のキーを返す。
func BindingKey(childEmail string) string {
	return "binding:" + strings.ToLower(childEmail)
}

type localLinkedChild struct {
	ChildEmail string `json:"childEmail"`
	ChildName  string `json:"childName,omitempty"`
	LinkedAt   int64  `json:"linkedAt"`
}

// LocalLinkedChildRepo は保護者ごとの紐付け済み子女一覧をKVに保存するリポジトリ。
type LocalLinkedChildRepo struct {
	kv        localstore.KV
	logger    *slog.Logger
	onRecover RecoveryHook
	mu        sync.Mutex
}

// NewLocalLinkedChildRepo はLocalLinkedChildRepoを生成する。
func NewLocalLinkedChildRepo(kv localstore.KV, logger *slog.Logger, onRecover RecoveryHook) *LocalLinkedChildRepo {
	return &LocalLinkedChildRepo{kv: kv, logger: logger, onRecover: onRecover}
}

func (r *LocalLinkedChildRepo) load(ctx context.Context, parentEmail string) ([]localLinkedChild, error) {
	key := LinkedChildrenKey(parentEmail)
	var list []localLinkedChild
	err := loadJSON(ctx, r.kv, key, &list)
	if errors.Is(err, model.ErrStorageCorrupted) {
		recoverCorruption(r.logger, r.onRecover, key, err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Append は一覧の末尾に1件追加する。読み込みから保存までをKVの1回の更新として行う。
func (r *LocalLinkedChildRepo) Append(ctx context.Context, parentEmail string, child model.LinkedChild) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := LinkedChildrenKey(parentEmail)
	err := r.kv.Update(ctx, key, func(raw string, ok bool) (string, bool, error) {
		var list []localLinkedChild
		if err := decodeJSON(raw, ok, key, &list); err != nil {
			recoverCorruption(r.logger, r.onRecover, key, err)
			list = nil
		}
		list = append(list, localLinkedChild{
			ChildEmail: child.ChildEmail,
			ChildName:  child.ChildName,
			LinkedAt:   child.LinkedAt.UnixMilli(),
		})
		data, err := encodeJSON(list)
		if err != nil {
			return "", false, err
		}
		return data, true, nil
	})
	if err != nil {
		return fmt.Errorf("紐付け済み子女の追加に失敗しました: %w", err)
	}
	return nil
}

// ListByParent は保護者の紐付け済み子女一覧を返す。
func (r *LocalLinkedChildRepo) ListByParent(ctx context.Context, parentEmail string) ([]model.LinkedChild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.load(ctx, parentEmail)
	if err != nil {
		return nil, err
	}
	results := make([]model.LinkedChild, 0, len(list))
	for _, l := range list {
		results = append(results, model.LinkedChild{
			ChildEmail: l.ChildEmail,
			ChildName:  l.ChildName,
			LinkedAt:   time.UnixMilli(l.LinkedAt),
		})
	}
	return results, nil
}

// ExistsForChild は一覧に指定の子女Emailが含まれるかを返す。
func (r *LocalLinkedChildRepo) ExistsForChild(ctx context.Context, parentEmail, childEmail string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.load(ctx, parentEmail)
	if err != nil {
		return false, err
	}
	for _, l := range list {
		if strings.EqualFold(l.ChildEmail, childEmail) {
			return true, nil
		}
	}
	return false, nil
}

type localBinding struct {
	ParentName  string `json:"parentName"`
	ParentEmail string `json:"parentEmail,omitempty"`
}

// LocalBindingRepo は子女側の紐付け情報をKVに保存するリポジトリ。
type LocalBindingRepo struct {
	kv        localstore.KV
	logger    *slog.Logger
	onRecover RecoveryHook
}

// NewLocalBindingRepo はLocalBindingRepoを生成する。
func NewLocalBindingRepo(kv localstore.KV, logger *slog.Logger, onRecover RecoveryHook) *LocalBindingRepo {
	return &LocalBindingRepo{kv: kv, logger: logger, onRecover: onRecover}
}

// Get は子女の紐付け情報を返す。存在しない、または破損している場合はnilを返す。
func (r *LocalBindingRepo) Get(ctx context.Context, childEmail string) (*model.Binding, error) {
	key := BindingKey(childEmail)
	var b *localBinding
	err := loadJSON(ctx, r.kv, key, &b)
	if errors.Is(err, model.ErrStorageCorrupted) {
		recoverCorruption(r.logger, r.onRecover, key, err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	return &model.Binding{ParentName: b.ParentName, ParentEmail: b.ParentEmail}, nil
}

// Put は子女の紐付け情報を上書き保存する。
func (r *LocalBindingRepo) Put(ctx context.Context, childEmail string, binding model.Binding) error {
	if err := saveJSON(ctx, r.kv, BindingKey(childEmail), localBinding{
		ParentName:  binding.ParentName,
		ParentEmail: binding.ParentEmail,
	}); err != nil {
		return fmt.Errorf("紐付け情報の保存に失敗しました: %w", err)
	}
	return nil
}

// Delete は子女の紐付け情報を削除する。
func (r *LocalBindingRepo) Delete(ctx context.Context, childEmail string) error {
	if err := r.kv.Remove(ctx, BindingKey(childEmail)); err != nil {
		return fmt.Errorf("紐付け情報の削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ LinkedChildRepository = (*LocalLinkedChildRepo)(nil)
	_ BindingRepository     = (*LocalBindingRepo)(nil)
)
