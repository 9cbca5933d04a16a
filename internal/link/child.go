package link

import (
	"context"
	"fmt"

	"github.com/hitoshi/voicediary/internal/model"
	"github.com/hitoshi/voicediary/internal/repository"
)

// RequestSource は子女側が利用する紐付けリクエストの取得元。
// ローカルのStoreとリモートのlinkclient.Clientのどちらも満たす。
type RequestSource interface {
	Create(ctx context.Context, in model.NewLinkRequest) (*model.LinkRequest, error)
	ListByChild(ctx context.Context, childEmail string) ([]model.LinkRequest, error)
}

// ChildController は子女側のリクエスト送信と紐付け情報の同期を提供する。
// 紐付け情報は常に端末ローカルに保持する。
type ChildController struct {
	source   RequestSource
	bindings repository.BindingRepository
}

// NewChildController はChildControllerを生成する。
func NewChildController(source RequestSource, bindings repository.BindingRepository) *ChildController {
	return &ChildController{source: source, bindings: bindings}
}

// Submit は保護者への紐付けリクエストを送信する。
// ChildEmailは呼び出し元自身の識別子で、空の場合は未ログインとしてバリデーションエラーにする。
func (c *ChildController) Submit(ctx context.Context, in model.NewLinkRequest) (*model.LinkRequest, error) {
	if NormalizeEmail(in.ChildEmail) == "" {
		return nil, model.NewValidationError("childEmail", "ログイン中のアカウントを確認できません。")
	}
	if err := ValidateEmail("parentEmail", in.ParentEmail); err != nil {
		return nil, err
	}
	return c.source.Create(ctx, in)
}

// RefreshMine は子女が送信したリクエストを新しい順に返す。
func (c *ChildController) RefreshMine(ctx context.Context, childEmail string) ([]model.LinkRequest, error) {
	if NormalizeEmail(childEmail) == "" {
		return nil, model.NewValidationError("child", "child は必須です。")
	}
	list, err := c.source.ListByChild(ctx, NormalizeEmail(childEmail))
	if err != nil {
		return nil, err
	}
	sortNewestFirst(list)
	return list, nil
}

// SyncBinding は子女のリクエストのうち最初に見つかったacceptedのものから紐付け情報を作成し、
// 保存して返す。acceptedのリクエストがない場合はnilを返し、既存の紐付け情報は変更しない。
func (c *ChildController) SyncBinding(ctx context.Context, childEmail string) (*model.Binding, error) {
	list, err := c.RefreshMine(ctx, childEmail)
	if err != nil {
		return nil, err
	}

	for _, req := range list {
		if req.Status != model.LinkStatusAccepted {
			continue
		}
		binding := model.Binding{
			ParentName:  model.DefaultBindingParentName,
			ParentEmail: req.ParentEmail,
		}
		if err := c.bindings.Put(ctx, NormalizeEmail(childEmail), binding); err != nil {
			return nil, fmt.Errorf("紐付け情報の保存に失敗しました: %w", err)
		}
		return &binding, nil
	}
	return nil, nil
}

// Unbind は端末ローカルの紐付け情報を削除する。
// リクエストの状態は変更しないため、再度SyncBindingすると同じ紐付けが復元される。
func (c *ChildController) Unbind(ctx context.Context, childEmail string) error {
	if err := c.bindings.Delete(ctx, NormalizeEmail(childEmail)); err != nil {
		return fmt.Errorf("紐付け情報の削除に失敗しました: %w", err)
	}
	return nil
}

// CurrentBinding は現在の紐付け情報を返す。未紐付けの場合はnil。
func (c *ChildController) CurrentBinding(ctx context.Context, childEmail string) (*model.Binding, error) {
	b, err := c.bindings.Get(ctx, NormalizeEmail(childEmail))
	if err != nil {
		return nil, fmt.Errorf("紐付け情報の取得に失敗しました: %w", err)
	}
	return b, nil
}

// compile-time interface check
var _ RequestSource = (*Store)(nil)
