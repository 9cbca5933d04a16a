package handler

import (
	"context"

	"github.com/hitoshi/voicediary/internal/link"
	"github.com/hitoshi/voicediary/internal/model"
)

// LinkRequestServiceAdapter は link.Store と link.ChildController を
// LinkRequestServiceInterface に適合させるアダプタ。
type LinkRequestServiceAdapter struct {
	store *link.Store
	child *link.ChildController
}

// NewLinkRequestServiceAdapter はLinkRequestServiceAdapterを生成する。
// サーバー側では紐付け情報（Binding）を扱わないため、送信処理のみChildControllerに委譲する。
func NewLinkRequestServiceAdapter(store *link.Store) *LinkRequestServiceAdapter {
	return &LinkRequestServiceAdapter{
		store: store,
		child: link.NewChildController(store, nil),
	}
}

// Submit は入力を検証して紐付けリクエストを作成する。
func (a *LinkRequestServiceAdapter) Submit(ctx context.Context, in model.NewLinkRequest) (*model.LinkRequest, error) {
	return a.child.Submit(ctx, in)
}

// Get は指定IDの紐付けリクエストを返す。
func (a *LinkRequestServiceAdapter) Get(ctx context.Context, id string) (*model.LinkRequest, error) {
	return a.store.Get(ctx, id)
}

// ListByParent は保護者宛てのリクエストを返す。
func (a *LinkRequestServiceAdapter) ListByParent(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error) {
	return a.store.ListByParent(ctx, parentEmail, status)
}

// ListByChild は子女が送信したリクエストを返す。
func (a *LinkRequestServiceAdapter) ListByChild(ctx context.Context, childEmail string) ([]model.LinkRequest, error) {
	return a.child.RefreshMine(ctx, childEmail)
}

// compile-time interface check
var (
	_ LinkRequestServiceInterface = (*LinkRequestServiceAdapter)(nil)
	_ ParentServiceInterface      = (*link.ParentController)(nil)
)
