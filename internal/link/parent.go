package link

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/voicediary/internal/model"
	"github.com/hitoshi/voicediary/internal/repository"
)

// ResolutionRecorder は審査で状態が実際に変わったリクエストを記録する。
type ResolutionRecorder interface {
	RecordLinkRequestResolved(status string)
}

// ParentController は保護者側の紐付けリクエスト審査を提供する。
type ParentController struct {
	store    *Store
	children repository.LinkedChildRepository
	recorder ResolutionRecorder
	now      func() time.Time
}

// NewParentController はParentControllerを生成する。
func NewParentController(store *Store, children repository.LinkedChildRepository) *ParentController {
	return &ParentController{
		store:    store,
		children: children,
		now:      time.Now,
	}
}

// WithRecorder は承認・拒否で状態が変わった際の記録先を設定する。
func (c *ParentController) WithRecorder(r ResolutionRecorder) *ParentController {
	c.recorder = r
	return c
}

// RefreshPending は保護者宛ての審査待ちリクエストを返す。
func (c *ParentController) RefreshPending(ctx context.Context, parentEmail string) ([]model.LinkRequest, error) {
	if NormalizeEmail(parentEmail) == "" {
		return nil, model.NewValidationError("parent", "parent は必須です。")
	}
	pending := model.LinkStatusPending
	return c.store.ListByParent(ctx, parentEmail, &pending)
}

// Approve はリクエストを承認し、保護者の紐付け済み子女一覧に追加する。
// 同じ子女が既に一覧にある場合は追加しない。
func (c *ParentController) Approve(ctx context.Context, requestID string) (*model.LinkRequest, error) {
	req, err := c.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := c.resolve(ctx, requestID, model.LinkStatusAccepted); err != nil {
		return nil, err
	}
	req.Status = model.LinkStatusAccepted

	exists, err := c.children.ExistsForChild(ctx, req.ParentEmail, req.ChildEmail)
	if err != nil {
		return nil, fmt.Errorf("紐付け済み子女の確認に失敗しました: %w", err)
	}
	if !exists {
		child := model.LinkedChild{
			ChildEmail: req.ChildEmail,
			ChildName:  req.ChildName,
			LinkedAt:   c.now().Truncate(time.Millisecond),
		}
		if err := c.children.Append(ctx, req.ParentEmail, child); err != nil {
			return nil, fmt.Errorf("紐付け済み子女の追加に失敗しました: %w", err)
		}
	}
	return req, nil
}

// Reject はリクエストを拒否する。紐付け済み子女一覧は変更しない。
func (c *ParentController) Reject(ctx context.Context, requestID string) (*model.LinkRequest, error) {
	req, err := c.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := c.resolve(ctx, requestID, model.LinkStatusRejected); err != nil {
		return nil, err
	}
	req.Status = model.LinkStatusRejected
	return req, nil
}

// resolve は状態を更新し、pendingから終端状態に変わった場合のみ記録する。
func (c *ParentController) resolve(ctx context.Context, requestID string, status model.LinkStatus) error {
	changed, err := c.store.transition(ctx, requestID, status)
	if err != nil {
		return err
	}
	if changed && c.recorder != nil {
		c.recorder.RecordLinkRequestResolved(string(status))
	}
	return nil
}

// ListLinked は保護者の紐付け済み子女一覧を紐付け日時の新しい順に返す。
func (c *ParentController) ListLinked(ctx context.Context, parentEmail string) ([]model.LinkedChild, error) {
	if NormalizeEmail(parentEmail) == "" {
		return nil, model.NewValidationError("parent", "parent は必須です。")
	}
	list, err := c.children.ListByParent(ctx, NormalizeEmail(parentEmail))
	if err != nil {
		return nil, fmt.Errorf("紐付け済み子女一覧の取得に失敗しました: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LinkedAt.After(list[j].LinkedAt)
	})
	return list, nil
}

// Review はディープリンク（rid）で指定されたリクエストを返す。
// 保護者宛てで、かつ審査待ちのリクエストのみを対象とし、それ以外はNotFoundエラーを返す。
func (c *ParentController) Review(ctx context.Context, parentEmail, requestID string) (*model.LinkRequest, error) {
	if NormalizeEmail(parentEmail) == "" {
		return nil, model.NewValidationError("parent", "parent は必須です。")
	}
	if requestID == "" {
		return nil, model.NewValidationError("rid", "rid は必須です。")
	}
	req, err := c.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if NormalizeEmail(req.ParentEmail) != NormalizeEmail(parentEmail) || req.Status != model.LinkStatusPending {
		return nil, model.NewLinkRequestNotFoundError(requestID)
	}
	return req, nil
}
