// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/voicediary/internal/model"
)

// LinkRequestRepository は紐付けリクエストの永続化インターフェース。
// 状態（status）を書き換えるのはこのリポジトリ経由のみとする。
type LinkRequestRepository interface {
	// FindByID は指定IDの紐付けリクエストを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.LinkRequest, error)

	// ListByParent は保護者Emailが一致するリクエストを返す。
	// statusがnilでない場合はその状態のみに絞り込む。比較は大文字小文字を区別しない。
	ListByParent(ctx context.Context, parentEmail string, status *model.LinkStatus) ([]model.LinkRequest, error)

	// ListByChild は子女Emailが一致するリクエストを全状態分返す。
	ListByChild(ctx context.Context, childEmail string) ([]model.LinkRequest, error)

	// Create は紐付けリクエストを追加する。
	Create(ctx context.Context, req *model.LinkRequest) error

	// UpdateStatus は現在の状態がpendingまたはstatusと同じ場合に限り、指定IDの状態を書き込む。
	// 状態の確認と書き込みは1つの操作として行い、並行する別の終端状態への更新とは競合しない。
	// 対象が存在しない場合はFound=falseを返し、エラーにはしない。
	UpdateStatus(ctx context.Context, id string, status model.LinkStatus) (StatusChange, error)

	// DeleteResolvedBefore はbeforeより前に作成された accepted / rejected のリクエストを削除し、
	// 削除件数を返す。pendingのリクエストは削除しない。
	DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error)
}

// StatusChange はUpdateStatusの結果。
// Found=trueかつApplied=falseの場合、Previousの終端状態からの変更が拒否されたことを表す。
type StatusChange struct {
	Found    bool
	Applied  bool
	Previous model.LinkStatus
}

// Changed は状態が実際に変わったかを返す。同じ終端状態の再適用ではfalse。
func (c StatusChange) Changed(status model.LinkStatus) bool {
	return c.Applied && c.Previous != status
}

// LinkedChildRepository は保護者側の紐付け済み子女一覧の永続化インターフェース。
type LinkedChildRepository interface {
	// Append は保護者の紐付け済み子女一覧に1件追加する。
	Append(ctx context.Context, parentEmail string, child model.LinkedChild) error

	// ListByParent は保護者の紐付け済み子女一覧を返す。
	ListByParent(ctx context.Context, parentEmail string) ([]model.LinkedChild, error)

	// ExistsForChild は保護者の一覧に指定の子女Emailが既に含まれるかを返す。
	ExistsForChild(ctx context.Context, parentEmail, childEmail string) (bool, error)
}

// BindingRepository は子女側の紐付け情報（Binding）の永続化インターフェース。
// 子女ごとに高々1件を保持する。
type BindingRepository interface {
	// Get は子女の紐付け情報を返す。存在しない場合はnilを返す。
	Get(ctx context.Context, childEmail string) (*model.Binding, error)

	// Put は子女の紐付け情報を上書き保存する。
	Put(ctx context.Context, childEmail string, binding model.Binding) error

	// Delete は子女の紐付け情報を削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, childEmail string) error
}
