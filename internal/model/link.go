// Package model はドメインモデルを定義する。
package model

import "time"

// LinkStatus は紐付けリクエストの状態を表す。
type LinkStatus string

const (
	// LinkStatusPending は保護者の審査待ち状態。初期状態。
	LinkStatusPending LinkStatus = "pending"
	// LinkStatusAccepted は保護者が同意した状態。終端状態。
	LinkStatusAccepted LinkStatus = "accepted"
	// LinkStatusRejected は保護者が拒否した状態。終端状態。
	LinkStatusRejected LinkStatus = "rejected"
)

// Valid は定義済みの状態かどうかを返す。
func (s LinkStatus) Valid() bool {
	switch s {
	case LinkStatusPending, LinkStatusAccepted, LinkStatusRejected:
		return true
	}
	return false
}

// Terminal は終端状態（accepted / rejected）かどうかを返す。
func (s LinkStatus) Terminal() bool {
	return s == LinkStatusAccepted || s == LinkStatusRejected
}

// ParseLinkStatus は文字列をLinkStatusに変換する。
// 未定義の値の場合はバリデーションエラーを返す。
func ParseLinkStatus(v string) (LinkStatus, error) {
	s := LinkStatus(v)
	if !s.Valid() {
		return "", NewValidationError("status", "status には pending、accepted、rejected のいずれかを指定してください。")
	}
	return s, nil
}

// LinkRequest は子女アカウントから保護者アカウントへの紐付けリクエストを表す。
// ParentEmail / ChildEmail は正規化済み（trim + 小文字化）。
type LinkRequest struct {
	ID          string
	ParentEmail string
	ChildEmail  string
	ChildName   string
	Note        string
	CreatedAt   time.Time
	Status      LinkStatus
}

// LinkedChild は保護者側で承認済みの子女アカウントを表す。
type LinkedChild struct {
	ChildEmail string
	ChildName  string
	LinkedAt   time.Time
}

// Binding は子女側の端末に保持される紐付け先保護者の情報。
// 同期（sync）操作でのみ作成・上書きされ、解除（unbind）で削除される。
type Binding struct {
	ParentName  string
	ParentEmail string
}

// DefaultBindingParentName は保護者の表示名が不明な場合のプレースホルダー。
const DefaultBindingParentName = "已綁定家長"

// DefaultChildName は子女の表示名が未指定の場合のプレースホルダー。
const DefaultChildName = "子女"

// NewLinkRequest は作成前の紐付けリクエスト入力を表す。
type NewLinkRequest struct {
	ParentEmail string
	ChildEmail  string
	ChildName   string
	Note        string
}
