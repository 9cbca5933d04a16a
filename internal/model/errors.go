// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, link, network, system
	Action   string // ユーザー向け対処方法
	Field    string // バリデーションエラーの対象フィールド（該当時のみ）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation              = "VALIDATION_FAILED"
	ErrCodeLinkRequestNotFound     = "LINK_REQUEST_NOT_FOUND"
	ErrCodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	ErrCodeNetwork                 = "NETWORK_ERROR"
	ErrCodeTimeout                 = "TIMEOUT"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeInternal                = "INTERNAL_ERROR"
	ErrCodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
)

// ErrStorageCorrupted は端末ストレージの内容が解析できないことを表す。
// ストア内部でのみ使用し、空の状態として復旧するためユーザーには返さない。
var ErrStorageCorrupted = errors.New("stored data is corrupted")

// NewValidationError は入力値不正エラーを生成する。
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "入力内容を確認してください。",
		Field:    field,
	}
}

// NewLinkRequestNotFoundError は紐付けリクエスト未検出エラーを生成する。
func NewLinkRequestNotFoundError(requestID string) *APIError {
	return &APIError{
		Code:     ErrCodeLinkRequestNotFound,
		Message:  fmt.Sprintf("指定された紐付けリクエストが見つかりません: %s", requestID),
		Category: "link",
		Action:   "リクエストが取り消されていないか、一覧を更新して確認してください。",
	}
}

// NewInvalidStatusTransitionError は許可されない状態遷移のエラーを生成する。
func NewInvalidStatusTransitionError(from, to LinkStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatusTransition,
		Message:  fmt.Sprintf("紐付けリクエストの状態を %s から %s に変更できません。", from, to),
		Category: "link",
		Action:   "一覧を更新して最新の状態を確認してください。",
	}
}

// NewNetworkError は通信失敗エラーを生成する。
func NewNetworkError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeNetwork,
		Message:  fmt.Sprintf("サーバーとの通信に失敗しました: %s", reason),
		Category: "network",
		Action:   "通信環境を確認し、再試行してください。",
	}
}

// NewTimeoutError はタイムアウトエラーを生成する。
func NewTimeoutError() *APIError {
	return &APIError{
		Code:     ErrCodeTimeout,
		Message:  "サーバーからの応答がタイムアウトしました。",
		Category: "network",
		Action:   "しばらく待ってから再試行してください。",
	}
}

// NewUnauthorizedError は認証トークン不正エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証トークンが無効です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再試行してください。",
	}
}

func hasCode(err error, codes ...string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.Code == c {
			return true
		}
	}
	return false
}

// IsValidation はバリデーションエラーかどうかを返す。
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// IsNotFound は紐付けリクエスト未検出エラーかどうかを返す。
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeLinkRequestNotFound)
}

// IsRetryable は手動再試行の対象となる一時的な通信エラーかどうかを返す。
func IsRetryable(err error) bool {
	return hasCode(err, ErrCodeNetwork, ErrCodeTimeout)
}
