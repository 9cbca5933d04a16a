// Package link は保護者・子女アカウント間の紐付けリクエストのワークフローを提供する。
// リクエストの状態を書き換えるのはStoreのみで、保護者側の紐付け済み子女一覧と
// 子女側の紐付け情報はそれぞれのコントローラーが独立して保持する。
package link

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/hitoshi/voicediary/internal/model"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail は前後の空白を除去し小文字化したEmailを返す。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail はEmailが空でなく、形式が正しいことを検証する。
// fieldはエラーの対象フィールド名として返される。
func ValidateEmail(field, email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return model.NewValidationError(field, field+" は必須です。")
	}
	if !emailPattern.MatchString(email) {
		return model.NewValidationError(field, field+" の形式が正しくありません。")
	}
	return nil
}

// ReviewURL は保護者がリクエストを確認するためのディープリンクを返す。
// リクエストIDはクエリパラメータ rid として付与する。
func ReviewURL(baseURL, requestID string) string {
	q := url.Values{}
	q.Set("rid", requestID)
	return strings.TrimRight(baseURL, "/") + "/link-child?" + q.Encode()
}
