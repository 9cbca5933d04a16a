// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は紐付けリクエストの自由記述欄（子女の表示名、メモ）から
// HTMLマークアップを除去し、プレーンテキストとして保存できる形にする。
// bluemondayのStrictPolicyで全てのタグを除去する。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は自由記述テキストのサニタイズ機能のインターフェースを定義する。
type TextSanitizerService interface {
	// Sanitize は全てのHTMLタグを除去し、前後の空白を取り除いたテキストを返す。
	// maxRunesが0より大きい場合はその文字数で切り詰める。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string, maxRunes int) string
}

// textSanitizer はTextSanitizerServiceの実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize は全てのHTMLタグを除去したプレーンテキストを返す。
// StrictPolicyがエスケープした文字実体参照は元の文字に戻す。
func (s *textSanitizer) Sanitize(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.TrimSpace(text)
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		text = strings.TrimSpace(string([]rune(text)[:maxRunes]))
	}
	return text
}
