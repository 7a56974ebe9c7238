// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプロフィールの自由入力テキストからHTMLを除去するインターフェース。
// 表示名・学校名は他のユーザーにも表示されうるため、保存前に適用する。
type TextSanitizer interface {
	// SanitizeText はHTMLタグを全て除去し、前後の空白を取り除いたプレーンテキストを返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(raw string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyは並行利用可能。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はHTMLを除去したプレーンテキストを返す。
// StrictPolicyがエスケープした実体参照は元の文字に戻す。
func (s *textSanitizer) SanitizeText(raw string) string {
	stripped := s.policy.Sanitize(raw)
	return strings.TrimSpace(html.UnescapeString(stripped))
}
