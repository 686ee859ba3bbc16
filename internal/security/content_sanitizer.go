package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はAPIから受け取ったテキストを無害化するインターフェース。
// サーバーのエラーメッセージ、プロフィール、求人情報をブリッジ応答に載せる前に使う。
type ContentSanitizerService interface {
	// SanitizeText は全てのHTMLタグを除去したプレーンテキストを返す。
	// エンティティは復元されるため、出力はHTMLではなくテキストとして描画する前提。
	SanitizeText(raw string) string

	// SanitizeRichText は求人説明など書式付きテキスト用の限定HTMLを返す。
	// 許可タグ: p, br, ul, ol, li, strong, em, a（httpsのみ）
	SanitizeRichText(raw string) string

	// SanitizeImageURL はプロフィール画像URLを検証し、https以外は空文字列を返す。
	SanitizeImageURL(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなので共有して使う。
type contentSanitizer struct {
	strict *bluemonday.Policy
	rich   *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	rich := bluemonday.NewPolicy()
	rich.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")
	rich.AllowAttrs("href").OnElements("a")
	rich.AllowRelativeURLs(false)
	rich.AllowURLSchemes("https")
	rich.AddTargetBlankToFullyQualifiedLinks(true)
	rich.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		strict: bluemonday.StrictPolicy(),
		rich:   rich,
	}
}

// SanitizeText は全てのHTMLタグを除去したプレーンテキストを返す。
func (s *contentSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(raw)))
}

// SanitizeRichText は限定HTMLを返す。
func (s *contentSanitizer) SanitizeRichText(raw string) string {
	if raw == "" {
		return ""
	}
	return s.rich.Sanitize(raw)
}

// SanitizeImageURL はhttpsの絶対URLのみを通す。
func (s *contentSanitizer) SanitizeImageURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
		return ""
	}
	return u.String()
}
