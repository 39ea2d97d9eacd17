package presenter

import (
	"html"
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// newPostPolicy はTelegramのHTMLパースモードが受け付けるタグだけを通すポリシーを構築する。
// aタグのhrefはhttp・https・tgスキームのみ許可し、それ以外のリンクはテキストだけ残す。
func newPostPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"b", "strong", "i", "em", "u", "ins",
		"s", "strike", "del", "code", "pre", "blockquote",
	)

	p.AllowAttrs("href").OnElements("a")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("http", "https")
	p.AllowURLSchemeWithCustomPolicy("tg", func(u *url.URL) bool {
		return u.Host != ""
	})

	return p
}

// sanitizer は運営者が入力したテキストを表示用に整える。
// bluemondayのポリシーは並行利用できる。
type sanitizer struct {
	post   *bluemonday.Policy
	strict *bluemonday.Policy
}

func newSanitizer() *sanitizer {
	return &sanitizer{
		post:   newPostPolicy(),
		strict: bluemonday.StrictPolicy(),
	}
}

// Post は書式タグを残してサニタイズする。
func (s *sanitizer) Post(raw string) string {
	return s.post.Sanitize(raw)
}

// Plain は全てのタグを除去した素のテキストを返す。戻り値はエスケープされていない。
func (s *sanitizer) Plain(raw string) string {
	return html.UnescapeString(s.strict.Sanitize(raw))
}
