package fetcher

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

// ErrUnsupportedContent marks documents the extractor cannot read
// locally, such as PDFs. Callers fall back to a remote reader.
var ErrUnsupportedContent = eris.New("fetcher: unsupported content type")

// Text is the readable content of a document.
type Text struct {
	Title    string `json:"title,omitempty"`
	Markdown string `json:"markdown"`
	Words    int    `json:"words"`
}

// noise is removed before conversion.
const noise = "script, style, noscript, iframe, svg, form, nav, header, footer, aside"

// mainSelectors are tried in order to find the primary content region.
var mainSelectors = []string{"main", "article", "[role=main]", "#content", "body"}

var blankLines = regexp.MustCompile(`\n{3,}`)

// Extract returns the readable text of doc, truncated to maxChars runes
// when maxChars > 0. HTML is converted to markdown; plain text formats pass
// through. Other types return ErrUnsupportedContent.
func Extract(doc *Document, maxChars int) (*Text, error) {
	ct := strings.ToLower(doc.ContentType)
	var (
		t   *Text
		err error
	)
	switch {
	case strings.Contains(ct, "html") || strings.Contains(ct, "xml") && looksHTML(doc.Body):
		t, err = extractHTML(doc)
	case strings.HasPrefix(ct, "text/"), strings.Contains(ct, "json"), strings.Contains(ct, "markdown"):
		if !utf8.Valid(doc.Body) {
			return nil, eris.Wrapf(ErrUnsupportedContent, "invalid utf-8 in %s", doc.URL)
		}
		t = &Text{Markdown: strings.TrimSpace(string(doc.Body))}
	default:
		return nil, eris.Wrapf(ErrUnsupportedContent, "%s (%s)", doc.URL, doc.ContentType)
	}
	if err != nil {
		return nil, err
	}

	t.Markdown = Truncate(t.Markdown, maxChars)
	t.Words = len(strings.Fields(t.Markdown))
	return t, nil
}

func looksHTML(body []byte) bool {
	head := bytes.ToLower(body[:min(len(body), 512)])
	return bytes.Contains(head, []byte("<html")) || bytes.Contains(head, []byte("<body"))
}

func extractHTML(doc *Document) (*Text, error) {
	q, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse html")
	}

	title := strings.TrimSpace(q.Find("title").First().Text())
	if title == "" {
		if og, ok := q.Find("meta[property='og:title']").Attr("content"); ok {
			title = strings.TrimSpace(og)
		}
	}

	q.Find(noise).Remove()

	var region *goquery.Selection
	for _, sel := range mainSelectors {
		if s := q.Find(sel).First(); s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			region = s
			break
		}
	}
	if region == nil {
		return &Text{Title: title}, nil
	}

	resolveLinks(region, doc.URL)
	html, err := goquery.OuterHtml(region)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: render html")
	}
	markdown, err := md.NewConverter("", true, nil).ConvertString(html)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: convert to markdown")
	}
	markdown = blankLines.ReplaceAllString(strings.TrimSpace(markdown), "\n\n")
	return &Text{Title: title, Markdown: markdown}, nil
}

// resolveLinks rewrites relative href and src attributes under sel to
// absolute URLs against page. Unparseable values are left alone.
func resolveLinks(sel *goquery.Selection, page string) {
	base, err := url.Parse(page)
	if err != nil || !base.IsAbs() {
		return
	}
	for _, attr := range []string{"href", "src"} {
		sel.Find("[" + attr + "]").Each(func(_ int, el *goquery.Selection) {
			v, _ := el.Attr(attr)
			ref, err := url.Parse(strings.TrimSpace(v))
			if err != nil || ref.IsAbs() || strings.HasPrefix(v, "#") {
				return
			}
			el.SetAttr(attr, base.ResolveReference(ref).String())
		})
	}
}

// Truncate cuts s to at most n runes. n <= 0 disables truncation.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
