package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/resilience"
)

const reportHTML = `<html>
<head><title>Acme Corp 2025 Annual Report</title><style>p{color:red}</style></head>
<body>
<nav><a href="/">Home</a> | <a href="/ir">Investors</a></nav>
<main>
<h1>Letter to shareholders</h1>
<p>Revenue reached <strong>$1.2B</strong>, up 12%.</p>
<script>track()</script>
<p>See <a href="/ir/10k.pdf">the 10-K</a>.</p>
</main>
<footer>Copyright Acme</footer>
</body></html>`

func TestExtract_HTML(t *testing.T) {
	t.Parallel()
	txt, err := Extract(&Document{
		URL:         "https://acme.com/ir/annual-report",
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(reportHTML),
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, "Acme Corp 2025 Annual Report", txt.Title)
	assert.Contains(t, txt.Markdown, "# Letter to shareholders")
	assert.Contains(t, txt.Markdown, "**$1.2B**")
	assert.Contains(t, txt.Markdown, "https://acme.com/ir/10k.pdf")
	assert.NotContains(t, txt.Markdown, "track()")
	assert.NotContains(t, txt.Markdown, "Investors")
	assert.NotContains(t, txt.Markdown, "Copyright")
	assert.Positive(t, txt.Words)
}

func TestExtract_PlainTextTruncated(t *testing.T) {
	t.Parallel()
	txt, err := Extract(&Document{ContentType: "text/plain", Body: []byte("  héllo wörld report  ")}, 8)
	require.NoError(t, err)
	assert.Equal(t, "héllo wö", txt.Markdown)
	assert.Equal(t, 2, txt.Words)
}

func TestExtract_PDFUnsupported(t *testing.T) {
	t.Parallel()
	_, err := Extract(&Document{URL: "https://acme.com/10k.pdf", ContentType: "application/pdf", Body: []byte("%PDF-1.7")}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedContent))
}

func TestExtract_EmptyBody(t *testing.T) {
	t.Parallel()
	txt, err := Extract(&Document{ContentType: "text/html", Body: []byte("<html><body><script>x()</script></body></html>")}, 0)
	require.NoError(t, err)
	assert.Empty(t, txt.Markdown)
	assert.Zero(t, txt.Words)
}

func TestExtract_ResolvesRelativeLinks(t *testing.T) {
	t.Parallel()
	body := `<html><body><article>
<p><a href="../press/q3.html">Q3 release</a></p>
<p><a href="//cdn.acme.com/deck.pdf">deck</a></p>
<p><a href="mailto:ir@acme.com">email</a></p>
<p><img src="img/chart.png" alt="chart"></p>
</article></body></html>`
	txt, err := Extract(&Document{URL: "https://acme.com/ir/annual/index.html", ContentType: "text/html", Body: []byte(body)}, 0)
	require.NoError(t, err)

	assert.Contains(t, txt.Markdown, "(https://acme.com/ir/press/q3.html)")
	assert.Contains(t, txt.Markdown, "(https://cdn.acme.com/deck.pdf)")
	assert.Contains(t, txt.Markdown, "(mailto:ir@acme.com)")
	assert.Contains(t, txt.Markdown, "(https://acme.com/ir/annual/img/chart.png)")
	assert.NotContains(t, txt.Markdown, "http://https")
}

func TestExtract_RelativeLinksWithoutPageURL(t *testing.T) {
	t.Parallel()
	body := `<html><body><main><p><a href="/ir/10k.pdf">10-K</a></p></main></body></html>`
	txt, err := Extract(&Document{ContentType: "text/html", Body: []byte(body)}, 0)
	require.NoError(t, err)
	assert.Contains(t, txt.Markdown, "(/ir/10k.pdf)")
}

func TestRouter_Fetch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("report")) //nolint:errcheck
	}))
	defer srv.Close()

	r := NewRouter(HTTPOptions{RatePerHost: 1000}, FTPOptions{})
	doc, err := r.Fetch(context.Background(), " "+srv.URL+"/r.txt ")
	require.NoError(t, err)
	assert.Equal(t, "report", string(doc.Body))

	for _, bad := range []string{"", "not a url", "mailto:ir@acme.com", "file:///etc/passwd"} {
		_, err := r.Fetch(context.Background(), bad)
		require.Error(t, err, bad)
		assert.True(t, resilience.IsValidation(err), bad)
	}
}
