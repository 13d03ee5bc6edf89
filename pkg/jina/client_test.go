package jina

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/resilience"
)

func newTestClient(opts ...Option) Client {
	return NewClient("test-key", append([]Option{WithRateLimit(0)}, opts...)...)
}

func TestRead_Success(t *testing.T) {
	t.Parallel()

	want := ReadResponse{
		Code: 200,
		Data: ReadData{
			Title:   "Acme Corp 2025 Annual Report",
			URL:     "https://acme.com/ar2025.pdf",
			Content: "# Annual Report\n\nRevenue grew 12%.",
			Usage:   Usage{Tokens: 2150},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "markdown", r.Header.Get("X-Return-Format"))
		assert.Equal(t, "/https://acme.com/ar2025.pdf", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(want) //nolint:errcheck
	}))
	defer srv.Close()

	got, err := newTestClient(WithBaseURL(srv.URL)).Read(context.Background(), "https://acme.com/ar2025.pdf")
	require.NoError(t, err)
	assert.Equal(t, want.Data.Content, got.Data.Content)
	assert.Equal(t, 2150, got.Data.Usage.Tokens)
}

func TestRead_Non2xxIsTransientAndNotRetriedHere(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit exceeded"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestClient(WithBaseURL(srv.URL)).Read(context.Background(), "https://acme.com")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRead_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{not json`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestClient(WithBaseURL(srv.URL)).Read(context.Background(), "https://acme.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
	assert.False(t, resilience.IsTransient(err))
}

func TestRead_EmptyURLIsValidation(t *testing.T) {
	t.Parallel()
	_, err := newTestClient().Read(context.Background(), "")
	assert.True(t, resilience.IsValidation(err))
}

func TestRead_ContextCancellation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`)) //nolint:errcheck
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(WithBaseURL(srv.URL)).Read(ctx, "https://acme.com")
	require.Error(t, err)
}

func TestSearch_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Acme annual report filetype:pdf", r.URL.Path)
		assert.Equal(t, "acme.com", r.URL.Query().Get("site"))
		w.Write([]byte(`{"code":200,"data":[
			{"title":"Annual Report 2025","url":"https://acme.com/ar.pdf","description":"Acme annual report","usage":{"tokens":40}},
			{"title":"Investors","url":"https://acme.com/ir","content":"Investor relations page","usage":{"tokens":60}}
		]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	resp, err := newTestClient(WithSearchBaseURL(srv.URL)).Search(context.Background(), "Acme annual report",
		WithSiteFilter("acme.com"), WithFileType("pdf"))
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "https://acme.com/ar.pdf", resp.Data[0].URL)
	assert.Equal(t, "Acme annual report", resp.Data[0].Snippet())
	assert.Equal(t, "Investor relations page", resp.Data[1].Snippet())
	assert.Equal(t, 100, resp.Tokens())
}

func TestSnippet_TruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	r := SearchResult{Content: "  " + strings.Repeat("日本", 200) + "  "}
	s := r.Snippet()
	assert.True(t, utf8.ValidString(s))
	assert.Equal(t, 300, utf8.RuneCountInString(s))
	assert.Equal(t, "Short content", SearchResult{Content: "Short content"}.Snippet())
}

func TestSearch_422IsEmpty(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	resp, err := newTestClient(WithSearchBaseURL(srv.URL)).Search(context.Background(), "nothing here")
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
}

func TestSearch_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(WithSearchBaseURL(srv.URL)).Search(context.Background(), "acme")
	require.Error(t, err)
	var te *resilience.TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
}

func TestSearch_EmptyQueryIsValidation(t *testing.T) {
	t.Parallel()
	_, err := newTestClient().Search(context.Background(), "  ")
	assert.True(t, resilience.IsValidation(err))
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()
	c := NewClient("k").(*httpClient)
	assert.Equal(t, "https://r.jina.ai", c.baseURL)
	assert.Equal(t, "https://s.jina.ai", c.searchBaseURL)
	assert.NotNil(t, c.limiter)

	hc := &http.Client{}
	c = NewClient("k", WithHTTPClient(hc)).(*httpClient)
	assert.Same(t, hc, c.http)
}
