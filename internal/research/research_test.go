package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ddgPage = `<html><body>
<div class="result results_links results_links_deep web-result">
  <div class="result__body">
    <h2 class="result__title"><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgit-scm.com%2Fdocs%2Fgit-status&amp;rut=abc">git status <b>docs</b></a></h2>
    <a class="result__snippet" href="#">Show the working tree status</a>
  </div>
</div>
<div class="result results_links web-result">
  <a class="result__a" href="https://example.com/direct">Direct link</a>
</div>
<div class="result results_links web-result">
  <a class="result__a" href="https://example.com/third">Third</a>
</div>
</body></html>`

func TestDuckDuckGoSearch(t *testing.T) {
	var gotQuery, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotUA = r.Header.Get("User-Agent")
		io.WriteString(w, ddgPage)
	}))
	defer srv.Close()

	s := NewDuckDuckGo(srv.Client(), srv.URL+"/html/", "SIA-Test")
	results, err := s.Search(context.Background(), "git status", 2)
	require.NoError(t, err)

	assert.Equal(t, "git status", gotQuery)
	assert.Equal(t, "SIA-Test", gotUA)
	require.Len(t, results, 2)
	assert.Equal(t, "https://git-scm.com/docs/git-status", results[0].URL)
	assert.Equal(t, "git status docs", results[0].Title)
	assert.Equal(t, "Show the working tree status", results[0].Snippet)
	assert.Equal(t, "https://example.com/direct", results[1].URL)
}

func TestDuckDuckGoSearchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewDuckDuckGo(srv.Client(), srv.URL, "").Search(context.Background(), "q", 3)
	require.Error(t, err)
}

func TestFetcherExtractsVisibleText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Guide</title><style>body{color:red}</style></head>
<body><script>alert(1)</script><noscript>enable js</noscript>
<h1>  Lister les fichiers </h1>
<p>Utilise ls -la

   dans le terminal.</p></body></html>`)
	}))
	defer srv.Close()

	text, err := NewFetcher(srv.Client(), "ua", 0).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Guide\nLister les fichiers\nUtilise ls -la\ndans le terminal.", text)
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "enable js")
}

func TestFetcherTruncatesByCharacter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("é", 50))
	}))
	defer srv.Close()

	text, err := NewFetcher(srv.Client(), "", 10).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", 10), text)
}

func TestFetcherRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), "", 0).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestGoFeedReader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>News</title>
<item><title>One</title><link>https://example.com/1</link></item>
<item><title>Two</title><link>https://example.com/2</link></item>
<item><title>Three</title><link>https://example.com/3</link></item>
</channel></rss>`)
	}))
	defer srv.Close()

	items, err := NewGoFeedReader(srv.Client(), "ua").Items(context.Background(), srv.URL, 2)
	require.NoError(t, err)
	assert.Equal(t, []FeedItem{
		{Title: "One", Link: "https://example.com/1"},
		{Title: "Two", Link: "https://example.com/2"},
	}, items)
}
