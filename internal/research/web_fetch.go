package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"
)

// Fetcher downloads a page and reduces it to plain text lines.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxChars  int
}

// NewFetcher creates a fetcher. maxChars <= 0 disables truncation.
func NewFetcher(client *http.Client, userAgent string, maxChars int) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, userAgent: userAgent, maxChars: maxChars}
}

// Fetch returns the visible text of rawURL: one trimmed, non-empty line per
// text run, script/style/noscript dropped, truncated to maxChars characters.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var text string
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/plain") || strings.Contains(ct, "text/markdown") {
		text = joinLines(strings.Split(string(body), "\n"))
	} else {
		text, err = HTMLToText(string(body))
		if err != nil {
			return "", fmt.Errorf("failed to extract text: %w", err)
		}
	}
	return truncateRunes(text, f.maxChars), nil
}

// HTMLToText extracts visible text from an HTML document.
func HTMLToText(htmlContent string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}
	var lines []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			lines = append(lines, strings.Split(n.Data, "\n")...)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return joinLines(lines), nil
}

func joinLines(lines []string) string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
