package research

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mmcdole/gofeed"
)

// FeedItem is one entry of an RSS or Atom feed.
type FeedItem struct {
	Title string
	Link  string
}

// FeedReader lists the entries of a feed.
type FeedReader interface {
	Items(ctx context.Context, feedURL string, limit int) ([]FeedItem, error)
}

// GoFeedReader reads RSS, Atom and JSON feeds with gofeed.
type GoFeedReader struct {
	parser *gofeed.Parser
}

// NewGoFeedReader creates a reader that downloads feeds with client.
func NewGoFeedReader(client *http.Client, userAgent string) *GoFeedReader {
	p := gofeed.NewParser()
	if client != nil {
		p.Client = client
	}
	if userAgent != "" {
		p.UserAgent = userAgent
	}
	return &GoFeedReader{parser: p}
}

// Items returns the first limit entries of feedURL in feed order.
func (r *GoFeedReader) Items(ctx context.Context, feedURL string, limit int) ([]FeedItem, error) {
	feed, err := r.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed %s: %w", feedURL, err)
	}
	var items []FeedItem
	for _, it := range feed.Items {
		if limit > 0 && len(items) >= limit {
			break
		}
		if it == nil {
			continue
		}
		items = append(items, FeedItem{Title: it.Title, Link: it.Link})
	}
	return items, nil
}
