// Package ingest pulls external content into the retrieval index under the
// safety policy: web search results, feed entries and on-demand learning.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"sia/internal/config"
	"sia/internal/logging"
	"sia/internal/research"
	"sia/internal/retrieval"
	"sia/internal/safety"
)

// Document kinds stored in retrieval.Meta.Kind.
const (
	KindSearch = "search"
	KindRSS    = "rss"
	KindLearn  = "learn"

	summarySuffix = "_summary"
	rawSuffix     = "_raw"
)

// Fetcher downloads the text of a page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// Summary counts what one ingestion call stored.
type Summary struct {
	LearnedChunks int `json:"learned_chunks"`
	UniqueSources int `json:"unique_sources"`
}

// LearnResult is the outcome of an on-demand Learn call.
type LearnResult struct {
	Learned []string `json:"learned"`
	Count   int      `json:"count"`
}

// Options are the per-call ingestion settings.
type Options struct {
	Security      config.SecurityConfig
	Burst         bool
	ChunkWords    int
	MaxInputChars int
	StoreRaw      bool
}

// OptionsFromConfig extracts ingestion options from the config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Security:      cfg.RAG.Security,
		Burst:         cfg.Scheduler.Burst,
		ChunkWords:    cfg.RAG.ChunkWords,
		MaxInputChars: cfg.RAG.Summarize.MaxInputChars,
		StoreRaw:      cfg.RAG.Summarize.StoreRaw,
	}
}

// Ingestor stores policy-checked external content in a retrieval index.
type Ingestor struct {
	index      *retrieval.Index
	filter     *safety.Filter
	robots     *safety.Robots
	redactor   *safety.Redactor
	fetcher    Fetcher
	searcher   research.Searcher
	feeds      research.FeedReader
	summarizer Summarizer
	opts       Options
}

// Deps are the collaborators of an Ingestor. Summarizer may be nil.
type Deps struct {
	Index      *retrieval.Index
	Filter     *safety.Filter
	Robots     *safety.Robots
	Fetcher    Fetcher
	Searcher   research.Searcher
	Feeds      research.FeedReader
	Summarizer Summarizer
}

// New creates an Ingestor.
func New(deps Deps, opts Options) *Ingestor {
	if opts.ChunkWords <= 0 {
		opts.ChunkWords = 800
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = 8000
	}
	if opts.Security.UserAgent == "" {
		opts.Security.UserAgent = "SIA-Ingest/1.0"
	}
	return &Ingestor{
		index:      deps.Index,
		filter:     deps.Filter,
		robots:     deps.Robots,
		redactor:   safety.NewRedactor(opts.Security.RedactPatterns),
		fetcher:    deps.Fetcher,
		searcher:   deps.Searcher,
		feeds:      deps.Feeds,
		summarizer: deps.Summarizer,
		opts:       opts,
	}
}

// NewHTTPClient returns a client whose connections and redirects are
// checked against filter.
func NewHTTPClient(filter *safety.Filter, sec config.SecurityConfig) *http.Client {
	return &http.Client{
		Timeout: sec.FetchTimeout(),
		Transport: &http.Transport{
			Proxy:               nil,
			DialContext:         filter.DialContext,
			MaxIdleConnsPerHost: 2,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			if ok, reason := filter.IsAllowed(req.Context(), req.URL.String()); !ok {
				return fmt.Errorf("redirect refused: %s", reason)
			}
			return nil
		},
	}
}

// FromConfig wires an Ingestor with the production transport: a policy
// dialer, DuckDuckGo search, gofeed and the configured summarizer. A non-nil
// robots keeps its cache across calls and fetches through this transport.
func FromConfig(cfg *config.Config, index *retrieval.Index, robots *safety.Robots) *Ingestor {
	sec := cfg.RAG.Security
	filter := safety.NewFilter(safety.PolicyFromConfig(sec), nil)
	client := NewHTTPClient(filter, sec)
	if robots == nil {
		robots = safety.NewRobots(client)
	} else {
		robots = robots.WithClient(client)
	}
	return New(Deps{
		Index:      index,
		Filter:     filter,
		Robots:     robots,
		Fetcher:    research.NewFetcher(client, sec.UserAgent, sec.MaxCharsPerPage),
		Searcher:   research.NewDuckDuckGo(client, "", ""),
		Feeds:      research.NewGoFeedReader(client, sec.UserAgent),
		Summarizer: SummarizerFromConfig(cfg),
	}, OptionsFromConfig(cfg))
}

// session holds the counters and rate clock of one ingestion call.
type session struct {
	limiter      *safety.RateLimiter
	domainCounts map[string]int
	sources      map[string]struct{}
	learned      int
}

func (in *Ingestor) newSession() *session {
	sec := in.opts.Security
	return &session{
		limiter:      safety.NewRateLimiter(sec.RequestsPerMinute(in.opts.Burst), sec.MaxRateWait()),
		domainCounts: make(map[string]int),
		sources:      make(map[string]struct{}),
	}
}

func (s *session) summary() Summary {
	return Summary{LearnedChunks: s.learned, UniqueSources: len(s.sources)}
}

// IngestFromSearch searches each query and stores the pages it finds.
func (in *Ingestor) IngestFromSearch(ctx context.Context, queries []string, maxResultsPerQuery int) (Summary, error) {
	sess := in.newSession()
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return sess.summary(), err
		}
		results, err := in.searcher.Search(ctx, q, maxResultsPerQuery)
		if err != nil {
			logging.IngestWarn("search %q failed: %v", q, err)
			continue
		}
		for _, r := range results {
			if r.URL == "" {
				continue
			}
			text, err := in.fetchGated(ctx, sess, r.URL)
			if err != nil {
				return sess.summary(), err
			}
			if text == "" {
				continue
			}
			in.store(ctx, sess, text, r.URL, retrieval.Meta{Source: r.URL, Title: r.Title, Query: q}, KindSearch)
		}
	}
	logging.Ingest("search ingestion: %d chunks from %d sources", sess.learned, len(sess.sources))
	return sess.summary(), nil
}

// IngestFromFeeds stores up to limitPerFeed entries of each feed.
func (in *Ingestor) IngestFromFeeds(ctx context.Context, feedURLs []string, limitPerFeed int) (Summary, error) {
	sess := in.newSession()
	for _, feed := range feedURLs {
		if err := ctx.Err(); err != nil {
			return sess.summary(), err
		}
		if ok, reason := in.filter.IsAllowed(ctx, feed); !ok {
			logging.AuditPolicy(logging.AuditPolicyReject, feed, reason)
			continue
		}
		items, err := in.feeds.Items(ctx, feed, limitPerFeed)
		if err != nil {
			logging.IngestWarn("feed %s failed: %v", feed, err)
			continue
		}
		for _, it := range items {
			if it.Link == "" {
				continue
			}
			text, err := in.fetchGated(ctx, sess, it.Link)
			if err != nil {
				return sess.summary(), err
			}
			if text == "" {
				continue
			}
			in.store(ctx, sess, text, it.Link, retrieval.Meta{Source: it.Link, Title: it.Title, Feed: feed}, KindRSS)
		}
	}
	logging.Ingest("feed ingestion: %d chunks from %d sources", sess.learned, len(sess.sources))
	return sess.summary(), nil
}

// Learn searches query and stores each fetched page whole. It reports the
// URLs that were fetched.
func (in *Ingestor) Learn(ctx context.Context, query string, results int) (LearnResult, error) {
	res := LearnResult{Learned: []string{}}
	found, err := in.searcher.Search(ctx, query, results)
	if err != nil {
		return res, fmt.Errorf("search failed: %w", err)
	}
	sess := in.newSession()
	for _, r := range found {
		if r.URL == "" {
			continue
		}
		text, err := in.fetchGated(ctx, sess, r.URL)
		if err != nil {
			return res, err
		}
		if text == "" {
			continue
		}
		if _, err := in.index.Upsert(text, retrieval.Meta{Source: r.URL, Title: r.Title, Kind: KindLearn, Query: query}); err != nil {
			logging.IngestWarn("store %s failed: %v", r.URL, err)
			continue
		}
		res.Learned = append(res.Learned, r.URL)
	}
	res.Count = len(res.Learned)
	return res, nil
}

// fetchGated runs the per-URL gate: page cap, URL policy, rate limit,
// robots.txt, fetch, redaction. It returns "" for any skipped URL. The error
// is non-nil only when ctx is done.
func (in *Ingestor) fetchGated(ctx context.Context, sess *session, rawURL string) (string, error) {
	sec := in.opts.Security
	domain := safety.Domain(rawURL)

	if sec.MaxPagesPerDomain > 0 && sess.domainCounts[domain] >= sec.MaxPagesPerDomain {
		logging.IngestDebug("skip %s: page cap reached for %s", rawURL, domain)
		return "", nil
	}
	if ok, reason := in.filter.IsAllowed(ctx, rawURL); !ok {
		logging.AuditPolicy(logging.AuditPolicyReject, rawURL, reason)
		return "", nil
	}
	if err := sess.limiter.Wait(ctx, domain); err != nil {
		if errors.Is(err, safety.ErrRateLimited) {
			logging.IngestDebug("skip %s: rate_limited", rawURL)
			return "", nil
		}
		return "", err
	}
	if sec.RespectRobots && in.robots != nil && !in.robots.Allowed(ctx, rawURL, sec.UserAgent) {
		logging.IngestDebug("skip %s: robots_disallow", rawURL)
		return "", nil
	}

	sess.limiter.MarkFetch(domain)
	text, err := in.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logging.IngestWarn("fetch_error:%s: %v", rawURL, err)
		return "", nil
	}
	if text == "" {
		return "", nil
	}
	sess.domainCounts[domain]++
	return in.redactor.Redact(text), nil
}

// store writes text as a summary (plus optional raw chunks) or as plain
// chunks. Summary and plain chunk inserts count the source; raw chunks
// stored next to a summary count only as chunks.
func (in *Ingestor) store(ctx context.Context, sess *session, text, source string, meta retrieval.Meta, kind string) {
	if in.summarizer != nil {
		summary, err := in.summarizer.Summarize(ctx, firstRunes(text, in.opts.MaxInputChars))
		if err != nil {
			logging.IngestWarn("summary of %s failed, storing raw: %v", source, err)
			summary = ""
		}
		if summary != "" {
			m := meta
			m.Kind = kind + summarySuffix
			m.RawLen = runeLen(text)
			if in.upsert(summary, m) {
				sess.learned++
				sess.sources[source] = struct{}{}
			}
			if in.opts.StoreRaw {
				m := meta
				m.Kind = kind + rawSuffix
				for _, chunk := range SplitChunks(text, in.opts.ChunkWords) {
					if in.upsert(chunk, m) {
						sess.learned++
					}
				}
			}
			return
		}
	}

	m := meta
	m.Kind = kind
	for _, chunk := range SplitChunks(text, in.opts.ChunkWords) {
		if in.upsert(chunk, m) {
			sess.learned++
			sess.sources[source] = struct{}{}
		}
	}
}

func (in *Ingestor) upsert(text string, meta retrieval.Meta) bool {
	added, err := in.index.Upsert(text, meta)
	if err != nil {
		logging.IngestWarn("store failed for %s: %v", meta.Source, err)
		return false
	}
	return added
}
