package safety

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"sia/internal/logging"
)

// Robots caches robots.txt rules per host for the process lifetime.
// A host whose robots.txt cannot be fetched or parsed is allowed.
type Robots struct {
	client *http.Client
	rules  *robotsCache
}

type robotsCache struct {
	mu    sync.Mutex
	hosts map[string]*robotstxt.RobotsData // nil entry allows everything
}

// NewRobots creates a cache that fetches with client.
func NewRobots(client *http.Client) *Robots {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Robots{
		client: client,
		rules:  &robotsCache{hosts: make(map[string]*robotstxt.RobotsData)},
	}
}

// WithClient returns a view of the same cache that fetches with client.
func (r *Robots) WithClient(client *http.Client) *Robots {
	if client == nil {
		return r
	}
	return &Robots{client: client, rules: r.rules}
}

// Allowed reports whether userAgent may fetch rawURL.
func (r *Robots) Allowed(ctx context.Context, rawURL, userAgent string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}

	c := r.rules
	c.mu.Lock()
	data, cached := c.hosts[host]
	c.mu.Unlock()

	if !cached {
		data = r.fetch(ctx, u.Scheme+"://"+u.Host+"/robots.txt")
		c.mu.Lock()
		if existing, ok := c.hosts[host]; ok {
			data = existing
		} else {
			c.hosts[host] = data
		}
		c.mu.Unlock()
	}

	if data == nil {
		return true
	}
	path := u.RequestURI()
	allowed := data.TestAgent(path, userAgent)
	if !allowed {
		logging.AuditPolicy(logging.AuditRobotsDeny, rawURL, "robots_disallow")
	}
	return allowed
}

// Cached reports whether rules for host are cached.
func (r *Robots) Cached(host string) bool {
	r.rules.mu.Lock()
	defer r.rules.mu.Unlock()
	_, ok := r.rules.hosts[strings.ToLower(host)]
	return ok
}

func (r *Robots) fetch(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	resp, err := r.client.Do(req)
	if err != nil {
		logging.SafetyDebug("robots fetch failed for %s: %v", robotsURL, err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		logging.SafetyDebug("robots parse failed for %s: %v", robotsURL, err)
		return nil
	}
	return data
}
