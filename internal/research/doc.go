// Package research is the ingestion transport: web search, page fetching
// with HTML-to-text extraction, and RSS/Atom feed reading. It performs no
// policy checks of its own; callers gate URLs through the safety package and
// hand in an *http.Client whose dialer enforces the address policy.
package research
