// Package retrieval is the append-only document store with BM25 lookup.
// Documents live in a JSONL log; the in-memory index is rebuilt from the
// full corpus after every insert.
package retrieval

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"sia/internal/logging"
)

// DefaultTopK is used when Query is called with topK <= 0.
const DefaultTopK = 3

// Meta describes where a document came from.
type Meta struct {
	Source string `json:"source,omitempty"`
	Title  string `json:"title,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Query  string `json:"q,omitempty"`
	Feed   string `json:"feed,omitempty"`
	RawLen int    `json:"raw_len,omitempty"`
}

// Document is one stored chunk. ID is the SHA-1 of Text.
type Document struct {
	ID   string  `json:"id"`
	Text string  `json:"text"`
	Meta Meta    `json:"meta"`
	TS   float64 `json:"ts"` // unix seconds
}

// Hit is a query result.
type Hit struct {
	Text  string
	Score float64
	Meta  Meta
}

// Index is safe for concurrent use.
type Index struct {
	path string
	now  func() time.Time

	mu    sync.RWMutex
	docs  []Document
	ids   map[string]struct{}
	model *bm25
}

// DocumentID returns the content hash used for deduplication.
func DocumentID(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Open loads the log at path, creating its directory. Blank or malformed
// lines and repeated ids are skipped.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	ix := &Index{
		path: path,
		now:  time.Now,
		ids:  make(map[string]struct{}),
	}
	if err := ix.load(); err != nil {
		return nil, err
	}
	ix.reindex()
	logging.StoreDebug("opened %s: %d documents", path, len(ix.docs))
	return ix, nil
}

func (ix *Index) load() error {
	f, err := os.Open(ix.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	skipped := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var d Document
		if err := json.Unmarshal(line, &d); err != nil || d.ID == "" {
			skipped++
			continue
		}
		if _, dup := ix.ids[d.ID]; dup {
			skipped++
			continue
		}
		ix.ids[d.ID] = struct{}{}
		ix.docs = append(ix.docs, d)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read store: %w", err)
	}
	if skipped > 0 {
		logging.StoreWarn("skipped %d unreadable or duplicate lines in %s", skipped, ix.path)
	}
	return nil
}

func (ix *Index) reindex() {
	corpus := make([][]string, len(ix.docs))
	for i, d := range ix.docs {
		corpus[i] = tokenize(d.Text)
	}
	ix.model = newBM25(corpus)
}

// Upsert stores text unless a document with the same content exists.
// It reports whether a new document was added.
func (ix *Index) Upsert(text string, meta Meta) (bool, error) {
	id := DocumentID(text)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.ids[id]; ok {
		return false, nil
	}
	doc := Document{
		ID:   id,
		Text: text,
		Meta: meta,
		TS:   float64(ix.now().UnixNano()) / 1e9,
	}
	if err := ix.append(doc); err != nil {
		return false, err
	}
	ix.ids[id] = struct{}{}
	ix.docs = append(ix.docs, doc)
	ix.reindex()
	return true, nil
}

func (ix *Index) append(doc Document) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	f, err := os.OpenFile(ix.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("failed to append document: %w", err)
	}
	return f.Close()
}

// Query returns the topK best documents for q, best first. Equal scores
// keep insertion order.
func (ix *Index) Query(q string, topK int) []Hit {
	if topK <= 0 {
		topK = DefaultTopK
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.docs) == 0 {
		return nil
	}
	scores := ix.model.scores(tokenize(q))
	order := make([]int, len(ix.docs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	if len(order) > topK {
		order = order[:topK]
	}
	hits := make([]Hit, len(order))
	for i, idx := range order {
		d := ix.docs[idx]
		hits[i] = Hit{Text: d.Text, Score: scores[idx], Meta: d.Meta}
	}
	return hits
}

// Len returns the number of stored documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Documents returns a copy of the stored documents in insertion order.
func (ix *Index) Documents() []Document {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Document, len(ix.docs))
	copy(out, ix.docs)
	return out
}

// Path returns the backing log file.
func (ix *Index) Path() string { return ix.path }
