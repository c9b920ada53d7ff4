package retrieval

import (
	"math"
	"strings"
)

// Okapi BM25 parameters.
const (
	bm25K1      = 1.5
	bm25B       = 0.75
	bm25Epsilon = 0.25
)

// bm25 is an immutable Okapi BM25 model over a tokenized corpus. Terms with
// a negative idf are floored at epsilon times the mean idf.
type bm25 struct {
	docFreqs []map[string]int
	docLens  []int
	avgdl    float64
	idf      map[string]float64
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func newBM25(corpus [][]string) *bm25 {
	m := &bm25{
		docFreqs: make([]map[string]int, len(corpus)),
		docLens:  make([]int, len(corpus)),
		idf:      make(map[string]float64),
	}
	nd := make(map[string]int)
	total := 0
	for i, doc := range corpus {
		freqs := make(map[string]int, len(doc))
		for _, w := range doc {
			freqs[w]++
		}
		for w := range freqs {
			nd[w]++
		}
		m.docFreqs[i] = freqs
		m.docLens[i] = len(doc)
		total += len(doc)
	}
	if len(corpus) > 0 {
		m.avgdl = float64(total) / float64(len(corpus))
	}

	n := float64(len(corpus))
	idfSum := 0.0
	var negative []string
	for w, freq := range nd {
		idf := math.Log(n-float64(freq)+0.5) - math.Log(float64(freq)+0.5)
		m.idf[w] = idf
		idfSum += idf
		if idf < 0 {
			negative = append(negative, w)
		}
	}
	if len(m.idf) > 0 {
		eps := bm25Epsilon * idfSum / float64(len(m.idf))
		for _, w := range negative {
			m.idf[w] = eps
		}
	}
	return m
}

// scores returns one score per document, in corpus order.
func (m *bm25) scores(query []string) []float64 {
	out := make([]float64, len(m.docLens))
	if m.avgdl == 0 {
		return out
	}
	for _, q := range query {
		idf, ok := m.idf[q]
		if !ok {
			continue
		}
		for i, freqs := range m.docFreqs {
			f := float64(freqs[q])
			if f == 0 {
				continue
			}
			norm := bm25K1 * (1 - bm25B + bm25B*float64(m.docLens[i])/m.avgdl)
			out[i] += idf * (f * (bm25K1 + 1) / (f + norm))
		}
	}
	return out
}
