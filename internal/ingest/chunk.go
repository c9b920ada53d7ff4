package ingest

import "strings"

// SplitChunks splits text into chunks of at most words whitespace-separated
// words, joined by single spaces.
func SplitChunks(text string, words int) []string {
	if words <= 0 {
		words = 800
	}
	fields := strings.Fields(text)
	var chunks []string
	for i := 0; i < len(fields); i += words {
		end := min(i+words, len(fields))
		chunks = append(chunks, strings.Join(fields[i:end], " "))
	}
	return chunks
}

func firstRunes(s string, n int) string {
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

func runeLen(s string) int {
	return len([]rune(s))
}
