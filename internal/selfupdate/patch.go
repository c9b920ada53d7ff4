package selfupdate

import (
	"path/filepath"
	"strings"
)

// Patch format markers.
const (
	fileMarker    = "*** Update File:"
	contentMarker = "+++ NEW CONTENT"
)

// FileChange replaces the whole content of one file.
type FileChange struct {
	Path    string
	Content string
}

// ParsePatch extracts at most maxFiles whole-file replacements from a
// proposal. Each block starts with "*** Update File: <path>"; the body after
// a "+++ NEW CONTENT" line is the new content, or the whole body when the
// marker is absent. Headers containing "->" (moves) and blocks without a
// body are skipped but still count toward maxFiles.
func ParsePatch(text string, maxFiles int) []FileChange {
	// text before the first marker is commentary
	start := strings.Index(text, fileMarker)
	if start < 0 {
		return nil
	}
	var blocks []string
	for _, b := range strings.Split(text[start:], fileMarker) {
		if strings.TrimSpace(b) != "" {
			blocks = append(blocks, b)
		}
	}
	if maxFiles >= 0 && len(blocks) > maxFiles {
		blocks = blocks[:maxFiles]
	}

	var changes []FileChange
	for _, b := range blocks {
		header, body, found := strings.Cut(b, "\n")
		if !found {
			continue
		}
		if strings.Contains(header, "->") {
			continue
		}
		path := strings.TrimSpace(header)
		if path == "" {
			continue
		}
		if _, after, ok := strings.Cut(body, contentMarker); ok {
			body = after
			if _, rest, ok := strings.Cut(body, "\n"); ok {
				body = rest
			} else {
				body = ""
			}
		}
		changes = append(changes, FileChange{Path: path, Content: body})
	}
	return changes
}

// normalizeAllow turns an allow path into a cleaned, slash-separated,
// workspace-relative prefix. It returns "" for unusable entries.
func normalizeAllow(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return ""
	}
	c := filepath.ToSlash(filepath.Clean(p))
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return ""
	}
	return c
}

// Permitted reports whether target may be written, and returns its cleaned
// workspace-relative form. Absolute paths and escapes are never permitted; a
// path must equal an allow path or lie under one.
func Permitted(target string, allowPaths []string) (string, bool) {
	target = strings.TrimSpace(target)
	if target == "" || filepath.IsAbs(target) || strings.HasPrefix(target, "/") || strings.HasPrefix(target, `\`) {
		return "", false
	}
	clean := filepath.ToSlash(filepath.Clean(target))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	for _, ap := range allowPaths {
		a := normalizeAllow(ap)
		if a == "" {
			continue
		}
		if clean == a || strings.HasPrefix(clean, a+"/") {
			return clean, true
		}
	}
	return "", false
}
