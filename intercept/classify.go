package intercept

import (
	"mime"
	"net/http"
	"path"
	"slices"
	"strings"

	"github.com/wolfeidau/offline-cache/strategy"
)

var (
	fontExts   = []string{".woff", ".woff2", ".ttf", ".otf", ".eot"}
	binaryExts = []string{
		".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico",
		".wasm", ".pdf", ".mp3", ".mp4", ".ogg", ".webm", ".zip", ".apkg",
	}
)

// Classify maps a request path and Accept header to a resource class.
func Classify(p, accept string) strategy.Class {
	ext := strings.ToLower(path.Ext(p))
	switch {
	case slices.Contains(fontExts, ext):
		return strategy.ClassFont
	case slices.Contains(binaryExts, ext):
		return strategy.ClassBinary
	case ext == ".json", strings.HasPrefix(p, "/api/"), strings.Contains(accept, "application/json"):
		return strategy.ClassData
	default:
		return strategy.ClassOther
	}
}

// IsNavigational reports whether r is a top-level document load.
func IsNavigational(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// contentType guesses the content type of a cached payload.
func contentType(req strategy.Request) string {
	p := req.Key
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	switch {
	case req.Class == strategy.ClassData:
		return "application/json"
	case req.Navigational || strings.HasSuffix(p, "/"):
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
