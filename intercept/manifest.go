package intercept

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// Manifest lists the assets that must be precached before the interceptor
// is ready.
type Manifest struct {
	// ShellPath is the application shell page. Icons it links are added to
	// the precache list.
	ShellPath string
	// OfflinePath is the page served to navigational requests when offline.
	OfflinePath string
	// Assets are additional critical paths.
	Assets []string
}

// DefaultManifest returns the shell, offline page and web app manifest.
func DefaultManifest() Manifest {
	return Manifest{
		ShellPath:   "/",
		OfflinePath: "/offline.html",
		Assets:      []string{"/manifest.webmanifest"},
	}
}

// paths returns the precache list excluding the shell, without duplicates.
func (m Manifest) paths() []string {
	var out []string
	for _, p := range append([]string{m.OfflinePath}, m.Assets...) {
		if p == "" || p == m.ShellPath || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// iconRels are the link relations treated as critical icons.
var iconRels = []string{"icon", "shortcut icon", "apple-touch-icon", "mask-icon"}

// DiscoverIcons parses a shell page and returns the same-origin icon paths
// it links, resolved against shellPath.
func DiscoverIcons(page []byte, shellPath string) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parsing shell page: %w", err)
	}

	base, err := url.Parse(shellPath)
	if err != nil {
		return nil, fmt.Errorf("parsing shell path: %w", err)
	}

	var icons []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "link" {
			if p := iconPath(n, base); p != "" && !slices.Contains(icons, p) {
				icons = append(icons, p)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return icons, nil
}

// iconPath returns the resolved path of an icon link, or "" when n is not an
// icon or points at another host.
func iconPath(n *html.Node, base *url.URL) string {
	var rel, href string
	for _, attr := range n.Attr {
		switch attr.Key {
		case "rel":
			rel = strings.ToLower(strings.TrimSpace(attr.Val))
		case "href":
			href = strings.TrimSpace(attr.Val)
		}
	}
	if href == "" || !slices.Contains(iconRels, rel) {
		return ""
	}

	u, err := url.Parse(href)
	if err != nil || u.Host != "" || strings.HasPrefix(href, "data:") {
		return ""
	}
	resolved := base.ResolveReference(u)
	p := path.Clean(resolved.Path)
	if resolved.RawQuery != "" {
		p += "?" + resolved.RawQuery
	}
	return p
}
