package extract

import (
	"fmt"
	"net/url"
	"strings"

	appErr "github.com/xxxsen/voicekb/internal/pkg/errors"
)

var socialHosts = []string{
	"facebook.com",
	"instagram.com",
	"twitter.com",
	"x.com",
	"tiktok.com",
}

var searchHosts = []string{
	"google.",
	"bing.com",
	"search.yahoo.com",
	"baidu.com",
	"yandex.",
}

// ValidateURL rejects malformed links with ErrInvalidURL and pages that make
// poor knowledge (bare domains, social feeds, search results) with ErrDisallowedURL.
func ValidateURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appErr.ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute url", appErr.ErrInvalidURL, raw)
	}
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", appErr.ErrInvalidURL, u.Scheme)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", appErr.ErrInvalidURL)
	}
	path := strings.TrimRight(u.Path, "/")
	if path == "" && u.RawQuery == "" {
		return nil, fmt.Errorf("%w: bare domain %s", appErr.ErrDisallowedURL, host)
	}
	if isSocialFeed(host, path) {
		return nil, fmt.Errorf("%w: social media page %s", appErr.ErrDisallowedURL, host)
	}
	if isSearchPage(host, path, u.Query()) {
		return nil, fmt.Errorf("%w: search results page %s", appErr.ErrDisallowedURL, host)
	}
	return u, nil
}

func hostIs(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func isSocialFeed(host, path string) bool {
	for _, d := range socialHosts {
		if hostIs(host, d) {
			return true
		}
	}
	if hostIs(host, "linkedin.com") {
		return path == "" || path == "/feed" || strings.HasPrefix(path, "/feed/")
	}
	return false
}

func isSearchPage(host, path string, q url.Values) bool {
	if hostIs(host, "duckduckgo.com") {
		return q.Get("q") != ""
	}
	for _, d := range searchHosts {
		matched := strings.HasSuffix(d, ".") && (strings.HasPrefix(host, d) || strings.Contains(host, "."+d))
		if !matched {
			matched = hostIs(host, d)
		}
		if !matched {
			continue
		}
		switch path {
		case "/search", "/s", "/webhp", "/yandsearch":
			return true
		}
	}
	return false
}
