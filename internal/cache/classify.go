package cache

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// RequestClass selects the caching policy for an outbound request. The class
// is derived purely from the request itself; there is no per-request
// configuration.
type RequestClass string

const (
	// ClassAPIRead is a GET against the remote API origin (network-first).
	ClassAPIRead RequestClass = "api-read"
	// ClassAPIWrite is a non-GET against the remote API origin (network-only).
	ClassAPIWrite RequestClass = "api-write"
	// ClassImage is an image asset (cache-first with placeholder fallback).
	ClassImage RequestClass = "image"
	// ClassStatic is any other static asset (cache-first with shell fallback).
	ClassStatic RequestClass = "static"
)

var imagePathPattern = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp|svg)$`)

type classifier struct {
	apiScheme string
	apiHost   string
}

func newClassifier(apiBaseURL string) (*classifier, error) {
	parsed, err := url.Parse(apiBaseURL)
	if err != nil {
		return nil, err
	}
	return &classifier{
		apiScheme: parsed.Scheme,
		apiHost:   parsed.Host,
	}, nil
}

func (c *classifier) classify(req *http.Request) RequestClass {
	if req.URL.Scheme == c.apiScheme && req.URL.Host == c.apiHost {
		if req.Method == http.MethodGet {
			return ClassAPIRead
		}
		return ClassAPIWrite
	}
	if imagePathPattern.MatchString(req.URL.Path) {
		return ClassImage
	}
	if strings.HasPrefix(req.Header.Get("Accept"), "image/") {
		return ClassImage
	}
	return ClassStatic
}

// isNavigational reports whether a static request targets a document, the
// analogue of a browser navigation. Only navigations fall back to the app
// shell.
func isNavigational(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func cacheKey(method, rawURL string) string {
	return method + " " + rawURL
}
