// Package cache implements the cache strategy engine: it intercepts every
// outbound request as an http.RoundTripper and applies one of four policies
// selected by request class, backed by a persisted response cache.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	offlineReadBody  = `{"error":true,"message":"Offline - data not cached"}`
	offlineWriteBody = `{"error":true,"message":"Cannot perform this action offline"}`
	offlineBody      = "Offline"

	jsonContentType = "application/json"
	svgContentType  = "image/svg+xml"

	maxCachedBodyBytes = 8 << 20
)

// placeholderSVG is returned for image fetches that fail with no cached copy.
const placeholderSVG = `<svg width="300" height="200" xmlns="http://www.w3.org/2000/svg"><rect width="100%" height="100%" fill="#f0f0f0"/><text x="50%" y="50%" text-anchor="middle" fill="#999" font-size="16">Offline</text></svg>`

var (
	errMissingDatabase = errors.New("cache: database handle is required")
	errMissingAPIBase  = errors.New("cache: api base url is required")
)

// EngineConfig configures the strategy engine.
type EngineConfig struct {
	Database   *gorm.DB
	Transport  http.RoundTripper
	APIBaseURL string
	ShellURL   string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Engine applies the per-class caching policies. It satisfies
// http.RoundTripper so that it can be installed as the transport of any
// http.Client, interposing on every outbound request.
type Engine struct {
	db        *gorm.DB
	transport http.RoundTripper
	classes   *classifier
	shellURL  string
	clock     func() time.Time
	logger    *zap.Logger
	writes    sync.WaitGroup
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.APIBaseURL == "" {
		return nil, errMissingAPIBase
	}

	classes, err := newClassifier(cfg.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid api base url: %w", err)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		db:        cfg.Database,
		transport: transport,
		classes:   classes,
		shellURL:  cfg.ShellURL,
		clock:     clock,
		logger:    logger,
	}, nil
}

// RoundTrip applies the policy for the request's class and always returns a
// response for classified requests: a live one, a cached one (marked with
// the cache status header), or a synthetic offline response.
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	switch e.classes.classify(req) {
	case ClassAPIRead:
		return e.networkFirst(req)
	case ClassAPIWrite:
		return e.networkOnly(req)
	case ClassImage:
		return e.cacheFirstImage(req)
	default:
		if req.Method != http.MethodGet {
			return e.transport.RoundTrip(req)
		}
		return e.cacheFirstStatic(req)
	}
}

// Flush waits for in-flight cache writes. Cache population is a
// fire-and-forget side effect of successful fetches; Flush exists for
// shutdown and tests.
func (e *Engine) Flush() {
	e.writes.Wait()
}

// WarmShell precaches the application shell. Failures on critical URLs are
// returned; optional URLs are fetched best-effort.
func (e *Engine) WarmShell(ctx context.Context, critical, optional []string) error {
	for _, rawURL := range critical {
		if err := e.warmOne(ctx, rawURL); err != nil {
			return fmt.Errorf("cache: failed to warm shell asset %s: %w", rawURL, err)
		}
	}
	for _, rawURL := range optional {
		if err := e.warmOne(ctx, rawURL); err != nil {
			e.logger.Warn("optional shell asset not cached",
				zap.String("url", rawURL), zap.Error(err))
		}
	}
	e.Flush()
	return nil
}

func (e *Engine) warmOne(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	live, err := e.fetchLive(req)
	if err != nil {
		return err
	}
	if !live.cacheable() {
		return fmt.Errorf("status %d", live.status)
	}
	e.storeAsync(req, e.classes.classify(req), live)
	return nil
}

// liveResponse is a fully drained upstream response.
type liveResponse struct {
	status int
	header http.Header
	body   []byte
}

func (r liveResponse) cacheable() bool {
	return r.status >= 200 && r.status < 300
}

func (e *Engine) fetchLive(req *http.Request) (liveResponse, error) {
	resp, err := e.transport.RoundTrip(req)
	if err != nil {
		return liveResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBodyBytes))
	if err != nil {
		return liveResponse{}, err
	}
	return liveResponse{status: resp.StatusCode, header: resp.Header.Clone(), body: body}, nil
}

func (e *Engine) networkFirst(req *http.Request) (*http.Response, error) {
	live, err := e.fetchLive(req)
	if err == nil && live.status < 500 {
		if live.cacheable() {
			e.storeAsync(req, ClassAPIRead, live)
		}
		return liveHTTPResponse(req, live), nil
	}
	if err != nil {
		e.logger.Debug("api read failed, trying cache",
			zap.String("url", req.URL.String()), zap.Error(err))
	}

	if cached, ok := e.lookup(req); ok {
		return cachedHTTPResponse(req, cached), nil
	}
	return syntheticResponse(req, http.StatusServiceUnavailable, jsonContentType, offlineReadBody), nil
}

func (e *Engine) networkOnly(req *http.Request) (*http.Response, error) {
	resp, err := e.transport.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	e.logger.Debug("api write failed while offline",
		zap.String("url", req.URL.String()), zap.Error(err))
	return syntheticResponse(req, http.StatusServiceUnavailable, jsonContentType, offlineWriteBody), nil
}

func (e *Engine) cacheFirstImage(req *http.Request) (*http.Response, error) {
	if cached, ok := e.lookup(req); ok {
		return cachedHTTPResponse(req, cached), nil
	}

	live, err := e.fetchLive(req)
	if err != nil {
		return syntheticResponse(req, http.StatusOK, svgContentType, placeholderSVG), nil
	}
	if live.cacheable() {
		e.storeAsync(req, ClassImage, live)
	}
	return liveHTTPResponse(req, live), nil
}

func (e *Engine) cacheFirstStatic(req *http.Request) (*http.Response, error) {
	if cached, ok := e.lookup(req); ok {
		return cachedHTTPResponse(req, cached), nil
	}

	live, err := e.fetchLive(req)
	if err == nil {
		if live.cacheable() {
			e.storeAsync(req, ClassStatic, live)
		}
		return liveHTTPResponse(req, live), nil
	}

	if isNavigational(req) && e.shellURL != "" {
		if shell, ok := e.lookupKey(cacheKey(http.MethodGet, e.shellURL)); ok {
			return cachedHTTPResponse(req, shell), nil
		}
	}
	return syntheticResponse(req, http.StatusServiceUnavailable, "text/plain", offlineBody), nil
}

func (e *Engine) lookup(req *http.Request) (ResponseCacheEntry, bool) {
	return e.lookupKey(cacheKey(req.Method, req.URL.String()))
}

func (e *Engine) lookupKey(key string) (ResponseCacheEntry, bool) {
	var entry ResponseCacheEntry
	err := e.db.Where("cache_key = ?", key).Take(&entry).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			e.logger.Warn("response cache lookup failed", zap.Error(err))
		}
		return ResponseCacheEntry{}, false
	}
	return entry, true
}

// storeAsync populates the cache without making the caller wait.
func (e *Engine) storeAsync(req *http.Request, class RequestClass, live liveResponse) {
	entry := ResponseCacheEntry{
		CacheKey:     cacheKey(req.Method, req.URL.String()),
		Class:        string(class),
		StatusCode:   live.status,
		ContentType:  live.header.Get("Content-Type"),
		Body:         live.body,
		SizeBytes:    int64(len(live.body)),
		InsertedAtMs: e.clock().UTC().UnixMilli(),
	}

	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		err := e.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			UpdateAll: true,
		}).Create(&entry).Error
		if err != nil {
			e.logger.Warn("response cache write failed",
				zap.String("key", entry.CacheKey), zap.Error(err))
		}
	}()
}

func liveHTTPResponse(req *http.Request, live liveResponse) *http.Response {
	header := live.header
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode:    live.status,
		Status:        fmt.Sprintf("%d %s", live.status, http.StatusText(live.status)),
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(live.body)),
		ContentLength: int64(len(live.body)),
		Request:       req,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
	}
}

func cachedHTTPResponse(req *http.Request, entry ResponseCacheEntry) *http.Response {
	header := http.Header{}
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	header.Set("X-Storysync-Cache", "hit")
	return &http.Response{
		StatusCode:    entry.StatusCode,
		Status:        fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode)),
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: entry.SizeBytes,
		Request:       req,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
	}
}

func syntheticResponse(req *http.Request, status int, contentType, body string) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
		Request:       req,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
	}
}
