package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/richardartoul/cacherouter/backends"
	"github.com/richardartoul/cacherouter/pkg/metrics"
)

// HeaderCachedAt carries the capture time of a stored API response.
const HeaderCachedAt = "X-Cached-At"

type fallback struct {
	status int
	body   string
}

var (
	staticFallback = fallback{http.StatusNotFound, "Asset not available offline"}
	imageFallback  = fallback{http.StatusNotFound, "Image not available"}
	otherFallback  = fallback{http.StatusInternalServerError, "Network error"}
)

// cacheFirst serves from partition when possible, otherwise fetches and
// stores a successful response. Any failure ends in fb.
func (r *Router) cacheFirst(ctx context.Context, req *http.Request, category Category, partition string, fb fallback) *http.Response {
	key := backends.Key(req.Method, req.URL.String())

	entry, miss, err := r.backend.Get(ctx, partition, key)
	if err != nil {
		r.logger.Warn("partition read failed, treating as miss",
			"partition", partition,
			"url", req.URL.String(),
			"error", err)
		miss = true
	}
	if !miss {
		r.metrics.Record(string(category), metrics.Hit)
		return entry.Response(req)
	}
	r.metrics.Record(string(category), metrics.Miss)

	resp, err := r.network(ctx, req)
	if err != nil {
		return r.fail(req, category, fb, err)
	}
	if !ok(resp) {
		return resp
	}

	entry, err = r.capture(req, resp)
	if err != nil {
		return r.fail(req, category, fb, err)
	}
	r.put(ctx, category, partition, key, entry)
	return resp
}

// networkFirst fetches and stores a stamped copy of a successful response.
// When the network fails it falls back to a cached copy younger than the
// freshness window; otherwise the network error is returned.
func (r *Router) networkFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	const category = CategoryAPI
	partition := r.partitions.API
	key := backends.Key(req.Method, req.URL.String())

	resp, netErr := r.network(ctx, req)
	if netErr == nil {
		if !ok(resp) {
			return resp, nil
		}
		entry, err := r.capture(req, resp)
		if err == nil {
			entry.Header.Set(HeaderCachedAt, strconv.FormatInt(entry.CapturedAt.UnixMilli(), 10))
			r.put(ctx, category, partition, key, entry)
			return resp, nil
		}
		netErr = err
	}
	r.metrics.Record(string(category), metrics.NetworkFailure)

	entry, miss, err := r.backend.Get(ctx, partition, key)
	if err != nil {
		r.logger.Warn("partition read failed, treating as miss",
			"partition", partition,
			"url", req.URL.String(),
			"error", err)
		miss = true
	}

	switch {
	case miss:
		r.metrics.Record(string(category), metrics.Miss)
	case r.now().Sub(entry.CapturedAt) < r.freshness:
		r.metrics.Record(string(category), metrics.Hit)
		r.logger.Info("serving cached API response after network failure",
			"url", req.URL.String(),
			"age", r.now().Sub(entry.CapturedAt).Round(time.Millisecond),
			"error", netErr)
		return entry.Response(req), nil
	default:
		r.metrics.Record(string(category), metrics.StaleRejected)
		r.logger.Debug("cached API response is stale",
			"url", req.URL.String(),
			"captured_at", entry.CapturedAt)
	}

	return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, req.URL, netErr)
}

// networkOnly never touches a partition.
func (r *Router) networkOnly(ctx context.Context, req *http.Request, category Category) *http.Response {
	resp, err := r.network(ctx, req)
	if err != nil {
		return r.fail(req, category, otherFallback, err)
	}
	return resp
}

func (r *Router) capture(req *http.Request, resp *http.Response) (*backends.Entry, error) {
	entry, err := backends.Capture(resp, r.now())
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	entry.Method = req.Method
	entry.URL = req.URL.String()
	return entry, nil
}

// put stores entry, serialized per key. A write failure is logged and
// swallowed: the caller still gets the network response.
func (r *Router) put(ctx context.Context, category Category, partition, key string, entry *backends.Entry) {
	_, err := r.locks.DoWithLock(partition+" "+key, func() (interface{}, error) {
		return nil, r.backend.Put(ctx, partition, key, entry)
	})
	if err != nil {
		r.metrics.WriteError(string(category))
		r.logger.Warn("partition write failed",
			"partition", partition,
			"url", entry.URL,
			"error", err)
		return
	}
	r.metrics.Stored(string(category), len(entry.Body))
}

func (r *Router) fail(req *http.Request, category Category, fb fallback, err error) *http.Response {
	r.metrics.Record(string(category), metrics.NetworkFailure)
	r.metrics.Record(string(category), metrics.Synthesized)
	r.logger.Warn("request failed, synthesizing response",
		"category", category,
		"url", req.URL.String(),
		"status", fb.status,
		"error", err)
	return Synthesize(req, fb.status, fb.body)
}

// Synthesize builds a plain-text response that did not come from the network.
func Synthesize(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		Status:     strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   []string{"text/plain; charset=utf-8"},
			"Content-Length": []string{strconv.Itoa(len(body))},
		},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func ok(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
