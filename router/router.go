// Package router intercepts outgoing requests, classifies them by URL and
// answers each from a cache partition, the network, or a synthesized error
// response, following a per-class strategy. It also owns the install and
// activate lifecycle of the partitions and the control, push and
// notification-click hooks that come with it.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/richardartoul/cacherouter/backends"
	"github.com/richardartoul/cacherouter/config"
	"github.com/richardartoul/cacherouter/notify"
	"github.com/richardartoul/cacherouter/pkg/locking"
	"github.com/richardartoul/cacherouter/pkg/metrics"
)

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Router. Backend and Origin are required.
type Options struct {
	Backend  backends.Backend
	Fetcher  Fetcher
	Locks    locking.Group
	Metrics  *metrics.Collector
	Notifier notify.Notifier
	Opener   notify.Opener
	Logger   *slog.Logger
	Now      func() time.Time

	Origin       *url.URL
	Partitions   config.Partitions
	Patterns     config.Patterns
	Precache     []string
	APIFreshness time.Duration
	SkipWaiting  bool
}

// Router is safe for concurrent use. Each Fetch is independent; the only
// shared state is the lifecycle state and the partitions in the backend.
type Router struct {
	backend    backends.Backend
	fetcher    Fetcher
	locks      locking.Group
	metrics    *metrics.Collector
	notifier   notify.Notifier
	opener     notify.Opener
	logger     *slog.Logger
	now        func() time.Time
	classifier *Classifier

	origin        *url.URL
	partitions    config.Partitions
	precache      []string
	freshness     time.Duration
	skipOnInstall bool

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	claimed     bool
}

// New builds a router in StateNew.
func New(opts Options) (*Router, error) {
	if opts.Backend == nil {
		return nil, errors.New("router requires a backend")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("router requires an absolute origin URL")
	}
	if opts.APIFreshness <= 0 {
		return nil, fmt.Errorf("api freshness must be positive, got %s", opts.APIFreshness)
	}
	classifier, err := NewClassifier(opts.Patterns, opts.Precache)
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = cleanhttp.DefaultPooledClient()
	}
	if opts.Locks == nil {
		opts.Locks = locking.NewMemLock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{Logger: opts.Logger}
	}
	if opts.Opener == nil {
		opts.Opener = notify.Log{Logger: opts.Logger}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Router{
		backend:       opts.Backend,
		fetcher:       opts.Fetcher,
		locks:         opts.Locks,
		metrics:       opts.Metrics,
		notifier:      opts.Notifier,
		opener:        opts.Opener,
		logger:        opts.Logger.With("component", "router"),
		now:           opts.Now,
		classifier:    classifier,
		origin:        opts.Origin,
		partitions:    opts.Partitions,
		precache:      opts.Precache,
		freshness:     opts.APIFreshness,
		skipOnInstall: opts.SkipWaiting,
		state:         StateNew,
	}, nil
}

// State returns the current lifecycle state.
func (r *Router) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Claimed reports whether activation has taken control of all clients.
func (r *Router) Claimed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.claimed
}

// SkipWaiting reports whether activation may bypass the waiting state.
func (r *Router) SkipWaiting() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skipWaiting
}

// Classify exposes the classifier.
func (r *Router) Classify(path string) Category {
	return r.classifier.Classify(path)
}

// Metrics returns the collector the router records into.
func (r *Router) Metrics() *metrics.Collector {
	return r.metrics
}

// UpstreamURL resolves an origin-relative path and query against the origin,
// keeping any base path the origin has.
func (r *Router) UpstreamURL(path, rawQuery string) *url.URL {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := *r.origin
	u.Path = strings.TrimSuffix(r.origin.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = rawQuery
	u.Fragment = ""
	return &u
}

// relativePath strips the origin's base path from an upstream path.
func (r *Router) relativePath(upstream string) string {
	base := strings.TrimSuffix(r.origin.Path, "/")
	if base == "" {
		return upstream
	}
	rest, ok := strings.CutPrefix(upstream, base)
	if !ok || (rest != "" && rest[0] != '/') {
		return upstream
	}
	if rest == "" {
		return "/"
	}
	return rest
}

// Intercepts reports whether req is eligible for caching. Only GET is.
func (r *Router) Intercepts(req *http.Request) bool {
	return req.Method == http.MethodGet
}

// Fetch answers req. Requests that are not intercepted, or that arrive
// before activation, go straight to the network and the fetcher's result is
// returned untouched.
//
// For intercepted requests the returned response is never nil unless err is
// set, which only happens for API requests that fail with no fresh cached
// copy; err then wraps both ErrUnavailable and the network error.
func (r *Router) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !r.Intercepts(req) || r.State() != StateActive {
		r.metrics.Event(metrics.EventPassthrough)
		return r.network(ctx, req)
	}

	category := r.classifier.Classify(r.relativePath(req.URL.Path))
	r.metrics.Request(string(category))
	defer r.metrics.Latency.Since("strategy_"+string(category), time.Now())

	switch category {
	case CategoryStatic:
		return r.cacheFirst(ctx, req, category, r.partitions.Static, staticFallback), nil
	case CategoryAPI:
		return r.networkFirst(ctx, req)
	case CategoryImage:
		return r.cacheFirst(ctx, req, category, r.partitions.Image, imageFallback), nil
	default:
		return r.networkOnly(ctx, req, category), nil
	}
}

// network performs the fetch. There is no timeout beyond ctx; a hung
// upstream only blocks this request.
func (r *Router) network(ctx context.Context, req *http.Request) (*http.Response, error) {
	defer r.metrics.Latency.Since("network", time.Now())
	resp, err := r.fetcher.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("fetch %s returned no response", req.URL)
	}
	return resp, nil
}
