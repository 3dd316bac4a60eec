package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/cacherouter/backends"
	"github.com/richardartoul/cacherouter/config"
	"github.com/richardartoul/cacherouter/notify"
)

const testOrigin = "http://origin.test"

// spyFetcher counts network requests per "METHOD path" and answers from
// handlers, defaulting to a 200 whose body names the path.
type spyFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(*http.Request) (*http.Response, error)
	last     *http.Response
}

func newSpyFetcher() *spyFetcher {
	return &spyFetcher{
		calls:    make(map[string]int),
		handlers: make(map[string]func(*http.Request) (*http.Response, error)),
	}
}

func (s *spyFetcher) handle(path string, fn func(*http.Request) (*http.Response, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[path] = fn
}

func (s *spyFetcher) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.calls[req.Method+" "+req.URL.Path]++
	fn := s.handlers[req.URL.Path]
	s.mu.Unlock()

	var resp *http.Response
	var err error
	if fn != nil {
		resp, err = fn(req)
	} else {
		resp = textResponse(req, http.StatusOK, "body of "+req.URL.Path)
	}
	s.mu.Lock()
	s.last = resp
	s.mu.Unlock()
	return resp, err
}

func (s *spyFetcher) count(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+path]
}

func textResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

func failWith(err error) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) { return nil, err }
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	router   *Router
	backend  backends.Backend
	fetcher  *spyFetcher
	clock    *fakeClock
	recorder *notify.Recorder
	cfg      config.Config
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	cfg := config.Default()
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)

	h := &harness{
		backend:  backends.NewMemory(),
		fetcher:  newSpyFetcher(),
		clock:    &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)},
		recorder: notify.NewRecorder(10),
		cfg:      cfg,
	}
	opts := Options{
		Backend:      h.backend,
		Fetcher:      h.fetcher,
		Notifier:     h.recorder,
		Opener:       h.recorder,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:          h.clock.Now,
		Origin:       origin,
		Partitions:   cfg.Partitions,
		Patterns:     cfg.Patterns,
		Precache:     cfg.Precache,
		APIFreshness: cfg.APIFreshness,
		SkipWaiting:  true,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.backend = opts.Backend
	h.router, err = New(opts)
	require.NoError(t, err)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.router.Start(context.Background()))
	require.Equal(t, StateActive, h.router.State())
}

func (h *harness) get(t *testing.T, path string) (*http.Response, string, error) {
	t.Helper()
	return h.do(t, http.MethodGet, path)
}

func (h *harness) do(t *testing.T, method, path string) (*http.Response, string, error) {
	t.Helper()
	req, err := http.NewRequest(method, testOrigin+path, nil)
	require.NoError(t, err)
	resp, err := h.router.Fetch(context.Background(), req)
	if err != nil {
		return nil, "", err
	}
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body), nil
}

func TestClassify(t *testing.T) {
	cfg := config.Default()
	c, err := NewClassifier(cfg.Patterns, cfg.Precache)
	require.NoError(t, err)

	tests := []struct {
		path string
		want Category
	}{
		{"/", CategoryStatic},
		{"/index.html", CategoryStatic},
		{"/manifest.json", CategoryStatic},
		{"/assets/index-4f2a.js", CategoryStatic},
		{"/assets/main.css", CategoryStatic},
		{"/fonts/pixel.woff2", CategoryStatic},
		{"/logo.png", CategoryStatic},
		{"/sprites/ship.svg", CategoryStatic},
		{"/api/avatar.png", CategoryStatic},
		{"/api/leaderboard", CategoryAPI},
		{"/api/", CategoryAPI},
		{"/screens/level1.jpg", CategoryImage},
		{"/screens/level1.jpeg", CategoryImage},
		{"/screens/banner.webp", CategoryImage},
		{"/games/snake", CategoryOther},
		{"/apiary", CategoryOther},
		{"/other.html", CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.path))
		})
	}
}

func TestNewValidation(t *testing.T) {
	cfg := config.Default()
	origin, _ := url.Parse(testOrigin)

	_, err := New(Options{Origin: origin, APIFreshness: time.Minute, Patterns: cfg.Patterns})
	assert.ErrorContains(t, err, "backend")

	_, err = New(Options{Backend: backends.NewMemory(), APIFreshness: time.Minute, Patterns: cfg.Patterns})
	assert.ErrorContains(t, err, "origin")

	_, err = New(Options{Backend: backends.NewMemory(), Origin: origin, Patterns: cfg.Patterns})
	assert.ErrorContains(t, err, "freshness")

	bad := cfg.Patterns
	bad.Static = "("
	_, err = New(Options{Backend: backends.NewMemory(), Origin: origin, APIFreshness: time.Minute, Patterns: bad})
	assert.ErrorContains(t, err, "static pattern")
}

func TestStaticCacheFirstServesIdentically(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	resp, first, err := h.get(t, "/assets/app.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, h.fetcher.count(http.MethodGet, "/assets/app.js"))

	for i := 0; i < 3; i++ {
		resp, again, err := h.get(t, "/assets/app.js")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, first, again)
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	}
	assert.Equal(t, 1, h.fetcher.count(http.MethodGet, "/assets/app.js"), "cached static asset must not hit the network")
}

func TestStaticNonOKIsReturnedButNotStored(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.fetcher.handle("/missing.js", func(req *http.Request) (*http.Response, error) {
		return textResponse(req, http.StatusNotFound, "nope"), nil
	})

	for i := 0; i < 2; i++ {
		resp, body, err := h.get(t, "/missing.js")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "nope", body)
	}
	assert.Equal(t, 2, h.fetcher.count(http.MethodGet, "/missing.js"))
}

func TestCacheFirstFallbacks(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"static", "/assets/app.js", http.StatusNotFound, "Asset not available offline"},
		{"image", "/screens/level1.jpg", http.StatusNotFound, "Image not available"},
		{"other", "/games/snake", http.StatusInternalServerError, "Network error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.start(t)
			h.fetcher.handle(tt.path, failWith(errors.New("connection refused")))

			resp, body, err := h.get(t, tt.path)
			require.NoError(t, err, "network failures in this category must resolve to a response")
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantBody, body)
			assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
		})
	}
}

func TestImageCacheFirst(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	_, first, err := h.get(t, "/screens/banner.webp")
	require.NoError(t, err)

	// Once cached, the network being down does not matter.
	h.fetcher.handle("/screens/banner.webp", failWith(errors.New("offline")))
	resp, again, err := h.get(t, "/screens/banner.webp")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, h.fetcher.count(http.MethodGet, "/screens/banner.webp"))

	// Stored in the image partition only.
	key := backends.Key(http.MethodGet, testOrigin+"/screens/banner.webp")
	_, miss, err := h.backend.Get(context.Background(), h.cfg.Partitions.Image, key)
	require.NoError(t, err)
	assert.False(t, miss)
	_, miss, err = h.backend.Get(context.Background(), h.cfg.Partitions.Static, key)
	require.NoError(t, err)
	assert.True(t, miss)
}

func TestOtherIsNetworkOnly(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	for i := 0; i < 3; i++ {
		_, body, err := h.get(t, "/games/snake")
		require.NoError(t, err)
		assert.Equal(t, "body of /games/snake", body)
	}
	assert.Equal(t, 3, h.fetcher.count(http.MethodGet, "/games/snake"))

	names, err := h.backend.Partitions(context.Background())
	require.NoError(t, err)
	for _, name := range names {
		_, miss, err := h.backend.Get(context.Background(), name, backends.Key(http.MethodGet, testOrigin+"/games/snake"))
		require.NoError(t, err)
		assert.True(t, miss, "partition %s must not hold network-only responses", name)
	}
}

func TestAPINetworkFirstStampsCaptureTime(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	version := 0
	h.fetcher.handle("/api/leaderboard", func(req *http.Request) (*http.Response, error) {
		version++
		return textResponse(req, http.StatusOK, fmt.Sprintf(`{"version":%d}`, version)), nil
	})

	_, body, err := h.get(t, "/api/leaderboard")
	require.NoError(t, err)
	assert.Equal(t, `{"version":1}`, body)

	fetchedAt := h.clock.Now()
	entry, miss, err := h.backend.Get(context.Background(), h.cfg.Partitions.API,
		backends.Key(http.MethodGet, testOrigin+"/api/leaderboard"))
	require.NoError(t, err)
	require.False(t, miss)
	assert.WithinDuration(t, fetchedAt, entry.CapturedAt, time.Millisecond)
	assert.Equal(t, fmt.Sprint(fetchedAt.UnixMilli()), entry.Header.Get(HeaderCachedAt))

	// Network first: a fresh response always wins over the cached one.
	h.clock.Advance(time.Second)
	_, body, err = h.get(t, "/api/leaderboard")
	require.NoError(t, err)
	assert.Equal(t, `{"version":2}`, body)
	assert.Equal(t, 2, h.fetcher.count(http.MethodGet, "/api/leaderboard"))
}

func TestAPIFreshnessWindow(t *testing.T) {
	netErr := errors.New("dial tcp: connection refused")

	tests := []struct {
		name      string
		age       time.Duration
		wantCache bool
	}{
		{"just captured", 0, true},
		{"one minute", time.Minute, true},
		{"just under window", 5*time.Minute - time.Millisecond, true},
		{"exactly window", 5 * time.Minute, false},
		{"well past window", time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.start(t)

			_, cached, err := h.get(t, "/api/profile")
			require.NoError(t, err)

			h.fetcher.handle("/api/profile", failWith(netErr))
			h.clock.Advance(tt.age)

			resp, body, err := h.get(t, "/api/profile")
			if tt.wantCache {
				require.NoError(t, err)
				assert.Equal(t, http.StatusOK, resp.StatusCode)
				assert.Equal(t, cached, body)
				assert.NotEmpty(t, resp.Header.Get(HeaderCachedAt))
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, netErr)
			assert.ErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestAPIMissPropagatesNetworkError(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	netErr := errors.New("no route to host")
	h.fetcher.handle("/api/never-seen", failWith(netErr))

	_, _, err := h.get(t, "/api/never-seen")
	assert.ErrorIs(t, err, netErr)
}

func TestAPINonOKNotStored(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.fetcher.handle("/api/broken", func(req *http.Request) (*http.Response, error) {
		return textResponse(req, http.StatusBadGateway, "upstream down"), nil
	})

	resp, _, err := h.get(t, "/api/broken")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	_, miss, err := h.backend.Get(context.Background(), h.cfg.Partitions.API,
		backends.Key(http.MethodGet, testOrigin+"/api/broken"))
	require.NoError(t, err)
	assert.True(t, miss)
}

func TestNonGETIsPassedThrough(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req, err := http.NewRequest(method, testOrigin+"/api/scores", strings.NewReader(`{"score":9}`))
		require.NoError(t, err)
		assert.False(t, h.router.Intercepts(req))

		resp, err := h.router.Fetch(context.Background(), req)
		require.NoError(t, err)
		h.fetcher.mu.Lock()
		assert.Same(t, h.fetcher.last, resp, "the network response must be returned untouched")
		h.fetcher.mu.Unlock()
		assert.Equal(t, 1, h.fetcher.count(method, "/api/scores"))
	}

	_, miss, err := h.backend.Get(context.Background(), h.cfg.Partitions.API,
		backends.Key(http.MethodPost, testOrigin+"/api/scores"))
	require.NoError(t, err)
	assert.True(t, miss)

	// A failing POST surfaces the error rather than a synthesized response.
	netErr := errors.New("reset")
	h.fetcher.handle("/api/scores", failWith(netErr))
	_, _, err = h.do(t, http.MethodPost, "/api/scores")
	assert.ErrorIs(t, err, netErr)
}

func TestClearCacheEmptiesPartitions(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	_, _, err := h.get(t, "/assets/app.js")
	require.NoError(t, err)
	_, _, err = h.get(t, "/assets/app.js")
	require.NoError(t, err)
	require.Equal(t, 1, h.fetcher.count(http.MethodGet, "/assets/app.js"))

	require.NoError(t, h.router.PostMessage(context.Background(), Message{Type: MessageClearCache}))
	names, err := h.backend.Partitions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)

	_, _, err = h.get(t, "/assets/app.js")
	require.NoError(t, err)
	assert.Equal(t, 2, h.fetcher.count(http.MethodGet, "/assets/app.js"), "exactly one fetch after clearing")

	_, _, err = h.get(t, "/assets/app.js")
	require.NoError(t, err)
	assert.Equal(t, 2, h.fetcher.count(http.MethodGet, "/assets/app.js"))
}

func TestActivateDeletesUnknownPartitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.backend.Put(ctx, "old-cache-v0", "GET "+testOrigin+"/", &backends.Entry{Status: 200}))
	require.NoError(t, h.backend.Open(ctx, "basearcade-static-v0"))

	h.start(t)
	assert.True(t, h.router.Claimed())

	names, err := h.backend.Partitions(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, h.cfg.Partitions.Names(), names)
}

func TestInstallPrecachesManifest(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	for _, path := range h.cfg.Precache {
		assert.Equal(t, 1, h.fetcher.count(http.MethodGet, path), "install fetches %s once", path)
	}

	// The app shell is now served offline.
	h.fetcher.handle("/", failWith(errors.New("offline")))
	resp, body, err := h.get(t, "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body of /", body)
	assert.Equal(t, 1, h.fetcher.count(http.MethodGet, "/"))
}

func TestInstallLatencyIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	stats, err := h.router.Metrics().Latency.GetStats("install")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Count)
}

func TestOriginBasePath(t *testing.T) {
	for _, raw := range []string{"http://origin.test/app", "http://origin.test/app/"} {
		origin, err := url.Parse(raw)
		require.NoError(t, err)
		h := newHarness(t, func(o *Options) { o.Origin = origin })

		assert.Equal(t, "http://origin.test/app/index.html?v=2", h.router.UpstreamURL("/index.html", "v=2").String(), raw)
		assert.Equal(t, "http://origin.test/app/", h.router.UpstreamURL("/", "").String(), raw)
	}
}

func TestPrecacheUnderBasePathWithQuery(t *testing.T) {
	origin, err := url.Parse("http://origin.test/app")
	require.NoError(t, err)
	h := newHarness(t, func(o *Options) {
		o.Origin = origin
		o.Precache = []string{"/", "/index.html?v=2"}
	})
	h.start(t)
	ctx := context.Background()

	assert.Equal(t, 1, h.fetcher.count(http.MethodGet, "/app/index.html"))
	assert.Equal(t, 0, h.fetcher.count(http.MethodGet, "/index.html%3Fv=2"))

	req, err := http.NewRequest(http.MethodGet, h.router.UpstreamURL("/index.html", "v=2").String(), nil)
	require.NoError(t, err)
	resp, err := h.router.Fetch(ctx, req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "body of /app/index.html", string(body))
	assert.Equal(t, 1, h.fetcher.count(http.MethodGet, "/app/index.html"), "served from the precache")

	// The API prefix is matched below the base path.
	apiURL := h.router.UpstreamURL("/api/scores", "").String()
	req, err = http.NewRequest(http.MethodGet, apiURL, nil)
	require.NoError(t, err)
	resp, err = h.router.Fetch(ctx, req)
	require.NoError(t, err)
	resp.Body.Close()
	entry, miss, err := h.backend.Get(ctx, h.cfg.Partitions.API, backends.Key(http.MethodGet, apiURL))
	require.NoError(t, err)
	require.False(t, miss, "stored in the api partition")
	assert.NotEmpty(t, entry.Header.Get(HeaderCachedAt))
}

func TestInstallFailureIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	h.fetcher.handle("/manifest.json", func(req *http.Request) (*http.Response, error) {
		return textResponse(req, http.StatusInternalServerError, "boom"), nil
	})

	err := h.router.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/manifest.json")
	assert.Equal(t, StateRedundant, h.router.State())

	_, miss, err := h.backend.Get(context.Background(), h.cfg.Partitions.Static, backends.Key(http.MethodGet, testOrigin+"/"))
	require.NoError(t, err)
	assert.True(t, miss, "nothing is stored when any manifest entry fails")

	// A redundant router cannot be installed again.
	assert.ErrorIs(t, h.router.Install(context.Background()), ErrInvalidState)
}

func TestWaitingUntilSkipWaiting(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SkipWaiting = false })
	ctx := context.Background()

	require.NoError(t, h.router.Start(ctx))
	assert.Equal(t, StateWaiting, h.router.State())
	assert.False(t, h.router.Claimed())

	// Not yet in control: requests go straight to the network.
	for i := 0; i < 2; i++ {
		_, _, err := h.get(t, "/assets/app.js")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.fetcher.count(http.MethodGet, "/assets/app.js"))

	require.NoError(t, h.router.PostMessage(ctx, Message{Type: MessageSkipWaiting}))
	assert.Equal(t, StateActive, h.router.State())
	assert.True(t, h.router.Claimed())
	assert.True(t, h.router.SkipWaiting())

	// Repeating the message once active is harmless.
	require.NoError(t, h.router.PostMessage(ctx, Message{Type: MessageSkipWaiting}))
}

func TestSkipWaitingBeforeStartIsKept(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SkipWaiting = false })
	ctx := context.Background()

	require.NoError(t, h.router.PostMessage(ctx, Message{Type: MessageSkipWaiting}))
	require.NoError(t, h.router.Start(ctx))
	assert.Equal(t, StateActive, h.router.State())
	assert.True(t, h.router.Claimed())
	assert.True(t, h.router.SkipWaiting())
}

func TestSkipWaitingDuringInstallIsKept(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SkipWaiting = false })
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	h.fetcher.handle("/", func(req *http.Request) (*http.Response, error) {
		close(entered)
		<-release
		return textResponse(req, http.StatusOK, "shell"), nil
	})

	errc := make(chan error, 1)
	go func() { errc <- h.router.Start(ctx) }()

	<-entered
	assert.Equal(t, StateInstalling, h.router.State())
	require.NoError(t, h.router.PostMessage(ctx, Message{Type: MessageSkipWaiting}))
	close(release)

	require.NoError(t, <-errc)
	assert.Equal(t, StateActive, h.router.State())
	assert.True(t, h.router.Claimed())
}

func TestEventsRejectedInInvalidState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.router.PostMessage(ctx, Message{Type: MessageClearCache}), ErrInvalidState)
	assert.ErrorIs(t, h.router.Activate(ctx), ErrInvalidState)
	assert.ErrorIs(t, h.router.Sync(ctx, "background-sync"), ErrInvalidState)
	_, err := h.router.Push(ctx, []byte(`{"title":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = h.router.NotificationClick(ctx, notify.Notification{})
	assert.ErrorIs(t, err, ErrInvalidState)

	// SKIP_WAITING before install only records the intent.
	assert.NoError(t, h.router.PostMessage(ctx, Message{Type: MessageSkipWaiting}))
	assert.Equal(t, StateNew, h.router.State())

	h.start(t)
	assert.ErrorIs(t, h.router.Install(ctx), ErrInvalidState)
	assert.ErrorIs(t, h.router.PostMessage(ctx, Message{Type: "RELOAD"}), ErrUnknownMessage)
}

func TestPush(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	n, err := h.router.Push(ctx, []byte(`{"title":"New high score","body":"You beat 1200","data":{"url":"/leaderboard"}}`))
	require.NoError(t, err)
	assert.Equal(t, "New high score", n.Title)
	assert.Equal(t, "You beat 1200", n.Body)
	assert.Equal(t, "/leaderboard", n.Data.URL)
	assert.NotEmpty(t, n.ID)

	n, err = h.router.Push(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultNotificationTitle, n.Title)
	assert.Empty(t, n.Data.URL)

	_, err = h.router.Push(ctx, []byte(`{"title":`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	shown := h.recorder.Notifications()
	require.Len(t, shown, 2)
	assert.Equal(t, "New high score", shown[0].Title)
}

func TestNotificationClick(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	target, err := h.router.NotificationClick(ctx, notify.Notification{Data: notify.Data{URL: "/games/snake"}})
	require.NoError(t, err)
	assert.Equal(t, "/games/snake", target)

	target, err = h.router.NotificationClick(ctx, notify.Notification{})
	require.NoError(t, err)
	assert.Equal(t, "/", target)

	assert.Equal(t, []string{"/games/snake", "/"}, h.recorder.Opened())
}

func TestSync(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	require.NoError(t, h.router.Sync(context.Background(), "background-sync"))
	assert.Equal(t, int64(1), h.router.Metrics().Snapshot().Events["sync"])
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"CLEAR_CACHE"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageClearCache, msg.Type)

	_, err = ParseMessage([]byte(`{"type":1}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParseMessage([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

// failingBackend fails every read and write but can still list.
type failingBackend struct {
	backends.Backend
}

func (failingBackend) Get(context.Context, string, string) (*backends.Entry, bool, error) {
	return nil, false, errors.New("disk on fire")
}

func (failingBackend) Put(context.Context, string, string, *backends.Entry) error {
	return errors.New("disk on fire")
}

func TestStorageFailuresStillResolve(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Backend = failingBackend{Backend: backends.NewMemory()}
		o.Precache = nil
	})
	h.start(t)

	resp, body, err := h.get(t, "/assets/app.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body of /assets/app.js", body)

	_, body, err = h.get(t, "/api/leaderboard")
	require.NoError(t, err)
	assert.Equal(t, "body of /api/leaderboard", body)

	h.fetcher.handle("/assets/app.js", failWith(errors.New("offline")))
	resp, body, err = h.get(t, "/assets/app.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Asset not available offline", body)

	snap := h.router.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.Categories["static"].WriteErrors+snap.Categories["api"].WriteErrors)
}

func TestConcurrentFetchesOfOneAsset(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, testOrigin+"/assets/app.js", nil)
			if !assert.NoError(t, err) {
				return
			}
			resp, err := h.router.Fetch(context.Background(), req)
			if !assert.NoError(t, err) {
				return
			}
			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, "body of /assets/app.js", string(body))
		}()
	}
	wg.Wait()

	n := h.fetcher.count(http.MethodGet, "/assets/app.js")
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 32)

	_, body, err := h.get(t, "/assets/app.js")
	require.NoError(t, err)
	assert.Equal(t, "body of /assets/app.js", body)
	assert.Equal(t, n, h.fetcher.count(http.MethodGet, "/assets/app.js"))
}
