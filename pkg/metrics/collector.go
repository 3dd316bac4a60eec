package metrics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Outcome is what a strategy did with one intercepted request.
type Outcome int

const (
	Hit Outcome = iota
	Miss
	NetworkFailure
	StaleRejected
	Synthesized
	outcomeCount
)

var outcomeNames = [outcomeCount]string{"hit", "miss", "network_failure", "stale_rejected", "synthesized"}

func (o Outcome) String() string {
	if o < 0 || o >= outcomeCount {
		return "unknown"
	}
	return outcomeNames[o]
}

// Lifecycle events counted by the collector.
const (
	EventInstall      = "install"
	EventActivate     = "activate"
	EventClear        = "clear"
	EventPush         = "push"
	EventClick        = "notification_click"
	EventSync         = "sync"
	EventPassthrough  = "passthrough"
	EventRejectedCall = "rejected"
)

type categoryCounters struct {
	requests    atomic.Int64
	outcomes    [outcomeCount]atomic.Int64
	bytesStored atomic.Int64
	writeErrors atomic.Int64
}

// Collector aggregates per-category request counters, lifecycle event
// counters and latency sketches. It is safe for concurrent use.
type Collector struct {
	Latency *LatencyTracker

	start      time.Time
	mu         sync.Mutex
	categories map[string]*categoryCounters
	events     map[string]*atomic.Int64
}

// NewCollector creates a collector with 1% latency accuracy.
func NewCollector() *Collector {
	return &Collector{
		Latency:    NewLatencyTracker(0.01),
		start:      time.Now(),
		categories: make(map[string]*categoryCounters),
		events:     make(map[string]*atomic.Int64),
	}
}

func (c *Collector) category(name string) *categoryCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.categories[name]
	if !ok {
		cc = &categoryCounters{}
		c.categories[name] = cc
	}
	return cc
}

// Request counts one intercepted request for category.
func (c *Collector) Request(category string) {
	c.category(category).requests.Add(1)
}

// Record counts a strategy outcome for category.
func (c *Collector) Record(category string, o Outcome) {
	if o < 0 || o >= outcomeCount {
		return
	}
	c.category(category).outcomes[o].Add(1)
}

// Stored counts a successful partition write of n body bytes.
func (c *Collector) Stored(category string, n int) {
	c.category(category).bytesStored.Add(int64(n))
}

// WriteError counts a failed partition write.
func (c *Collector) WriteError(category string) {
	c.category(category).writeErrors.Add(1)
}

// Event counts a lifecycle or control event.
func (c *Collector) Event(name string) {
	c.mu.Lock()
	ctr, ok := c.events[name]
	if !ok {
		ctr = &atomic.Int64{}
		c.events[name] = ctr
	}
	c.mu.Unlock()
	ctr.Add(1)
}

// CategorySnapshot is a point-in-time copy of one category's counters.
type CategorySnapshot struct {
	Requests      int64 `json:"requests"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	NetworkErrors int64 `json:"network_failures"`
	StaleRejected int64 `json:"stale_rejected"`
	Synthesized   int64 `json:"synthesized"`
	BytesStored   int64 `json:"bytes_stored"`
	WriteErrors   int64 `json:"write_errors"`
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Timestamp  time.Time                   `json:"timestamp"`
	StartTime  time.Time                   `json:"start_time"`
	Uptime     string                      `json:"uptime"`
	Categories map[string]CategorySnapshot `json:"categories"`
	Events     map[string]int64            `json:"events"`
	Latency    []Stats                     `json:"latency"`
}

// Snapshot copies the current counters.
func (c *Collector) Snapshot() *Snapshot {
	now := time.Now()
	s := &Snapshot{
		Timestamp:  now,
		StartTime:  c.start,
		Uptime:     now.Sub(c.start).Round(time.Second).String(),
		Categories: make(map[string]CategorySnapshot),
		Events:     make(map[string]int64),
		Latency:    c.Latency.GetAllStats(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, cc := range c.categories {
		s.Categories[name] = CategorySnapshot{
			Requests:      cc.requests.Load(),
			Hits:          cc.outcomes[Hit].Load(),
			Misses:        cc.outcomes[Miss].Load(),
			NetworkErrors: cc.outcomes[NetworkFailure].Load(),
			StaleRejected: cc.outcomes[StaleRejected].Load(),
			Synthesized:   cc.outcomes[Synthesized].Load(),
			BytesStored:   cc.bytesStored.Load(),
			WriteErrors:   cc.writeErrors.Load(),
		}
	}
	for name, ctr := range c.events {
		s.Events[name] = ctr.Load()
	}
	return s
}

// ToJSON encodes the snapshot.
func (s *Snapshot) ToJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// ToPrometheusFormat renders the snapshot in the Prometheus text exposition format.
func (s *Snapshot) ToPrometheusFormat() string {
	var b strings.Builder
	categories := sortedKeys(s.Categories)

	counter := func(name, help string, value func(CategorySnapshot) int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
		for _, cat := range categories {
			fmt.Fprintf(&b, "%s{category=%q} %d\n", name, cat, value(s.Categories[cat]))
		}
		b.WriteString("\n")
	}

	counter("cacherouter_requests_total", "Total number of intercepted requests",
		func(c CategorySnapshot) int64 { return c.Requests })
	counter("cacherouter_cache_hits_total", "Total number of responses served from a partition",
		func(c CategorySnapshot) int64 { return c.Hits })
	counter("cacherouter_cache_misses_total", "Total number of partition misses",
		func(c CategorySnapshot) int64 { return c.Misses })
	counter("cacherouter_network_failures_total", "Total number of failed network fetches",
		func(c CategorySnapshot) int64 { return c.NetworkErrors })
	counter("cacherouter_stale_rejected_total", "Total number of cached API entries rejected as stale",
		func(c CategorySnapshot) int64 { return c.StaleRejected })
	counter("cacherouter_synthesized_total", "Total number of synthesized error responses",
		func(c CategorySnapshot) int64 { return c.Synthesized })
	counter("cacherouter_bytes_stored_total", "Total number of body bytes written to partitions",
		func(c CategorySnapshot) int64 { return c.BytesStored })
	counter("cacherouter_write_errors_total", "Total number of failed partition writes",
		func(c CategorySnapshot) int64 { return c.WriteErrors })

	b.WriteString("# HELP cacherouter_events_total Total number of lifecycle and control events\n")
	b.WriteString("# TYPE cacherouter_events_total counter\n")
	for _, name := range sortedKeys(s.Events) {
		fmt.Fprintf(&b, "cacherouter_events_total{event=%q} %d\n", name, s.Events[name])
	}
	b.WriteString("\n")

	b.WriteString("# HELP cacherouter_latency_ms Operation latency quantiles in milliseconds\n")
	b.WriteString("# TYPE cacherouter_latency_ms summary\n")
	for _, st := range s.Latency {
		fmt.Fprintf(&b, "cacherouter_latency_ms{operation=%q,quantile=\"0.5\"} %.3f\n", st.Operation, st.P50)
		fmt.Fprintf(&b, "cacherouter_latency_ms{operation=%q,quantile=\"0.9\"} %.3f\n", st.Operation, st.P90)
		fmt.Fprintf(&b, "cacherouter_latency_ms{operation=%q,quantile=\"0.99\"} %.3f\n", st.Operation, st.P99)
		fmt.Fprintf(&b, "cacherouter_latency_ms_count{operation=%q} %d\n", st.Operation, st.Count)
	}

	return b.String()
}

// String summarizes the snapshot for a log line.
func (s *Snapshot) String() string {
	var requests, hits, stored int64
	for _, c := range s.Categories {
		requests += c.Requests
		hits += c.Hits
		stored += c.BytesStored
	}
	return fmt.Sprintf("%s requests, %s hits, %s stored, up %s",
		humanize.Comma(requests), humanize.Comma(hits), humanize.Bytes(uint64(stored)), s.Uptime)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
