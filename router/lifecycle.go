package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/richardartoul/cacherouter/backends"
	"github.com/richardartoul/cacherouter/pkg/metrics"
)

// Control message types.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
)

// Message is a control message posted to the router.
type Message struct {
	Type string `json:"type"`
}

// ParseMessage decodes a {"type": "..."} control message.
func ParseMessage(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, fmt.Errorf("%w: message is not valid JSON", ErrInvalidPayload)
	}
	t := gjson.GetBytes(data, "type")
	if t.Type != gjson.String {
		return Message{}, fmt.Errorf("%w: message has no string type field", ErrInvalidPayload)
	}
	return Message{Type: t.String()}, nil
}

// Install opens the three partitions and precaches the manifest into the
// static partition. The manifest is all-or-nothing: if any path fails
// nothing is stored and the router becomes redundant.
func (r *Router) Install(ctx context.Context) error {
	if err := r.transition("install", StateInstalling, StateNew); err != nil {
		return err
	}
	r.metrics.Event(metrics.EventInstall)

	err := r.metrics.Latency.RecordFunc("install", func() error {
		return r.install(ctx)
	})
	if err != nil {
		r.setState(StateRedundant)
		r.logger.Error("install failed", "error", err)
		return fmt.Errorf("install failed: %w", err)
	}

	// A SKIP_WAITING posted while new or installing is kept.
	r.mu.Lock()
	r.state = StateWaiting
	r.skipWaiting = r.skipWaiting || r.skipOnInstall
	skip := r.skipWaiting
	r.mu.Unlock()

	r.logger.Info("installed",
		"precached", len(r.precache),
		"skip_waiting", skip)
	return nil
}

func (r *Router) install(ctx context.Context) error {
	for _, name := range r.partitions.Names() {
		if err := r.backend.Open(ctx, name); err != nil {
			return fmt.Errorf("failed to open partition %s: %w", name, err)
		}
	}

	entries := make([]*backends.Entry, 0, len(r.precache))
	for _, path := range r.precache {
		p, query, _ := strings.Cut(path, "?")
		u := r.UpstreamURL(p, query)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("failed to create request for %s: %w", path, err)
		}
		resp, err := r.network(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to precache %s: %w", path, err)
		}
		if !ok(resp) {
			resp.Body.Close()
			return fmt.Errorf("failed to precache %s: unexpected status %d", path, resp.StatusCode)
		}
		entry, err := r.capture(req, resp)
		if err != nil {
			return fmt.Errorf("failed to precache %s: %w", path, err)
		}
		entries = append(entries, entry)
	}

	for _, entry := range entries {
		key := backends.Key(entry.Method, entry.URL)
		if err := r.backend.Put(ctx, r.partitions.Static, key, entry); err != nil {
			return fmt.Errorf("failed to store precached %s: %w", entry.URL, err)
		}
		r.metrics.Stored(string(CategoryStatic), len(entry.Body))
	}
	return nil
}

// Activate deletes every partition that is not one of the three known
// ones, then claims all clients.
func (r *Router) Activate(ctx context.Context) error {
	if err := r.transition("activate", StateActivating, StateWaiting); err != nil {
		return err
	}

	known := make(map[string]bool)
	for _, name := range r.partitions.Names() {
		known[name] = true
	}

	names, err := r.backend.Partitions(ctx)
	if err != nil {
		r.setState(StateWaiting)
		return fmt.Errorf("failed to list partitions: %w", err)
	}
	for _, name := range names {
		if known[name] {
			continue
		}
		if _, err := r.backend.Delete(ctx, name); err != nil {
			r.setState(StateWaiting)
			return fmt.Errorf("failed to delete stale partition %s: %w", name, err)
		}
		r.logger.Info("deleted stale partition", "partition", name)
	}

	r.mu.Lock()
	r.state = StateActive
	r.claimed = true
	r.mu.Unlock()

	r.metrics.Event(metrics.EventActivate)
	r.logger.Info("activated")
	return nil
}

// Start installs and, when skip-waiting is set, activates immediately.
func (r *Router) Start(ctx context.Context) error {
	if err := r.Install(ctx); err != nil {
		return err
	}
	if !r.SkipWaiting() {
		return nil
	}
	// A concurrent SKIP_WAITING may have activated first.
	if err := r.Activate(ctx); err != nil && !errors.Is(err, ErrInvalidState) {
		return err
	}
	return nil
}

// PostMessage handles a control message.
func (r *Router) PostMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageSkipWaiting:
		r.mu.Lock()
		r.skipWaiting = true
		state := r.state
		r.mu.Unlock()
		if state != StateWaiting {
			return nil
		}
		// Lost a race with another activation: the end state is the same.
		if err := r.Activate(ctx); err != nil && !errors.Is(err, ErrInvalidState) {
			return err
		}
		return nil

	case MessageClearCache:
		if err := r.require("clear caches", StateWaiting, StateActive); err != nil {
			return err
		}
		if err := r.backend.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear caches: %w", err)
		}
		r.metrics.Event(metrics.EventClear)
		r.logger.Info("all partitions cleared")
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}
