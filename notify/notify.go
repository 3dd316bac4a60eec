// Package notify models user-visible notifications raised by pushed
// payloads and the navigation triggered when one is clicked.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Notification is a displayed system notification.
type Notification struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Badge string `json:"badge,omitempty"`
	Data  Data   `json:"data"`
}

// Data is the payload carried along with a notification.
type Data struct {
	URL string `json:"url,omitempty"`
}

// Notifier displays notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// Opener opens or focuses a client window at a URL.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Log writes notifications and window opens to a logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Show(ctx context.Context, n Notification) error {
	l.Logger.InfoContext(ctx, "notification displayed",
		"id", n.ID,
		"title", n.Title,
		"body", n.Body,
		"url", n.Data.URL)
	return nil
}

func (l Log) Open(ctx context.Context, url string) error {
	l.Logger.InfoContext(ctx, "window opened", "url", url)
	return nil
}

// Recorder keeps the most recent notifications and opened URLs in memory.
// It forwards to Next when set.
type Recorder struct {
	Next interface {
		Notifier
		Opener
	}

	mu            sync.Mutex
	limit         int
	notifications []Notification
	opened        []string
}

// NewRecorder keeps at most limit items of each kind.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 100
	}
	return &Recorder{limit: limit}
}

func (r *Recorder) Show(ctx context.Context, n Notification) error {
	r.mu.Lock()
	r.notifications = appendBounded(r.notifications, n, r.limit)
	r.mu.Unlock()
	if r.Next != nil {
		return r.Next.Show(ctx, n)
	}
	return nil
}

func (r *Recorder) Open(ctx context.Context, url string) error {
	r.mu.Lock()
	r.opened = appendBounded(r.opened, url, r.limit)
	r.mu.Unlock()
	if r.Next != nil {
		return r.Next.Open(ctx, url)
	}
	return nil
}

// Notifications returns the recorded notifications, oldest first.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

// Opened returns the recorded URLs, oldest first.
func (r *Recorder) Opened() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.opened...)
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}
