package router

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/richardartoul/cacherouter/notify"
	"github.com/richardartoul/cacherouter/pkg/metrics"
)

// DefaultNotificationTitle is used when a push payload has no title.
const DefaultNotificationTitle = "BaseArcade"

// Sync handles a background-sync event. There is nothing to replay yet, so
// it only records the event.
func (r *Router) Sync(ctx context.Context, tag string) error {
	if err := r.require("sync", StateActive); err != nil {
		return err
	}
	r.metrics.Event(metrics.EventSync)
	r.logger.Info("background sync", "tag", tag)
	return nil
}

// Push displays a notification built from a pushed JSON payload with
// title, body and optional data.url. An empty payload shows the default
// title.
func (r *Router) Push(ctx context.Context, payload []byte) (notify.Notification, error) {
	if err := r.require("push", StateActive); err != nil {
		return notify.Notification{}, err
	}
	if len(payload) > 0 && !gjson.ValidBytes(payload) {
		return notify.Notification{}, fmt.Errorf("%w: push payload is not valid JSON", ErrInvalidPayload)
	}

	n := notify.Notification{
		ID:    uuid.New().String(),
		Title: DefaultNotificationTitle,
	}
	if len(payload) > 0 {
		fields := gjson.GetManyBytes(payload, "title", "body", "icon", "badge", "data.url")
		if fields[0].String() != "" {
			n.Title = fields[0].String()
		}
		n.Body = fields[1].String()
		n.Icon = fields[2].String()
		n.Badge = fields[3].String()
		n.Data.URL = fields[4].String()
	}

	if err := r.notifier.Show(ctx, n); err != nil {
		return notify.Notification{}, fmt.Errorf("failed to show notification: %w", err)
	}
	r.metrics.Event(metrics.EventPush)
	return n, nil
}

// NotificationClick opens the notification's target URL, defaulting to "/",
// and returns the URL opened.
func (r *Router) NotificationClick(ctx context.Context, n notify.Notification) (string, error) {
	if err := r.require("handle notification click", StateActive); err != nil {
		return "", err
	}
	target := n.Data.URL
	if target == "" {
		target = "/"
	}
	if err := r.opener.Open(ctx, target); err != nil {
		return "", fmt.Errorf("failed to open %s: %w", target, err)
	}
	r.metrics.Event(metrics.EventClick)
	return target, nil
}
