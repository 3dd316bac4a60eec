package backends

import (
	"context"
	"log/slog"
	"time"
)

// Debug wraps a Backend and logs every operation at debug level.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	return &Debug{
		backend: backend,
		logger:  logger.With("component", "backend"),
	}
}

// Open creates a partition with debug logging.
func (d *Debug) Open(ctx context.Context, partition string) error {
	err := d.backend.Open(ctx, partition)
	if err != nil {
		d.logger.Debug("open failed", "partition", partition, "error", err)
		return err
	}
	d.logger.Debug("open", "partition", partition)
	return nil
}

// Put stores an entry with debug logging.
func (d *Debug) Put(ctx context.Context, partition, key string, entry *Entry) error {
	d.logger.Debug("put",
		"partition", partition,
		"key", key,
		"status", entry.Status,
		"size", len(entry.Body))

	err := d.backend.Put(ctx, partition, key, entry)
	if err != nil {
		d.logger.Debug("put failed", "partition", partition, "key", key, "error", err)
	}
	return err
}

// Get retrieves an entry with debug logging.
func (d *Debug) Get(ctx context.Context, partition, key string) (*Entry, bool, error) {
	entry, miss, err := d.backend.Get(ctx, partition, key)

	switch {
	case err != nil:
		d.logger.Debug("get failed", "partition", partition, "key", key, "error", err)
	case miss:
		d.logger.Debug("get: MISS", "partition", partition, "key", key)
	default:
		d.logger.Debug("get: HIT",
			"partition", partition,
			"key", key,
			"size", len(entry.Body),
			"age", time.Since(entry.CapturedAt).Round(time.Millisecond))
	}

	return entry, miss, err
}

// Partitions lists partitions with debug logging.
func (d *Debug) Partitions(ctx context.Context) ([]string, error) {
	names, err := d.backend.Partitions(ctx)
	if err != nil {
		d.logger.Debug("partitions failed", "error", err)
		return names, err
	}
	d.logger.Debug("partitions", "names", names)
	return names, nil
}

// Delete removes a partition with debug logging.
func (d *Debug) Delete(ctx context.Context, partition string) (bool, error) {
	existed, err := d.backend.Delete(ctx, partition)
	if err != nil {
		d.logger.Debug("delete failed", "partition", partition, "error", err)
		return existed, err
	}
	d.logger.Debug("delete", "partition", partition, "existed", existed)
	return existed, nil
}

// Clear removes every partition with debug logging.
func (d *Debug) Clear(ctx context.Context) error {
	err := d.backend.Clear(ctx)
	if err != nil {
		d.logger.Debug("clear failed", "error", err)
		return err
	}
	d.logger.Debug("cache cleared successfully")
	return nil
}

// Close performs cleanup operations with debug logging.
func (d *Debug) Close() error {
	err := d.backend.Close()
	if err != nil {
		d.logger.Debug("close failed", "error", err)
	}
	return err
}
