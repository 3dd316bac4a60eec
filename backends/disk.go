package backends

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// fileFormatVersion prefixes every data file name so a future layout change
// can coexist with old files until they are garbage collected.
const fileFormatVersion = "v1-"

const lockFileName = ".cacherouter.lock"

// Disk stores partitions on the local filesystem. Each partition is a
// directory below root; entries are a data file holding the body plus a
// .meta sidecar holding status, headers and capture time.
//
// A flock on root serializes structural changes and writes across
// processes sharing the same directory. Flock is not reentrant within a
// process, so mu guards it locally.
type Disk struct {
	root   string // Absolute path to cache root
	mu     sync.RWMutex
	lock   *flock.Flock
	logger *slog.Logger
}

// NewDisk creates a disk backend rooted at dir.
func NewDisk(dir string, logger *slog.Logger) (*Disk, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Convert to absolute path once at initialization
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	return &Disk{
		root:   absDir,
		lock:   flock.New(filepath.Join(absDir, lockFileName)),
		logger: logger,
	}, nil
}

func (d *Disk) Open(ctx context.Context, partition string) error {
	unlock, err := d.lockExclusive()
	if err != nil {
		return err
	}
	defer unlock()
	return d.open(partition)
}

// open precreates all 256 subdirectories (00-ff) to avoid syscalls during writes.
func (d *Disk) open(partition string) error {
	dir, err := d.partitionDir(partition)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, "ff")); err == nil {
		return nil
	}
	for i := 0; i < 256; i++ {
		subdir := filepath.Join(dir, fmt.Sprintf("%02x", i))
		if err := os.MkdirAll(subdir, 0755); err != nil {
			return fmt.Errorf("failed to create subdirectory %s: %w", subdir, err)
		}
	}
	return nil
}

func (d *Disk) Put(ctx context.Context, partition, key string, entry *Entry) error {
	unlock, err := d.lockExclusive()
	if err != nil {
		return err
	}
	defer unlock()

	if err := d.open(partition); err != nil {
		return err
	}
	dataPath, err := d.entryPath(partition, key)
	if err != nil {
		return err
	}

	if err := writeAtomic(dataPath, entry.Body); err != nil {
		return fmt.Errorf("failed to write entry body: %w", err)
	}
	if err := writeAtomic(dataPath+".meta", encodeMetadata(entry)); err != nil {
		return fmt.Errorf("failed to write entry metadata: %w", err)
	}
	return nil
}

func (d *Disk) Get(ctx context.Context, partition, key string) (*Entry, bool, error) {
	unlock, err := d.lockShared()
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	dataPath, err := d.entryPath(partition, key)
	if err != nil {
		return nil, false, err
	}

	// Try to read metadata directly (avoids extra Stat syscall).
	// If the data file doesn't exist, the metadata file won't either.
	meta, err := os.ReadFile(dataPath + ".meta")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("failed to read metadata: %w", err)
	}
	entry, err := decodeMetadata(meta)
	if err != nil {
		d.logger.Warn("corrupted cache metadata, treating as miss",
			"partition", partition,
			"key", key,
			"error", err)
		return nil, true, nil
	}

	body, err := os.ReadFile(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("cache metadata exists but body is missing",
				"partition", partition,
				"key", key)
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("failed to read entry body: %w", err)
	}
	entry.Body = body
	return entry, false, nil
}

func (d *Disk) Partitions(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dirents, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	var names []string
	for _, de := range dirents {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(de.Name())
		if err != nil {
			d.logger.Warn("skipping unrecognized directory in cache root", "name", de.Name())
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *Disk) Delete(ctx context.Context, partition string) (bool, error) {
	unlock, err := d.lockExclusive()
	if err != nil {
		return false, err
	}
	defer unlock()

	dir, err := d.partitionDir(partition)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to delete partition %s: %w", partition, err)
	}
	return true, nil
}

func (d *Disk) Clear(ctx context.Context) error {
	unlock, err := d.lockExclusive()
	if err != nil {
		return err
	}
	defer unlock()

	dirents, err := os.ReadDir(d.root)
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}
	for _, de := range dirents {
		if de.Name() == lockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(d.root, de.Name())); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	return nil
}

func (d *Disk) Close() error {
	return d.lock.Close()
}

func (d *Disk) lockExclusive() (func(), error) {
	d.mu.Lock()
	if err := d.lock.Lock(); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("failed to lock cache directory: %w", err)
	}
	return func() {
		d.lock.Unlock()
		d.mu.Unlock()
	}, nil
}

// lockShared excludes writers in this and other processes. Each call opens
// its own handle: flock state is per handle, and unlocking a shared handle
// would release every reader holding it.
func (d *Disk) lockShared() (func(), error) {
	d.mu.RLock()
	fl := flock.New(filepath.Join(d.root, lockFileName))
	if err := fl.RLock(); err != nil {
		d.mu.RUnlock()
		return nil, fmt.Errorf("failed to lock cache directory: %w", err)
	}
	return func() {
		fl.Unlock()
		d.mu.RUnlock()
	}, nil
}

func (d *Disk) partitionDir(partition string) (string, error) {
	if partition == "" {
		return "", errors.New("empty partition name")
	}
	return filepath.Join(d.root, url.PathEscape(partition)), nil
}

// entryPath converts a key to a data file path. Files are organized into
// 256 subdirectories (00-ff) based on the first byte of the key hash,
// similar to Go's build cache structure.
func (d *Disk) entryPath(partition, key string) (string, error) {
	dir, err := d.partitionDir(partition)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(key))
	hexKey := hex.EncodeToString(sum[:])
	return filepath.Join(dir, hexKey[:2], fileFormatVersion+hexKey), nil
}

// writeAtomic writes to a temp file and renames it over path so a reader
// never observes a partial file.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Format: one "field:value" per line, header lines repeat.
func encodeMetadata(e *Entry) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "method:%s\n", e.Method)
	fmt.Fprintf(&b, "url:%s\n", e.URL)
	fmt.Fprintf(&b, "status:%d\n", e.Status)
	fmt.Fprintf(&b, "time:%d\n", e.CapturedAt.UnixNano())

	names := make([]string, 0, len(e.Header))
	for name := range e.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range e.Header[name] {
			fmt.Fprintf(&b, "header:%s: %s\n", name, v)
		}
	}
	return []byte(b.String())
}

func decodeMetadata(data []byte) (*Entry, error) {
	entry := &Entry{Header: make(http.Header)}
	var sawStatus bool

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed metadata line %q", line)
		}
		switch field {
		case "method":
			entry.Method = value
		case "url":
			entry.URL = value
		case "status":
			status, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("failed to parse status: %w", err)
			}
			entry.Status = status
			sawStatus = true
		case "time":
			nanos, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse time: %w", err)
			}
			entry.CapturedAt = time.Unix(0, nanos)
		case "header":
			name, v, ok := strings.Cut(value, ": ")
			if !ok {
				return nil, fmt.Errorf("malformed header line %q", value)
			}
			entry.Header.Add(textproto.CanonicalMIMEHeaderKey(name), v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sawStatus {
		return nil, errors.New("metadata missing status field")
	}
	return entry, nil
}
