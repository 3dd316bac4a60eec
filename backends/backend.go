package backends

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Backend defines the interface for partition storage backends.
// Implementations can be swapped to use different storage mechanisms.
//
// A partition is a named store of request identity -> captured response.
// Partitions are created lazily by Open or Put and only ever removed by
// Delete or Clear.
type Backend interface {
	// Open creates the partition if it does not exist yet.
	Open(ctx context.Context, partition string) error

	// Put stores entry under key in the given partition, overwriting any
	// prior entry for the same key.
	Put(ctx context.Context, partition, key string, entry *Entry) error

	// Get retrieves an entry from the given partition.
	// Returns whether it was a miss. A missing partition is a miss.
	Get(ctx context.Context, partition, key string) (entry *Entry, miss bool, err error)

	// Partitions lists the names of all existing partitions.
	Partitions(ctx context.Context) ([]string, error)

	// Delete removes a partition and every entry in it.
	// Returns false if the partition did not exist.
	Delete(ctx context.Context, partition string) (bool, error)

	// Clear removes every partition.
	Clear(ctx context.Context) error

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

// Entry is a captured response.
type Entry struct {
	Method     string      `json:"method"`
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	CapturedAt time.Time   `json:"captured_at"`
}

// Key returns the request identity used to address entries.
func Key(method, url string) string {
	return method + " " + url
}

// Capture reads resp's body into a new Entry and replaces resp.Body so the
// caller can still hand the original response on.
func Capture(resp *http.Response, capturedAt time.Time) (*Entry, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	entry := &Entry{
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		CapturedAt: capturedAt,
	}
	if resp.Request != nil {
		entry.Method = resp.Request.Method
		entry.URL = resp.Request.URL.String()
	}
	return entry, nil
}

// Response rebuilds an *http.Response from the entry. Each call returns an
// independent body reader.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// clone returns a deep copy so stored entries never alias caller memory.
func (e *Entry) clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return &c
}
