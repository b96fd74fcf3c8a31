// Package testutil provides fixtures shared by package tests: a ZIP image
// assembler, in-memory byte sources, and fault-injecting wrappers.
package testutil

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// BytesSource implements an in-memory ranged byte source for tests.
type BytesSource struct {
	data []byte
}

// NewBytesSource returns a source backed by the provided data.
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{data: data}
}

// ReadAt copies bytes from the backing slice at the given offset.
func (s *BytesSource) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (s *BytesSource) Size() int64 {
	return int64(len(s.data))
}

// Bytes returns the backing slice for tests that need to mutate data.
func (s *BytesSource) Bytes() []byte {
	return s.data
}

// ReadRange mirrors the HTTP source's streaming range read.
func (s *BytesSource) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= int64(len(s.data)) {
		return io.NopCloser(bytes.NewReader(nil)), io.EOF
	}
	if length > int64(len(s.data))-off {
		length = int64(len(s.data)) - off
	}
	return io.NopCloser(bytes.NewReader(s.data[off : off+length])), nil
}

// FlakySource wraps a BytesSource and fails the first Failures range
// opens with Err. Used to exercise retry and resume paths.
type FlakySource struct {
	*BytesSource

	Err      error
	Failures int

	mu       sync.Mutex
	attempts int
}

// ReadRange fails until the configured failure budget is spent, then
// delegates to the backing source.
func (s *FlakySource) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.Failures
	s.mu.Unlock()
	if fail {
		return nil, s.Err
	}
	return s.BytesSource.ReadRange(ctx, off, length)
}

// Attempts reports how many range opens were issued.
func (s *FlakySource) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// TruncatingSource wraps a BytesSource and cuts each of the first
// Failures range streams short after Limit bytes, simulating a dropped
// connection mid-transfer.
type TruncatingSource struct {
	*BytesSource

	Limit    int64
	Failures int

	mu       sync.Mutex
	attempts int
}

// ReadRange returns a stream that errors out after Limit bytes for the
// first Failures opens.
func (s *TruncatingSource) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	s.mu.Lock()
	s.attempts++
	truncate := s.attempts <= s.Failures
	s.mu.Unlock()

	rc, err := s.BytesSource.ReadRange(ctx, off, length)
	if err != nil || !truncate {
		return rc, err
	}
	return &truncatedReader{r: io.LimitReader(rc, s.Limit), c: rc}, nil
}

type truncatedReader struct {
	r io.Reader
	c io.Closer
}

func (t *truncatedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (t *truncatedReader) Close() error {
	return t.c.Close()
}

// ServeRanges starts an httptest server that supports HTTP range
// requests over the given data and tears it down with the test.
func ServeRanges(tb testing.TB, data []byte) *httptest.Server {
	tb.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "archive", time.Time{}, bytes.NewReader(data))
	}))
	tb.Cleanup(server.Close)
	return server
}
