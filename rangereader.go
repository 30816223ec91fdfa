package fgbtiles

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// RangeReader fetches byte ranges out of FlatGeobuf resources addressed by
// path. A read may return fewer bytes than requested only when the resource
// ends before offset+length; anywhere else a short read is an error.
// Implementations must be safe for concurrent use.
type RangeReader interface {
	Read(ctx context.Context, path string, offset, length uint64) ([]byte, error)

	// ReadRanges fetches multiple ranges; the result order matches the
	// input order. Implementations may run the reads in parallel.
	ReadRanges(ctx context.Context, path string, ranges []ByteRange) ([][]byte, error)

	// Close releases resources. It is idempotent.
	Close() error
}

// readConcurrency caps the parallel single reads behind ReadRanges.
const readConcurrency = 8

// readRangesParallel fans single reads out over a bounded worker pool and
// returns results in input order. The first error wins.
func readRangesParallel(ctx context.Context, ranges []ByteRange, read func(context.Context, ByteRange) ([]byte, error)) ([][]byte, error) {
	out := make([][]byte, len(ranges))
	errs := make([]error, len(ranges))
	sem := make(chan struct{}, readConcurrency)
	var wg sync.WaitGroup
	for i, r := range ranges {
		wg.Add(1)
		go func(i int, r ByteRange) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out[i], errs[i] = read(ctx, r)
		}(i, r)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FileReader serves ranges from files under a base directory. File handles
// are opened lazily and kept for reuse; reads go through ReadAt, so one
// handle serves concurrent readers.
type FileReader struct {
	base string

	mu     sync.Mutex
	files  map[string]*os.File
	closed bool
}

// NewFileReader returns a reader resolving paths against base. An empty
// base resolves paths as given.
func NewFileReader(base string) *FileReader {
	return &FileReader{base: base, files: make(map[string]*os.File)}
}

func (r *FileReader) open(path string) (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if f, ok := r.files[path]; ok {
		return f, nil
	}
	name := path
	if r.base != "" {
		name = filepath.Join(r.base, filepath.Clean("/"+path))
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	r.files[path] = f
	return f, nil
}

// Read fetches one range. Reads crossing the end of the file return the
// bytes up to the end.
func (r *FileReader) Read(ctx context.Context, path string, offset, length uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := r.open(path)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// ReadRanges fetches the ranges via parallel single reads.
func (r *FileReader) ReadRanges(ctx context.Context, path string, ranges []ByteRange) ([][]byte, error) {
	return readRangesParallel(ctx, ranges, func(ctx context.Context, br ByteRange) ([]byte, error) {
		return r.Read(ctx, path, br.Offset, br.Length)
	})
}

// Close closes every open file. Subsequent reads fail with ErrClosed.
func (r *FileReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var first error
	for _, f := range r.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.files = nil
	return first
}

// HTTPReader serves ranges from a remote host with HTTP Range requests,
// the access pattern cloud-optimized formats are built for.
type HTTPReader struct {
	base   string
	client *http.Client
}

// NewHTTPReader returns a reader resolving paths against the base URL. A
// nil client uses http.DefaultClient.
func NewHTTPReader(base string, client *http.Client) *HTTPReader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPReader{base: strings.TrimSuffix(base, "/"), client: client}
}

func (r *HTTPReader) resolve(path string) string {
	if r.base == "" {
		return path
	}
	return r.base + "/" + strings.TrimPrefix(path, "/")
}

// Read issues one HTTP range request. A 200 response (servers that ignore
// Range) is sliced down to the requested window; a 206 body is returned as
// served.
func (r *HTTPReader) Read(ctx context.Context, path string, offset, length uint64) ([]byte, error) {
	target := r.resolve(path)
	if _, err := url.Parse(target); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	log.WithFields(log.Fields{"url": target, "offset": offset, "length": length}).Debug("http range read")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return io.ReadAll(resp.Body)
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if offset >= uint64(len(body)) {
			return nil, nil
		}
		end := offset + length
		if end > uint64(len(body)) {
			end = uint64(len(body))
		}
		return body[offset:end], nil
	default:
		return nil, fmt.Errorf("fgbtiles: range request %s: unexpected status %s", target, resp.Status)
	}
}

// ReadRanges fetches the ranges via parallel single requests.
func (r *HTTPReader) ReadRanges(ctx context.Context, path string, ranges []ByteRange) ([][]byte, error) {
	return readRangesParallel(ctx, ranges, func(ctx context.Context, br ByteRange) ([]byte, error) {
		return r.Read(ctx, path, br.Offset, br.Length)
	})
}

// Close drops idle connections. Safe to call more than once.
func (r *HTTPReader) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
