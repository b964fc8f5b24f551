// Package rangeserve serves finished artifact files with single-range
// HTTP Range support.
package rangeserve

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"kptv-restream/work/types"
)

// Range is an inclusive byte range within a file.
type Range struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered.
func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange parses a "bytes=start-end" header against a file of size bytes.
// The end defaults to size-1 and "bytes=-N" addresses the last N bytes.
// Multiple ranges are rejected as malformed. A range that parses but does
// not fit 0 <= start <= end < size is unsatisfiable.
func ParseRange(header string, size int64) (Range, error) {
	fail := func(malformed bool, reason string) (Range, error) {
		return Range{}, &types.RangeError{Header: header, Size: size, Malformed: malformed, Reason: reason}
	}

	value := strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(value), "bytes=") {
		return fail(true, "unit is not bytes")
	}

	spec := strings.TrimSpace(value[len("bytes="):])
	if spec == "" {
		return fail(true, "empty range")
	}
	if strings.Contains(spec, ",") {
		return fail(true, "multiple ranges are not supported")
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return fail(true, "missing '-'")
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	if startStr == "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return fail(true, "bad suffix length")
		}
		if size <= 0 {
			return fail(false, "empty file")
		}
		if suffix > size {
			suffix = size
		}
		return Range{Start: size - suffix, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return fail(true, "bad start")
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < 0 {
			return fail(true, "bad end")
		}
	}

	if start >= size {
		return fail(false, "start beyond end of file")
	}
	if end < start {
		return fail(false, "end before start")
	}
	if end >= size {
		return fail(false, "end beyond end of file")
	}

	return Range{Start: start, End: end}, nil
}

// Response is a prepared file response. Body reads exactly the selected
// bytes. The caller must Close it.
type Response struct {
	Status int
	Header http.Header
	Body   *io.SectionReader
	Length int64

	file *os.File
}

// Open prepares a response for path. Without a Range header the whole file
// is served with 200, otherwise the requested slice with 206. The file is
// opened before anything else so a concurrent eviction cannot pull it away
// mid-response.
func Open(path, rangeHeader, contentType string) (*Response, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &types.NotFoundError{What: "file", ID: path}
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	size := info.Size()

	resp := &Response{
		Status: http.StatusOK,
		Header: http.Header{},
		Length: size,
		file:   f,
	}
	resp.Header.Set("Accept-Ranges", "bytes")
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}

	if rangeHeader == "" {
		resp.Body = io.NewSectionReader(f, 0, size)
		resp.Header.Set("Content-Length", strconv.FormatInt(size, 10))
		return resp, nil
	}

	r, err := ParseRange(rangeHeader, size)
	if err != nil {
		f.Close()
		return nil, err
	}

	resp.Status = http.StatusPartialContent
	resp.Length = r.Length()
	resp.Body = io.NewSectionReader(f, r.Start, r.Length())
	resp.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size))
	resp.Header.Set("Content-Length", strconv.FormatInt(r.Length(), 10))
	return resp, nil
}

// WriteTo sends headers, status and body. HEAD requests should use
// WriteHeader alone.
func (r *Response) WriteTo(w http.ResponseWriter) (int64, error) {
	r.WriteHeader(w)
	return io.Copy(w, r.Body)
}

// WriteHeader copies the headers to w and writes the status line.
func (r *Response) WriteHeader(w http.ResponseWriter) {
	h := w.Header()
	for k, v := range r.Header {
		h[k] = v
	}
	w.WriteHeader(r.Status)
}

// Close releases the underlying file.
func (r *Response) Close() error {
	return r.file.Close()
}

// WriteRangeError prepares w for an unsatisfiable range answer.
func WriteRangeError(w http.ResponseWriter, err error) {
	w.Header().Set("Accept-Ranges", "bytes")
	var re *types.RangeError
	if errors.As(err, &re) && !re.Malformed {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", re.Size))
	}
}
