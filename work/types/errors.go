package types

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching at the HTTP boundary.
var (
	ErrFetch      = errors.New("upstream fetch failed")
	ErrParse      = errors.New("playlist parse failed")
	ErrProduction = errors.New("artifact production failed")
	ErrRange      = errors.New("invalid range")
	ErrNotFound   = errors.New("not found")
)

// FetchError reports an unreachable upstream, a timeout or a non-2xx answer.
type FetchError struct {
	URL    string
	Status int // HTTP status when the upstream answered, 0 otherwise
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{ErrFetch, e.Err} }

// ParseError reports a body that is not an extended-M3U playlist at all.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "parse playlist: " + e.Reason }

func (e *ParseError) Unwrap() error { return ErrParse }

// ProductionError reports a failed download/transcode for an artifact key.
type ProductionError struct {
	Key ArtifactKey
	Err error
}

func (e *ProductionError) Error() string {
	return fmt.Sprintf("produce %s: %v", e.Key, e.Err)
}

func (e *ProductionError) Unwrap() []error { return []error{ErrProduction, e.Err} }

// RangeError reports a Range header that cannot be served. Malformed is set
// when the header does not parse at all (400), otherwise it is unsatisfiable
// for the file at hand (416).
type RangeError struct {
	Header    string
	Size      int64
	Malformed bool
	Reason    string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range %q (size %d): %s", e.Header, e.Size, e.Reason)
}

func (e *RangeError) Unwrap() error { return ErrRange }

// NotFoundError reports an unknown source or an out-of-range channel index.
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.What, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
