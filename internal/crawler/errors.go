package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	ErrFetchFailed            = errors.New("fetch failed")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrEmptyBody              = errors.New("empty response body")
	ErrBodyTooLarge           = errors.New("response body too large")
	ErrClientStatus           = errors.New("client error status")
	ErrServerStatus           = errors.New("server error status")
	ErrNotFound               = errors.New("document not found")
	ErrUniqueViolation        = errors.New("unique constraint violated")
)

// FetchError describes a fetch that did not produce a page.
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports every FetchError as ErrFetchFailed.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

// IsRetryableFetch reports whether err is a fetch failure caused by transient
// conditions that the queue may usefully redeliver.
func IsRetryableFetch(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
