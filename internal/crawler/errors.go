package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when an advertisement id does not exist.
var ErrNotFound = errors.New("advertisement not found")

// ConfigurationError reports a malformed or contradictory configuration entity.
type ConfigurationError struct {
	Entity string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %v", e.Entity, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransientFetchError is a network failure or server-side status. The portal
// backs off and the URL is retried.
type TransientFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient fetch failure for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("transient fetch failure for %s: status %d", e.URL, e.StatusCode)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError is a client error or an unparseable document. The URL is
// skipped for the rest of the session.
type PermanentFetchError struct {
	URL        string
	StatusCode int
	Reason     string
}

func (e *PermanentFetchError) Error() string {
	return fmt.Sprintf("permanent fetch failure for %s (status %d): %s", e.URL, e.StatusCode, e.Reason)
}

// StorageError is a failure of the persistence medium.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ClassifyResponse maps a fetch outcome onto the error taxonomy. It returns nil
// for 2xx responses.
func ClassifyResponse(url string, resp FetchResponse, err error) error {
	if err != nil {
		return &TransientFetchError{URL: url, Err: err}
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return &TransientFetchError{URL: url, StatusCode: resp.StatusCode}
	default:
		return &PermanentFetchError{URL: url, StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	}
}

// IsTransient reports whether err is a TransientFetchError.
func IsTransient(err error) bool {
	var te *TransientFetchError
	return errors.As(err, &te)
}
