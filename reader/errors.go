// Package reader performs the upstream I/O: REST pulls and the streaming
// WebSocket connection.
package reader

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Class is the failure taxonomy the control loop acts on.
type Class int

const (
	ClassTransient Class = iota
	ClassAuth
	ClassSchema
	ClassQuota
)

func (c Class) String() string {
	switch c {
	case ClassAuth:
		return "auth"
	case ClassSchema:
		return "schema"
	case ClassQuota:
		return "quota"
	}
	return "transient"
}

// DefaultRetryAfter applies when a 429 carries no usable Retry-After header.
const DefaultRetryAfter = 60 * time.Second

// FetchError is returned for every failed fetch.
type FetchError struct {
	Class      Class
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Class, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Classify returns the class of err. Errors that are not a FetchError count
// as transient.
func Classify(err error) Class {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ClassTransient
}

// RetryAfter returns the wait requested by a quota error, if any.
func RetryAfter(err error) time.Duration {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Class == ClassQuota {
		return fe.RetryAfter
	}
	return 0
}

func classifyStatus(resp *http.Response, body []byte) *FetchError {
	err := fmt.Errorf("%s: %s", resp.Status, truncate(body, 200))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &FetchError{Class: ClassAuth, StatusCode: resp.StatusCode, Err: err}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &FetchError{
			Class:      ClassQuota,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        err,
		}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return &FetchError{Class: ClassTransient, StatusCode: resp.StatusCode, Err: err}
	}
	return &FetchError{Class: ClassSchema, StatusCode: resp.StatusCode, Err: err}
}

// classifyTransport wraps network failures and timeouts, all transient.
func classifyTransport(err error) *FetchError {
	return &FetchError{Class: ClassTransient, Err: err}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
