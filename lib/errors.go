package lib

import (
	"errors"
	"fmt"
)

// SetupError indicates the browser or driver could not be started.
// It is fatal: the run aborts immediately.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("browser setup failed: %v (update Chrome or pass --chrome-path/--chrome-driver-path to matching binaries)", e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// LoginError indicates the sign-in flow did not reach an authenticated
// state. Fatal in premium mode.
type LoginError struct {
	Reason string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed: %s", e.Reason)
}

// AccessDeniedError indicates the browser was redirected to the reader
// home/inbox instead of the requested post, or a public fetch hit a
// paywall. Reported per post; the run continues.
type AccessDeniedError struct {
	RequestedURL string
	FinalURL     string
	Reason       string
}

func (e *AccessDeniedError) Error() string {
	if e.FinalURL != "" && e.FinalURL != e.RequestedURL {
		return fmt.Sprintf("access denied for %s: redirected to %s (%s)", e.RequestedURL, e.FinalURL, e.Reason)
	}
	return fmt.Sprintf("access denied for %s: %s", e.RequestedURL, e.Reason)
}

// ConversionError indicates the fetched page could not be parsed into a
// post. RawHTML is kept so the page can be inspected manually.
type ConversionError struct {
	URL     string
	Reason  string
	RawHTML string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion failed for %s: %s", e.URL, e.Reason)
}

// IsAccessDenied reports whether err is an AccessDeniedError.
func IsAccessDenied(err error) bool {
	var ae *AccessDeniedError
	return errors.As(err, &ae)
}

// IsFatal reports whether err must abort the whole run rather than just
// the current post.
func IsFatal(err error) bool {
	var se *SetupError
	var le *LoginError
	return errors.As(err, &se) || errors.As(err, &le)
}

// PostResult records the outcome of scraping a single post.
type PostResult struct {
	URL   string
	Title string
	Path  string
	Err   error
}

// RunSummary aggregates per-post results for a scrape run.
type RunSummary struct {
	Results   []PostResult
	Attempted int
	Succeeded int
	Failed    int
}

// Add appends a result and updates the counters.
func (s *RunSummary) Add(r PostResult) {
	s.Results = append(s.Results, r)
	s.Attempted++
	if r.Err != nil {
		s.Failed++
	} else {
		s.Succeeded++
	}
}
