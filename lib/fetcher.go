package lib

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultRatePerSecond defines the default request rate per second when creating a new Fetcher.
const DefaultRatePerSecond = 2

// defaultRetryAfter specifies the default value for Retry-After header in case of too many requests.
const defaultRetryAfter = 60

// defaultMaxRetryCount defines the default maximum number of retries for a failed URL fetch.
const defaultMaxRetryCount = 100

// defaultMaxElapsedTime specifies the default maximum elapsed time for the exponential backoff.
const defaultMaxElapsedTime = 10 * time.Minute

// defaultMaxInterval defines the default maximum interval for the exponential backoff.
const defaultMaxInterval = 2 * time.Minute

// defaultUserAgent specifies the User-Agent header value used in HTTP requests.
const defaultUserAgent = "substack2md/0.1"

// Page is the raw outcome of fetching a post URL: the URL we asked for,
// the URL the fetch actually resolved to, and the document HTML.
type Page struct {
	RequestedURL string
	FinalURL     string
	HTML         string
}

// PageFetcher retrieves the rendered HTML of a single post URL.
// Implemented by Fetcher (public posts, plain HTTP) and Session
// (premium posts, driven browser).
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (Page, error)
}

// Fetcher represents a URL fetcher with rate limiting and retry mechanisms.
type Fetcher struct {
	Client      *http.Client
	RateLimiter *rate.Limiter
	BackoffCfg  backoff.BackOff
	userAgent   string
	cookie      *http.Cookie
}

// FetchResult represents the result of a URL fetch operation.
type FetchResult struct {
	Url   string
	Body  io.ReadCloser
	Error error
}

// FetchError represents an error returned when encountering too many requests with a Retry-After value.
type FetchError struct {
	TooManyRequests bool
	RetryAfter      int
}

// Error returns the error message for the FetchError, indicating the retry wait time.
func (e *FetchError) Error() string {
	return fmt.Sprintf("too many requests, retry after %d seconds", e.RetryAfter)
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithRatePerSecond sets the request rate per second.
func WithRatePerSecond(ratePerSecond int) FetcherOption {
	return func(f *Fetcher) {
		if ratePerSecond > 0 {
			f.RateLimiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
		}
	}
}

// WithProxyURL routes requests through the given proxy.
func WithProxyURL(proxyURL *url.URL) FetcherOption {
	return func(f *Fetcher) {
		if proxyURL != nil {
			f.Client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
}

// WithCookie attaches a cookie to every request (e.g. substack.sid).
func WithCookie(cookie *http.Cookie) FetcherOption {
	return func(f *Fetcher) {
		f.cookie = cookie
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) FetcherOption {
	return func(f *Fetcher) {
		if userAgent != "" {
			f.userAgent = userAgent
		}
	}
}

// WithBackOffConfig overrides the retry backoff configuration.
func WithBackOffConfig(b backoff.BackOff) FetcherOption {
	return func(f *Fetcher) {
		if b != nil {
			f.BackoffCfg = b
		}
	}
}

// NewFetcher creates a new Fetcher with the given options applied on top
// of the defaults (DefaultRatePerSecond, exponential backoff, no proxy).
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		Client:      &http.Client{Transport: http.DefaultTransport},
		RateLimiter: rate.NewLimiter(rate.Limit(DefaultRatePerSecond), 1),
		BackoffCfg:  makeDefaultBackoff(),
		userAgent:   defaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchPage fetches url over plain HTTP and returns the resolved page.
// Redirects are followed; the final URL is whatever the client landed on,
// so callers can detect a bounce back to the reader home.
func (f *Fetcher) FetchPage(ctx context.Context, pageURL string) (Page, error) {
	body, finalURL, err := f.fetchWithFinalURL(ctx, pageURL)
	if err != nil {
		return Page{}, err
	}
	defer body.Close()

	html, err := io.ReadAll(body)
	if err != nil {
		return Page{}, err
	}
	return Page{RequestedURL: pageURL, FinalURL: finalURL, HTML: string(html)}, nil
}

// FetchURLs concurrently fetches the specified URLs and returns a channel to receive the FetchResults.
// The returned channel will be closed once all fetch operations are completed.
func (f *Fetcher) FetchURLs(ctx context.Context, urls []string) <-chan FetchResult {
	results := make(chan FetchResult, len(urls))
	var eg errgroup.Group

	sem := make(chan struct{}, f.RateLimiter.Burst()) // worker pool

	for _, u := range urls {
		u := u // https://golang.org/doc/faq#closures_and_goroutines
		eg.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			body, err := f.FetchURL(ctx, u)
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				results <- FetchResult{Url: u, Body: body, Error: err}
				return nil
			}
		})
	}

	go func() {
		eg.Wait()
		close(results)
	}()

	return results
}

// FetchURL fetches the specified URL and returns the response body as io.ReadCloser and any encountered error.
// It uses rate limiting and retry mechanisms to handle rate limits and transient failures.
func (f *Fetcher) FetchURL(ctx context.Context, url string) (io.ReadCloser, error) {
	body, _, err := f.fetchWithFinalURL(ctx, url)
	return body, err
}

func (f *Fetcher) fetchWithFinalURL(ctx context.Context, url string) (io.ReadCloser, string, error) {
	var body io.ReadCloser
	var finalURL string
	var err error
	var retryCounter int
	var nextRetryWait time.Duration

	operation := func() error {
		if retryCounter >= defaultMaxRetryCount {
			err = fmt.Errorf("max retry count reached for URL: %s", url)
			return nil
		}
		if nextRetryWait > 0 {
			time.Sleep(nextRetryWait)
		}
		err = f.RateLimiter.Wait(ctx) // Use rate limiter
		if err != nil {
			return err // Could be a context cancellation or error in limiter
		}
		body, finalURL, err = f.fetch(ctx, url)
		if err != nil {
			retryCounter++
		}
		return err
	}

	notify := func(err error, d time.Duration) {
		if respErr, ok := err.(*FetchError); ok && respErr.TooManyRequests {
			nextRetryWait = time.Duration(respErr.RetryAfter) * time.Second
			if retryCounter > 0 {
				nextRetryWait *= time.Duration(retryCounter)
			}
		}
	}

	backoff.RetryNotify(operation, f.BackoffCfg, notify)

	return body, finalURL, err
}

// fetch performs the actual HTTP GET request to the specified URL and returns the response body,
// the final resolved URL, and any encountered error.
// It checks for too many requests (status code 429) and handles it by returning a FetchError.
func (f *Fetcher) fetch(ctx context.Context, url string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", f.userAgent)
	if f.cookie != nil {
		req.AddCookie(f.cookie)
	}

	res, err := f.Client.Do(req)
	if err != nil {
		return nil, "", err
	}

	finalURL := url
	if res.Request != nil && res.Request.URL != nil {
		finalURL = res.Request.URL.String()
	}

	if res.StatusCode == http.StatusTooManyRequests {
		res.Body.Close()
		retryAfter := defaultRetryAfter
		if retryAfterStr := res.Header.Get("Retry-After"); retryAfterStr != "" {
			retryAfter, err = strconv.Atoi(retryAfterStr)
			if err != nil {
				return nil, "", fmt.Errorf("invalid Retry-After header: %v", err)
			}
		}
		return nil, "", &FetchError{TooManyRequests: true, RetryAfter: retryAfter}
	}

	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		err := fmt.Errorf("unexpected status code: %d", res.StatusCode)
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			// Client errors won't heal with retries.
			return nil, "", backoff.Permanent(err)
		}
		return nil, "", err
	}

	return res.Body, finalURL, nil
}

// SetCookie attaches a cookie to all subsequent requests.
func (f *Fetcher) SetCookie(cookie *http.Cookie) {
	f.cookie = cookie
}

// makeDefaultBackoff creates and returns the default exponential backoff configuration.
func makeDefaultBackoff() backoff.BackOff {
	backOffCfg := backoff.NewExponentialBackOff()
	backOffCfg.MaxElapsedTime = defaultMaxElapsedTime
	backOffCfg.MaxInterval = defaultMaxInterval
	backOffCfg.Multiplier = 2.0

	return backOffCfg
}
