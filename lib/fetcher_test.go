package lib

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetcher(opts ...FetcherOption) *Fetcher {
	base := []FetcherOption{
		WithRatePerSecond(1000),
		WithBackOffConfig(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)),
	}
	return NewFetcher(append(base, opts...)...)
}

func TestFetchURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello")
	}))
	defer server.Close()

	body, err := testFetcher().FetchURL(context.Background(), server.URL)
	require.NoError(t, err)
	defer body.Close()

	content, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestFetchURLNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := testFetcher().FetchURL(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code: 404")
}

func TestFetchURLTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "recovered")
	}))
	defer server.Close()

	body, err := testFetcher().FetchURL(context.Background(), server.URL)
	require.NoError(t, err)
	defer body.Close()

	content, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(content))
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestFetchPageResolvesRedirects(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/p/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/home", http.StatusFound)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>reader home</body></html>")
	})

	page, err := testFetcher().FetchPage(context.Background(), server.URL+"/p/moved")
	require.NoError(t, err)
	// The final URL reflects where the client actually landed, so the
	// caller can classify the bounce.
	assert.Equal(t, server.URL+"/p/moved", page.RequestedURL)
	assert.Equal(t, server.URL+"/home", page.FinalURL)
	assert.Contains(t, page.HTML, "reader home")
}

func TestFetcherUserAgentAndCookie(t *testing.T) {
	var gotUA, gotCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		if c, err := r.Cookie("substack.sid"); err == nil {
			gotCookie = c.Value
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	f := testFetcher(
		WithUserAgent("custom-agent/1.0"),
		WithCookie(&http.Cookie{Name: "substack.sid", Value: "secret"}),
	)
	body, err := f.FetchURL(context.Background(), server.URL)
	require.NoError(t, err)
	body.Close()

	assert.Equal(t, "custom-agent/1.0", gotUA)
	assert.Equal(t, "secret", gotCookie)
}

func TestFetchURLs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, r.URL.Path)
	}))
	defer server.Close()

	urls := []string{server.URL + "/a", server.URL + "/b", server.URL + "/c"}
	seen := map[string]string{}
	for res := range testFetcher().FetchURLs(context.Background(), urls) {
		require.NoError(t, res.Error)
		content, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		res.Body.Close()
		seen[res.Url] = string(content)
	}

	require.Len(t, seen, 3)
	assert.Equal(t, "/a", seen[server.URL+"/a"])
	assert.Equal(t, "/b", seen[server.URL+"/b"])
	assert.Equal(t, "/c", seen[server.URL+"/c"])
}
