package lib

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher serves canned pages and errors, counting calls per URL.
type stubFetcher struct {
	pages map[string]Page
	errs  map[string]error
	calls map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		pages: map[string]Page{},
		errs:  map[string]error{},
		calls: map[string]int{},
	}
}

func (f *stubFetcher) addPost(url, title, body string) {
	f.pages[url] = Page{
		RequestedURL: url,
		FinalURL:     url,
		HTML:         buildPostHTML(title, "", "Jan 02, 2024", "5", body),
	}
}

func (f *stubFetcher) FetchPage(ctx context.Context, url string) (Page, error) {
	f.calls[url]++
	if err, ok := f.errs[url]; ok {
		return Page{}, err
	}
	page, ok := f.pages[url]
	if !ok {
		return Page{}, fmt.Errorf("no stub page for %s", url)
	}
	return page, nil
}

func newTestScraper(t *testing.T, fetcher PageFetcher) (*Scraper, *Writer, string) {
	t.Helper()
	dir := t.TempDir()
	writer, err := NewWriter("https://author.substack.com/", filepath.Join(dir, "md"), filepath.Join(dir, "html"))
	require.NoError(t, err)
	store := NewMetadataStore(filepath.Join(dir, "data"))
	return NewScraper(fetcher, writer, store), writer, filepath.Join(dir, "html")
}

func TestScrapeAllWritesPosts(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPost("https://author.substack.com/p/one", "Post One", "<p>first</p>")
	fetcher.addPost("https://author.substack.com/p/two", "Post Two", "<p>second</p>")

	scraper, writer, _ := newTestScraper(t, fetcher)
	summary := scraper.ScrapeAll(context.Background(), []string{
		"https://author.substack.com/p/one",
		"https://author.substack.com/p/two",
	})

	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)

	md, err := readFileString(writer.MarkdownPath("one"))
	require.NoError(t, err)
	assert.Contains(t, md, "# Post One")
	assert.Contains(t, md, "first")

	html, err := readFileString(writer.HTMLPath("two"))
	require.NoError(t, err)
	assert.Contains(t, html, "<title>Post Two</title>")
}

func TestScrapeAllIsolatesFailures(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPost("https://author.substack.com/p/good", "Good", "<p>ok</p>")
	fetcher.errs["https://author.substack.com/p/denied"] = &AccessDeniedError{
		RequestedURL: "https://author.substack.com/p/denied",
		FinalURL:     "https://substack.com/home",
		Reason:       "paywalled",
	}
	fetcher.addPost("https://author.substack.com/p/also-good", "Also Good", "<p>ok too</p>")

	oldDelay := settleRetryDelay
	settleRetryDelay = time.Millisecond
	defer func() { settleRetryDelay = oldDelay }()

	scraper, writer, _ := newTestScraper(t, fetcher)
	summary := scraper.ScrapeAll(context.Background(), []string{
		"https://author.substack.com/p/good",
		"https://author.substack.com/p/denied",
		"https://author.substack.com/p/also-good",
	})

	// One bad post never stops the bulk scrape.
	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	assert.FileExists(t, writer.MarkdownPath("good"))
	assert.FileExists(t, writer.MarkdownPath("also-good"))

	var found bool
	for _, r := range summary.Results {
		if r.URL == "https://author.substack.com/p/denied" {
			found = true
			assert.True(t, IsAccessDenied(r.Err))
		}
	}
	assert.True(t, found)
}

func TestScrapeRetriesOnceAfterRedirect(t *testing.T) {
	url := "https://author.substack.com/p/settling"
	fetcher := newStubFetcher()
	denied := &AccessDeniedError{RequestedURL: url, FinalURL: "https://substack.com/home", Reason: "not settled"}

	// First call bounces, second succeeds.
	firstCall := true
	retrying := &retryingFetcher{inner: fetcher, onCall: func() error {
		if firstCall {
			firstCall = false
			return denied
		}
		return nil
	}}
	fetcher.addPost(url, "Settled", "<p>eventually</p>")

	oldDelay := settleRetryDelay
	settleRetryDelay = time.Millisecond
	defer func() { settleRetryDelay = oldDelay }()

	scraper, _, _ := newTestScraper(t, retrying)
	result := scraper.ScrapeOne(context.Background(), url)
	require.NoError(t, result.Err)
	assert.Equal(t, "Settled", result.Title)
	assert.Equal(t, 2, fetcher.calls[url])
}

// retryingFetcher injects an error before delegating to the inner stub.
type retryingFetcher struct {
	inner  *stubFetcher
	onCall func() error
}

func (f *retryingFetcher) FetchPage(ctx context.Context, url string) (Page, error) {
	f.inner.calls[url]++
	if err := f.onCall(); err != nil {
		return Page{}, err
	}
	delete(f.inner.errs, url)
	page, ok := f.inner.pages[url]
	if !ok {
		return Page{}, fmt.Errorf("no stub page for %s", url)
	}
	return page, nil
}

func TestScrapeDoesNotRetryTwice(t *testing.T) {
	url := "https://author.substack.com/p/locked"
	fetcher := newStubFetcher()
	fetcher.errs[url] = &AccessDeniedError{RequestedURL: url, FinalURL: "https://substack.com/home", Reason: "paywalled"}

	oldDelay := settleRetryDelay
	settleRetryDelay = time.Millisecond
	defer func() { settleRetryDelay = oldDelay }()

	scraper, _, _ := newTestScraper(t, fetcher)
	result := scraper.ScrapeOne(context.Background(), url)
	require.Error(t, result.Err)
	assert.True(t, IsAccessDenied(result.Err))
	// Exactly one retry, never a loop.
	assert.Equal(t, 2, fetcher.calls[url])
}

func TestScrapePreservesRawHTMLOnConversionError(t *testing.T) {
	url := "https://author.substack.com/p/mangled"
	raw := "<html><body><h1 class=\"post-title\">Mangled</h1></body></html>"
	fetcher := newStubFetcher()
	fetcher.pages[url] = Page{RequestedURL: url, FinalURL: url, HTML: raw}

	scraper, writer, _ := newTestScraper(t, fetcher)
	result := scraper.ScrapeOne(context.Background(), url)
	require.Error(t, result.Err)

	var convErr *ConversionError
	require.True(t, errors.As(result.Err, &convErr))

	preserved, err := readFileString(filepath.Join(writer.MarkdownDir(), "mangled.raw.html"))
	require.NoError(t, err)
	assert.Equal(t, raw, preserved)
}

func TestEmptyRunProducesValidIndex(t *testing.T) {
	scraper, _, htmlBase := newTestScraper(t, newStubFetcher())

	summary := scraper.ScrapeAll(context.Background(), nil)
	assert.Equal(t, 0, summary.Attempted)

	indexPath, err := scraper.RebuildIndex(htmlBase, SortByDate)
	require.NoError(t, err)

	html, err := readFileString(indexPath)
	require.NoError(t, err)
	assert.Contains(t, html, "<title>author — posts</title>")
	assert.Contains(t, html, `id="essaysData"`)
}

func TestScrapeRebuildIndexAfterRun(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.addPost("https://author.substack.com/p/indexed", "Indexed", "<p>body</p>")

	scraper, _, htmlBase := newTestScraper(t, fetcher)
	scraper.ScrapeAll(context.Background(), []string{"https://author.substack.com/p/indexed"})

	indexPath, err := scraper.RebuildIndex(htmlBase, SortByLikes)
	require.NoError(t, err)

	html, err := readFileString(indexPath)
	require.NoError(t, err)
	assert.Contains(t, html, ">Indexed<")
	assert.Contains(t, html, `href="author/indexed.html"`)
}
