package lib

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
)

// settleRetryDelay is the pause before the single retry of a fetch that
// bounced to the reader home. A freshly logged-in session sometimes
// needs a moment before permalinks resolve. Variable so tests can
// shorten it.
var settleRetryDelay = 5 * time.Second

// Scraper runs the fetch → convert → write pipeline over post URLs,
// sequentially, against one shared fetcher (plain HTTP or the browser
// session). Per-post failures are collected, never propagated; only a
// cancelled context stops the loop early.
type Scraper struct {
	fetcher  PageFetcher
	writer   *Writer
	store    *MetadataStore
	images   *ImageLocalizer
	progress bool
	verbose  bool
}

// ScraperOption configures a Scraper.
type ScraperOption func(*Scraper)

// WithImageLocalizer makes the scraper download post images locally.
func WithImageLocalizer(il *ImageLocalizer) ScraperOption {
	return func(s *Scraper) { s.images = il }
}

// WithProgressBar toggles the terminal progress bar for bulk runs.
func WithProgressBar(enabled bool) ScraperOption {
	return func(s *Scraper) { s.progress = enabled }
}

// WithVerbose enables per-post log output.
func WithVerbose(verbose bool) ScraperOption {
	return func(s *Scraper) { s.verbose = verbose }
}

// NewScraper wires a scrape pipeline from its parts.
func NewScraper(fetcher PageFetcher, writer *Writer, store *MetadataStore, opts ...ScraperOption) *Scraper {
	s := &Scraper{fetcher: fetcher, writer: writer, store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScrapeAll processes urls in order and returns the aggregated summary.
func (s *Scraper) ScrapeAll(ctx context.Context, urls []string) RunSummary {
	var summary RunSummary

	var bar *progressbar.ProgressBar
	if s.progress {
		bar = progressbar.Default(int64(len(urls)), "scraping")
	}

	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		result := s.scrapePost(ctx, u)
		summary.Add(result)
		if result.Err != nil {
			log.Printf("Error scraping post %s: %v", u, result.Err)
		} else if s.verbose {
			log.Printf("Successfully scraped: %s", result.Title)
		}
		if bar != nil {
			bar.Add(1)
		}
	}

	return summary
}

// ScrapeOne processes a single post URL directly, bypassing enumeration.
func (s *Scraper) ScrapeOne(ctx context.Context, url string) PostResult {
	return s.scrapePost(ctx, url)
}

// scrapePost fetches, converts, and writes one post. A fetch that
// bounced to the reader home is retried once after a short delay, then
// reported as the post's failure; there is no retry loop.
func (s *Scraper) scrapePost(ctx context.Context, url string) PostResult {
	result := PostResult{URL: url}

	page, err := s.fetcher.FetchPage(ctx, url)
	if err != nil && IsAccessDenied(err) && ctx.Err() == nil {
		if s.verbose {
			log.Printf("Redirected away from %s, retrying once after %s", url, settleRetryDelay)
		}
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		case <-time.After(settleRetryDelay):
		}
		page, err = s.fetcher.FetchPage(ctx, url)
	}
	if err != nil {
		result.Err = err
		return result
	}

	post, err := ExtractPost(page)
	if err != nil {
		var convErr *ConversionError
		if errors.As(err, &convErr) {
			s.preserveRawHTML(convErr)
		}
		result.Err = err
		return result
	}
	result.Title = post.Title

	if s.images != nil {
		localized, err := s.images.Localize(ctx, post.BodyHTML, post.Slug)
		if err != nil {
			log.Printf("Warning: image localization failed for %s: %v (keeping remote references)", url, err)
		} else {
			post.BodyHTML = localized.UpdatedHTML
			if localized.Failed > 0 {
				log.Printf("Warning: %d image(s) failed to download for %s", localized.Failed, url)
			}
		}
	}

	markdown, err := post.ToMD()
	if err != nil {
		result.Err = err
		return result
	}
	html, err := post.ToHTML(s.writer.CSSPath())
	if err != nil {
		result.Err = err
		return result
	}

	mdPath, htmlPath, err := s.writer.WritePost(post.Slug, markdown, html)
	if err != nil {
		result.Err = err
		return result
	}
	result.Path = mdPath

	if _, err := s.store.Merge(s.writer.Author(), []IndexEntry{EntryForPost(&post, mdPath, htmlPath)}); err != nil {
		log.Printf("Warning: failed to record index metadata for %s: %v", url, err)
	}

	return result
}

// preserveRawHTML dumps the unconvertible page next to the markdown
// output so it can be inspected by hand.
func (s *Scraper) preserveRawHTML(convErr *ConversionError) {
	if convErr.RawHTML == "" {
		return
	}
	slug := slugFromURL(convErr.URL)
	if slug == "" {
		slug = "unparsed"
	}
	path := filepath.Join(s.writer.MarkdownDir(), slug+".raw.html")
	if err := writeFile(path, convErr.RawHTML); err != nil {
		log.Printf("Warning: could not preserve raw HTML for %s: %v", convErr.URL, err)
		return
	}
	log.Printf("Raw HTML preserved at %s", path)
}

// RebuildIndex regenerates the author's index page from the metadata
// store. Called once at the end of every run, including empty ones.
func (s *Scraper) RebuildIndex(htmlBaseDir string, key SortKey) (string, error) {
	entries, err := s.store.Load(s.writer.Author())
	if err != nil {
		return "", err
	}
	return WriteIndex(htmlBaseDir, s.writer.Author(), entries, key)
}
