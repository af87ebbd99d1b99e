package lib

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// sectionKeywords are URL fragments that mark non-post pages linked from
// the sitemap (about page, archive listing, podcast feed).
var sectionKeywords = []string{"about", "archive", "podcast"}

// Enumerator lists the post URLs of a publication from its sitemap, with
// a feed.xml fallback for sites that do not expose one.
type Enumerator struct {
	fetcher *Fetcher
}

// NewEnumerator creates a new Enumerator with the provided Fetcher.
// If the Fetcher is nil, a default Fetcher will be used.
func NewEnumerator(f *Fetcher) *Enumerator {
	if f == nil {
		f = NewFetcher()
	}
	return &Enumerator{fetcher: f}
}

// ListPosts returns the publication's post URLs in sitemap order, capped
// at limit (0 = all). An empty publication yields an empty slice, not an
// error.
func (e *Enumerator) ListPosts(ctx context.Context, baseURL string, limit int) ([]string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid publication URL %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid publication URL %q: missing scheme or host", baseURL)
	}

	urls, err := e.fromSitemap(ctx, u)
	if err != nil || len(urls) == 0 {
		// The sitemap carries the full archive; the feed only holds the
		// most recent posts, so it is strictly a fallback.
		urls, err = e.fromFeed(ctx, u)
		if err != nil {
			return nil, err
		}
	}

	urls = filterPostURLs(urls)
	if limit > 0 && len(urls) > limit {
		urls = urls[:limit]
	}
	return urls, nil
}

// fromSitemap fetches sitemap.xml and collects every <loc> entry.
func (e *Enumerator) fromSitemap(ctx context.Context, base *url.URL) ([]string, error) {
	sitemapURL := *base
	sitemapURL.Path = joinPath(base.Path, "sitemap.xml")

	body, err := e.fetcher.FetchURL(ctx, sitemapURL.String())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	urls := []string{}
	doc.Find("loc").EachWithBreak(func(i int, s *goquery.Selection) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		urls = append(urls, strings.TrimSpace(s.Text()))
		return true
	})

	return urls, ctx.Err()
}

// fromFeed fetches feed.xml and collects the <link> of every <item>.
// Parsed with encoding/xml because the HTML parser treats <link> as a
// void element and drops its text. Substack feeds only contain up to
// the 22 most recent posts.
func (e *Enumerator) fromFeed(ctx context.Context, base *url.URL) ([]string, error) {
	feedURL := *base
	feedURL.Path = joinPath(base.Path, "feed.xml")

	body, err := e.fetcher.FetchURL(ctx, feedURL.String())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var feed struct {
		Items []struct {
			Link string `xml:"link"`
		} `xml:"channel>item"`
	}
	if err := xml.NewDecoder(body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("parsing feed.xml: %w", err)
	}

	urls := []string{}
	for _, item := range feed.Items {
		if link := strings.TrimSpace(item.Link); link != "" {
			urls = append(urls, link)
		}
	}
	return urls, nil
}

// filterPostURLs keeps only post permalinks, dropping section pages.
func filterPostURLs(urls []string) []string {
	filtered := []string{}
	for _, u := range urls {
		if !strings.Contains(u, "/p/") {
			continue
		}
		if containsAnyKeyword(u, sectionKeywords) {
			continue
		}
		filtered = append(filtered, u)
	}
	return filtered
}

func containsAnyKeyword(u string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(u, kw) {
			return true
		}
	}
	return false
}

func joinPath(base, elem string) string {
	base = strings.TrimSuffix(base, "/")
	return base + "/" + elem
}
