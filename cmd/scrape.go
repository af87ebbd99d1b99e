package cmd

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/substack2md/substack2md/lib"
)

// Default output directories, matching the historical layout.
const (
	defaultMarkdownDir = "substack_md_files"
	defaultHTMLDir     = "substack_html_pages"
	defaultDataDir     = "data"
)

var (
	scrapeURL        string
	markdownDir      string
	htmlDir          string
	numPosts         int
	premium          bool
	headless         bool
	singlePost       string
	chromePath       string
	chromeDriverPath string
	userAgent        string
	downloadImages   bool
	sortKeyFlag      string
	homePaths        []string

	scrapeCmd = &cobra.Command{
		Use:   "scrape",
		Short: "Scrape a publication (or a single post) into Markdown and HTML files",
		Long: `Fetches a publication's posts, converts each to Markdown and a static
HTML page, and rebuilds the author's browsable index. With --premium the
posts are fetched through a logged-in browser session so subscriber-only
content is included.`,
		RunE: runScrape,
	}
)

func runScrape(cmd *cobra.Command, args []string) error {
	sortKey, err := lib.ParseSortKey(sortKeyFlag)
	if err != nil {
		return err
	}

	postURL, baseURL, err := resolveTarget()
	if err != nil {
		return err
	}

	// The browser (when open) must be released on interrupt too.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher, err := newFetcher(userAgent)
	if err != nil {
		return err
	}

	var pageFetcher lib.PageFetcher = fetcher
	if premium {
		session, err := lib.OpenSession(ctx, lib.SessionOptions{
			Headless:   headless,
			ChromePath: firstNonEmpty(chromePath, chromeDriverPath),
			UserAgent:  userAgent,
			HomePaths:  homePaths,
		})
		if err != nil {
			return err
		}
		defer session.Close()

		if err := session.Login(ctx, lib.LoadCredentials()); err != nil {
			return err
		}
		pageFetcher = session
	}

	writer, err := lib.NewWriter(baseURL, markdownDir, htmlDir)
	if err != nil {
		return err
	}
	store := lib.NewMetadataStore(defaultDataDir)

	opts := []lib.ScraperOption{
		lib.WithVerbose(verbose),
		lib.WithProgressBar(postURL == ""),
	}
	if downloadImages {
		opts = append(opts, lib.WithImageLocalizer(lib.NewImageLocalizer(fetcher, writer.MarkdownDir(), "images")))
	}
	scraper := lib.NewScraper(pageFetcher, writer, store, opts...)

	startTime := time.Now()

	if postURL != "" {
		log.Printf("Scraping single post: %s", postURL)
		if result := scraper.ScrapeOne(ctx, postURL); result.Err != nil {
			// Per-post failures do not change the exit code.
			log.Printf("Error scraping post %s: %v", postURL, result.Err)
		} else {
			log.Printf("Saved %s", result.Path)
		}
	} else {
		urls, err := lib.NewEnumerator(fetcher).ListPosts(ctx, baseURL, numPosts)
		if err != nil {
			return fmt.Errorf("listing posts of %s: %w", baseURL, err)
		}
		if verbose {
			log.Printf("Found %d post(s)", len(urls))
		}
		summary := scraper.ScrapeAll(ctx, urls)
		log.Printf("Scraped %d post(s): %d succeeded, %d failed in %s",
			summary.Attempted, summary.Succeeded, summary.Failed, time.Since(startTime).Round(time.Second))
	}

	indexPath, err := scraper.RebuildIndex(htmlDir, sortKey)
	if err != nil {
		log.Printf("Error building index: %v", err)
		return nil
	}
	if verbose {
		log.Printf("Index written to %s", indexPath)
	}
	return nil
}

// resolveTarget decides between bulk and single-post mode and derives
// the publication base URL. A post permalink passed to --url is treated
// as --single-post with a warning.
func resolveTarget() (postURL, baseURL string, err error) {
	switch {
	case singlePost != "":
		postURL = strings.TrimSpace(singlePost)
	case scrapeURL == "":
		return "", "", fmt.Errorf("either --url or --single-post is required")
	case strings.Contains(scrapeURL, "/p/") || strings.Contains(scrapeURL, "/home/post/"):
		log.Println("Warning: the --url value looks like a post URL, not a base URL; scraping it as a single post (did you mean --single-post?)")
		postURL = strings.TrimSpace(scrapeURL)
	default:
		baseURL = scrapeURL
	}

	if postURL != "" {
		baseURL, err = baseURLForPost(postURL)
		if err != nil {
			return "", "", err
		}
	} else if _, err := parseURL(baseURL); err != nil {
		return "", "", fmt.Errorf("invalid publication url: %w", err)
	}
	return postURL, baseURL, nil
}

// baseURLForPost derives the publication base from a post permalink.
// Reader-app permalinks (substack.com/home/post/...) have no publication
// host, so they fall back to the shared substack.com base.
func baseURLForPost(postURL string) (string, error) {
	u, err := parseURL(postURL)
	if err != nil {
		return "", fmt.Errorf("invalid post url: %w", err)
	}
	if strings.Contains(postURL, "/home/post/") || u.Hostname() == "substack.com" {
		return "https://substack.com/", nil
	}
	return fmt.Sprintf("%s://%s/", u.Scheme, u.Host), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	rootCmd.AddCommand(scrapeCmd)
	scrapeCmd.Flags().StringVarP(&scrapeURL, "url", "u", "", "The base URL of the Substack publication to scrape")
	scrapeCmd.Flags().StringVarP(&markdownDir, "directory", "d", defaultMarkdownDir, "The directory to save Markdown files")
	scrapeCmd.Flags().StringVar(&htmlDir, "html-directory", defaultHTMLDir, "The directory to save HTML pages")
	scrapeCmd.Flags().IntVarP(&numPosts, "number", "n", 0, "The number of posts to scrape (0 = all)")
	scrapeCmd.Flags().BoolVarP(&premium, "premium", "p", false, "Log into Substack with a controlled browser to fetch subscriber-only posts")
	scrapeCmd.Flags().BoolVar(&headless, "headless", false, "Run the browser in headless mode (premium only; captchas require a visible window)")
	scrapeCmd.Flags().StringVar(&singlePost, "single-post", "", "Scrape a single post URL instead of a whole publication")
	scrapeCmd.Flags().StringVar(&chromePath, "chrome-path", "", "Path to the Chrome/Chromium executable")
	scrapeCmd.Flags().StringVar(&chromeDriverPath, "chrome-driver-path", "", "Accepted for compatibility; the DevTools protocol needs no driver binary, the value is used as a browser path fallback")
	scrapeCmd.Flags().StringVar(&userAgent, "user-agent", "", "Custom user agent for the browser and HTTP fetches")
	scrapeCmd.Flags().BoolVar(&downloadImages, "images", false, "Download post images next to the Markdown output")
	scrapeCmd.Flags().StringVar(&sortKeyFlag, "sort", string(lib.SortByDate), "Index sort key (date or likes)")
	scrapeCmd.Flags().StringSliceVar(&homePaths, "home-paths", nil, "URL paths treated as the reader home when detecting redirects (default: the known Substack set)")
}
