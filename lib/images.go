package lib

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ImageInfo contains information about a downloaded image.
type ImageInfo struct {
	OriginalURL string
	LocalPath   string
	Success     bool
	Error       error
}

// ImageLocalizeResult contains the results of localizing a post's images.
type ImageLocalizeResult struct {
	Images      []ImageInfo
	UpdatedHTML string
	Success     int
	Failed      int
}

// ImageLocalizer downloads the images referenced by a post body and
// rewrites the HTML to point at the local copies, so saved posts keep
// their figures offline.
type ImageLocalizer struct {
	fetcher   *Fetcher
	outputDir string
	imagesDir string
}

// NewImageLocalizer creates a new ImageLocalizer instance.
// If fetcher is nil, a default Fetcher is used.
func NewImageLocalizer(fetcher *Fetcher, outputDir, imagesDir string) *ImageLocalizer {
	if fetcher == nil {
		fetcher = NewFetcher()
	}
	if imagesDir == "" {
		imagesDir = "images"
	}
	return &ImageLocalizer{fetcher: fetcher, outputDir: outputDir, imagesDir: imagesDir}
}

// Localize downloads every image in htmlContent into
// <outputDir>/<imagesDir>/<postSlug>/ and returns the HTML with image
// references rewritten to relative local paths. Downloads run through
// the fetcher's concurrent pool; the browser session is never involved.
func (il *ImageLocalizer) Localize(ctx context.Context, htmlContent, postSlug string) (*ImageLocalizeResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML content: %w", err)
	}

	imageURLs := collectImageURLs(doc)
	if len(imageURLs) == 0 {
		return &ImageLocalizeResult{UpdatedHTML: htmlContent}, nil
	}

	imagesPath := filepath.Join(il.outputDir, il.imagesDir, postSlug)
	if err := os.MkdirAll(imagesPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}

	result := &ImageLocalizeResult{}
	urlToLocalPath := make(map[string]string)

	for fetched := range il.fetcher.FetchURLs(ctx, imageURLs) {
		info := ImageInfo{OriginalURL: fetched.Url}
		if fetched.Error != nil {
			info.Error = fetched.Error
		} else {
			info.LocalPath, info.Error = saveImage(fetched.Body, imagesPath, fetched.Url)
		}
		info.Success = info.Error == nil
		if info.Success {
			result.Success++
			urlToLocalPath[fetched.Url] = info.LocalPath
		} else {
			result.Failed++
		}
		result.Images = append(result.Images, info)
	}

	result.UpdatedHTML = rewriteImageRefs(doc, urlToLocalPath, il.outputDir)
	if result.UpdatedHTML == "" {
		result.UpdatedHTML = htmlContent
	}
	return result, nil
}

// collectImageURLs gathers the best-quality URL of each img element,
// preferring the widest srcset candidate over the plain src.
func collectImageURLs(doc *goquery.Document) []string {
	seen := make(map[string]bool)
	urls := []string{}
	doc.Find("img").Each(func(i int, s *goquery.Selection) {
		best := bestImageURL(s)
		if best == "" || seen[best] {
			return
		}
		if u, err := url.Parse(best); err != nil || !u.IsAbs() {
			return
		}
		seen[best] = true
		urls = append(urls, best)
	})
	return urls
}

// bestImageURL picks the highest-resolution URL advertised by an img tag.
func bestImageURL(s *goquery.Selection) string {
	if srcset, ok := s.Attr("srcset"); ok && srcset != "" {
		bestURL := ""
		bestWidth := -1
		for _, candidate := range strings.Split(srcset, ",") {
			fields := strings.Fields(strings.TrimSpace(candidate))
			if len(fields) == 0 {
				continue
			}
			width := 0
			if len(fields) > 1 && strings.HasSuffix(fields[1], "w") {
				width, _ = strconv.Atoi(strings.TrimSuffix(fields[1], "w"))
			}
			if width > bestWidth {
				bestWidth = width
				bestURL = fields[0]
			}
		}
		if bestURL != "" {
			return bestURL
		}
	}
	src, _ := s.Attr("src")
	return src
}

// saveImage writes a fetched image body to imagesPath, deriving the file
// name from the URL.
func saveImage(body io.ReadCloser, imagesPath, imageURL string) (string, error) {
	defer body.Close()

	filename := sanitizeFilename(filenameFromURL(imageURL))
	if filename == "" {
		h := fnv.New32a()
		h.Write([]byte(imageURL))
		filename = fmt.Sprintf("image_%08x", h.Sum32())
	}
	localPath := filepath.Join(imagesPath, filename)

	f, err := os.Create(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		os.Remove(localPath)
		return "", err
	}
	return localPath, nil
}

// rewriteImageRefs replaces downloaded image URLs with relative local
// paths and drops srcset attributes that would override them.
func rewriteImageRefs(doc *goquery.Document, urlToLocalPath map[string]string, outputDir string) string {
	doc.Find("img").Each(func(i int, s *goquery.Selection) {
		best := bestImageURL(s)
		localPath, ok := urlToLocalPath[best]
		if !ok {
			return
		}
		rel, err := filepath.Rel(outputDir, localPath)
		if err != nil {
			rel = filepath.Base(localPath)
		}
		s.SetAttr("src", filepath.ToSlash(rel))
		s.RemoveAttr("srcset")
	})
	// Rewrite image links (Substack wraps figures in anchor zoom links).
	doc.Find("a").Each(func(i int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		localPath, ok := urlToLocalPath[href]
		if !ok {
			return
		}
		rel, err := filepath.Rel(outputDir, localPath)
		if err != nil {
			rel = filepath.Base(localPath)
		}
		s.SetAttr("href", filepath.ToSlash(rel))
	})

	html, err := doc.Find("body").Html()
	if err != nil {
		return ""
	}
	return html
}

// filenameFromURL extracts the last path segment of an image URL.
// Substack CDN URLs nest the origin URL inside the path, so the segment
// after the final slash is the real file name.
func filenameFromURL(imageURL string) string {
	parsed, err := url.Parse(imageURL)
	if err != nil {
		return ""
	}
	path := parsed.Path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return path
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*%]`)

// sanitizeFilename removes or replaces unsafe characters in filenames.
func sanitizeFilename(filename string) string {
	safe := unsafeFilenameChars.ReplaceAllString(filename, "_")
	safe = strings.Trim(safe, " .")
	if len(safe) > 200 {
		safe = safe[:200]
	}
	return safe
}
