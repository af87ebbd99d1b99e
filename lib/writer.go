package lib

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// stylesheetPath is where the viewer stylesheet lives relative to the
// working directory; HTML pages link to it with a relative path.
const stylesheetPath = "assets/css/essay-styles.css"

// Writer persists one Markdown file and one HTML page per post under the
// configured directories, nested per author. Existing files are
// overwritten so a re-run refreshes stale copies.
type Writer struct {
	markdownDir string
	htmlDir     string
	author      string
}

// NewWriter creates a Writer for the publication at baseURL, creating
// the per-author output directories if absent.
func NewWriter(baseURL, markdownDir, htmlDir string) (*Writer, error) {
	author := ExtractAuthorName(baseURL)
	if author == "" {
		return nil, fmt.Errorf("cannot derive author name from %q", baseURL)
	}
	w := &Writer{
		markdownDir: filepath.Join(markdownDir, author),
		htmlDir:     filepath.Join(htmlDir, author),
		author:      author,
	}
	if err := os.MkdirAll(w.markdownDir, 0755); err != nil {
		return nil, fmt.Errorf("creating markdown directory: %w", err)
	}
	if err := os.MkdirAll(w.htmlDir, 0755); err != nil {
		return nil, fmt.Errorf("creating html directory: %w", err)
	}
	return w, nil
}

// Author returns the author directory name derived from the base URL.
func (w *Writer) Author() string { return w.author }

// MarkdownDir returns the per-author markdown output directory.
func (w *Writer) MarkdownDir() string { return w.markdownDir }

// HTMLDir returns the per-author HTML output directory.
func (w *Writer) HTMLDir() string { return w.htmlDir }

// MarkdownPath returns the output path for a post's Markdown file.
func (w *Writer) MarkdownPath(slug string) string {
	return filepath.Join(w.markdownDir, slug+".md")
}

// HTMLPath returns the output path for a post's HTML page.
func (w *Writer) HTMLPath(slug string) string {
	return filepath.Join(w.htmlDir, slug+".html")
}

// CSSPath returns the stylesheet link relative to the HTML output
// directory, with forward slashes for web use.
func (w *Writer) CSSPath() string {
	rel, err := filepath.Rel(w.htmlDir, stylesheetPath)
	if err != nil {
		return stylesheetPath
	}
	return filepath.ToSlash(rel)
}

// WritePost writes the post's Markdown and HTML files. A failure is an
// I/O error for this post only; the caller keeps iterating.
func (w *Writer) WritePost(slug, markdownText, htmlText string) (mdPath, htmlPath string, err error) {
	mdPath = w.MarkdownPath(slug)
	if err := writeFile(mdPath, markdownText); err != nil {
		return "", "", fmt.Errorf("writing %s: %w", mdPath, err)
	}
	htmlPath = w.HTMLPath(slug)
	if err := writeFile(htmlPath, htmlText); err != nil {
		return "", "", fmt.Errorf("writing %s: %w", htmlPath, err)
	}
	return mdPath, htmlPath, nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return err
	}
	return f.Sync()
}

// ExtractAuthorName derives the author directory name from a publication
// URL: the leading host label, skipping a "www." prefix, with the bare
// substack.com reader host mapped to "substack".
func ExtractAuthorName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if host == "" {
		return ""
	}
	parts := strings.Split(host, ".")
	switch {
	case parts[0] == "www" && len(parts) > 1:
		return parts[1]
	case parts[0] == "substack" && len(parts) > 1:
		return "substack"
	default:
		return parts[0]
	}
}
