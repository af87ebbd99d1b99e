package lib

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/k3a/html2text"
)

// displayDateLayout is the human-readable date format used in output
// files and the index ("Jan 02, 2006").
const displayDateLayout = "Jan 02, 2006"

// excerptRuneLimit caps the plain-text excerpt shown on the index page.
const excerptRuneLimit = 200

// Post is a single extracted post: metadata plus the cleaned article
// body, stripped of navigation and reader chrome. Immutable once built.
type Post struct {
	URL         string
	Slug        string
	Title       string
	Subtitle    string
	Date        string
	PublishedAt time.Time
	Likes       int
	LikesKnown  bool
	BodyHTML    string
}

// ExtractPost parses a fetched page into a Post. Only the article body,
// title, byline, date, and like count survive; the rest of the page is
// dropped. Relative image and link targets are rewritten against the
// page's resolved URL.
//
// A page showing a paywall teaser without the article body is returned
// as an AccessDeniedError. A page with no recognizable article body is a
// ConversionError carrying the raw HTML for manual inspection.
func ExtractPost(page Page) (Post, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return Post{}, &ConversionError{URL: page.RequestedURL, Reason: fmt.Sprintf("parsing HTML: %v", err), RawHTML: page.HTML}
	}

	content := doc.Find("div.available-content").First()
	if content.Length() == 0 {
		if doc.Find("h2.paywall-title").Length() > 0 {
			return Post{}, &AccessDeniedError{
				RequestedURL: page.RequestedURL,
				FinalURL:     page.FinalURL,
				Reason:       "post is behind the paywall",
			}
		}
		return Post{}, &ConversionError{URL: page.RequestedURL, Reason: "no article body found", RawHTML: page.HTML}
	}

	post := Post{
		URL:  page.RequestedURL,
		Slug: slugFromURL(page.RequestedURL),
	}

	// Title renders as h2 when the post leads with a video.
	title := strings.TrimSpace(doc.Find("h1.post-title, h2").First().Text())
	if title == "" {
		title = "Untitled"
	}
	post.Title = title
	post.Subtitle = strings.TrimSpace(doc.Find("h3.subtitle").First().Text())

	post.Date, post.PublishedAt = extractDate(doc)
	post.Likes, post.LikesKnown = extractLikeCount(doc)

	rewriteRelativeURLs(content, page.FinalURL)

	bodyHTML, err := content.Html()
	if err != nil {
		return Post{}, &ConversionError{URL: page.RequestedURL, Reason: fmt.Sprintf("serializing article body: %v", err), RawHTML: page.HTML}
	}
	post.BodyHTML = strings.TrimSpace(bodyHTML)

	return post, nil
}

// extractDate reads the publish date, preferring the visible byline and
// falling back to the JSON-LD metadata block.
func extractDate(doc *goquery.Document) (string, time.Time) {
	visible := strings.TrimSpace(doc.Find("div.pencraft.pc-reset.color-pub-secondary-text-hGQ02T").First().Text())

	var published time.Time
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(i int, s *goquery.Selection) bool {
		var meta struct {
			DatePublished string `json:"datePublished"`
		}
		if err := json.Unmarshal([]byte(s.Text()), &meta); err != nil {
			return true
		}
		if meta.DatePublished == "" {
			return true
		}
		t, err := time.Parse(time.RFC3339, meta.DatePublished)
		if err != nil {
			return true
		}
		published = t
		return false
	})

	if visible != "" {
		if published.IsZero() {
			if t, err := time.Parse(displayDateLayout, visible); err == nil {
				published = t
			}
		}
		return visible, published
	}
	if !published.IsZero() {
		return published.Format(displayDateLayout), published
	}
	return "", time.Time{}
}

// extractLikeCount reads the like counter. Anything non-numeric (icon
// only, lazy-loaded label) counts as unknown.
func extractLikeCount(doc *goquery.Document) (int, bool) {
	label := strings.TrimSpace(doc.Find("a.post-ufi-button .label").First().Text())
	likes, err := strconv.Atoi(label)
	if err != nil || likes < 0 {
		return 0, false
	}
	return likes, true
}

// rewriteRelativeURLs makes img src and a href attributes absolute
// against the page URL so the saved copies keep working offline.
func rewriteRelativeURLs(content *goquery.Selection, pageURL string) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return
	}
	resolve := func(ref string) string {
		u, err := url.Parse(ref)
		if err != nil || u.IsAbs() {
			return ref
		}
		return base.ResolveReference(u).String()
	}
	content.Find("img").Each(func(i int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && src != "" {
			s.SetAttr("src", resolve(src))
		}
	})
	content.Find("a").Each(func(i int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok && href != "" && !strings.HasPrefix(href, "#") {
			s.SetAttr("href", resolve(href))
		}
	})
}

// ToMD converts the post to Markdown: a metadata header (title, optional
// subtitle, date and like count when known) followed by the converted
// article body. Pure function of the post, no network access.
func (p *Post) ToMD() (string, error) {
	converter := md.NewConverter("", true, nil)
	body, err := converter.ConvertString(p.BodyHTML)
	if err != nil {
		return "", &ConversionError{URL: p.URL, Reason: fmt.Sprintf("markdown conversion: %v", err), RawHTML: p.BodyHTML}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.Title)
	if p.Subtitle != "" {
		fmt.Fprintf(&b, "## %s\n\n", p.Subtitle)
	}
	if p.Date != "" {
		fmt.Fprintf(&b, "**%s**\n\n", p.Date)
	}
	if p.LikesKnown {
		fmt.Fprintf(&b, "**Likes:** %d\n\n", p.Likes)
	}
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n")
	return b.String(), nil
}

// htmlPageTemplate renders a post as a standalone page for local viewing.
var htmlPageTemplate = template.Must(template.New("post").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
{{- if .CSSPath}}
    <link rel="stylesheet" href="{{.CSSPath}}">
{{- end}}
</head>
<body>
    <main class="markdown-content">
    <h1>{{.Title}}</h1>
{{- if .Subtitle}}
    <h3 class="subtitle">{{.Subtitle}}</h3>
{{- end}}
{{- if .Date}}
    <p class="post-date"><strong>{{.Date}}</strong></p>
{{- end}}
{{- if .LikesKnown}}
    <p class="post-likes"><strong>Likes:</strong> {{.Likes}}</p>
{{- end}}
    <article>
{{.Body}}
    </article>
    </main>
</body>
</html>
`))

// ToHTML renders the post as a normalized standalone HTML page. cssPath
// is the relative stylesheet link to embed; empty omits the link.
func (p *Post) ToHTML(cssPath string) (string, error) {
	var buf bytes.Buffer
	err := htmlPageTemplate.Execute(&buf, struct {
		Title, Subtitle, Date, CSSPath string
		Likes                          int
		LikesKnown                     bool
		Body                           template.HTML
	}{
		Title:      p.Title,
		Subtitle:   p.Subtitle,
		Date:       p.Date,
		CSSPath:    cssPath,
		Likes:      p.Likes,
		LikesKnown: p.LikesKnown,
		Body:       template.HTML(p.BodyHTML),
	})
	if err != nil {
		return "", &ConversionError{URL: p.URL, Reason: fmt.Sprintf("rendering HTML page: %v", err)}
	}
	return buf.String(), nil
}

// Excerpt returns a short plain-text preview of the article body for the
// index page.
func (p *Post) Excerpt() string {
	text := strings.TrimSpace(html2text.HTML2Text(p.BodyHTML))
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= excerptRuneLimit {
		return text
	}
	return strings.TrimSpace(string(runes[:excerptRuneLimit])) + "…"
}

// slugFromURL derives the output file stem from the post permalink.
func slugFromURL(postURL string) string {
	trimmed := strings.TrimSuffix(postURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}
