package lib

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPostHTML assembles a full Substack-like page around the given
// article body, including the navigation chrome that must be stripped.
func buildPostHTML(title, subtitle, date, likes, bodyHTML string) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><title>ignored</title></head><body>`)
	b.WriteString(`<nav class="topbar"><a href="/about">About</a><a href="/archive">Archive</a></nav>`)
	if title != "" {
		b.WriteString(`<h1 class="post-title">` + title + `</h1>`)
	}
	if subtitle != "" {
		b.WriteString(`<h3 class="subtitle">` + subtitle + `</h3>`)
	}
	if date != "" {
		b.WriteString(`<div class="pencraft pc-reset color-pub-secondary-text-hGQ02T">` + date + `</div>`)
	}
	if likes != "" {
		b.WriteString(`<a class="post-ufi-button" href="#"><span class="label">` + likes + `</span></a>`)
	}
	b.WriteString(`<div class="available-content">` + bodyHTML + `</div>`)
	b.WriteString(`<footer class="site-footer"><a href="/podcast">Podcast</a></footer>`)
	b.WriteString(`</body></html>`)
	return b.String()
}

func TestExtractPost(t *testing.T) {
	page := Page{
		RequestedURL: "https://author.substack.com/p/hello-world",
		FinalURL:     "https://author.substack.com/p/hello-world",
		HTML:         buildPostHTML("Hello World", "A greeting", "Jan 02, 2024", "42", "<p>Hi</p>"),
	}

	post, err := ExtractPost(page)
	require.NoError(t, err)

	assert.Equal(t, "Hello World", post.Title)
	assert.Equal(t, "A greeting", post.Subtitle)
	assert.Equal(t, "Jan 02, 2024", post.Date)
	assert.Equal(t, 42, post.Likes)
	assert.True(t, post.LikesKnown)
	assert.Equal(t, "hello-world", post.Slug)
	assert.Contains(t, post.BodyHTML, "<p>Hi</p>")
	assert.NotContains(t, post.BodyHTML, "topbar")
	assert.NotContains(t, post.BodyHTML, "site-footer")
}

func TestExtractPostTitleFallsBackToH2(t *testing.T) {
	// Video posts render the title as a plain h2.
	html := `<html><body><h2>Video Title</h2><div class="available-content"><p>clip</p></div></body></html>`
	post, err := ExtractPost(Page{RequestedURL: "https://a.substack.com/p/video", FinalURL: "https://a.substack.com/p/video", HTML: html})
	require.NoError(t, err)
	assert.Equal(t, "Video Title", post.Title)
}

func TestExtractPostDateFromJSONLD(t *testing.T) {
	html := `<html><body>
<h1 class="post-title">Dated</h1>
<script type="application/ld+json">{"datePublished": "2023-06-15T12:30:00Z"}</script>
<div class="available-content"><p>text</p></div>
</body></html>`
	post, err := ExtractPost(Page{RequestedURL: "https://a.substack.com/p/dated", FinalURL: "https://a.substack.com/p/dated", HTML: html})
	require.NoError(t, err)
	assert.Equal(t, "Jun 15, 2023", post.Date)
	assert.Equal(t, 2023, post.PublishedAt.Year())
}

func TestExtractPostUnknownLikes(t *testing.T) {
	page := Page{
		RequestedURL: "https://a.substack.com/p/nolikes",
		FinalURL:     "https://a.substack.com/p/nolikes",
		HTML:         buildPostHTML("No Likes", "", "", "", "<p>text</p>"),
	}
	post, err := ExtractPost(page)
	require.NoError(t, err)
	assert.False(t, post.LikesKnown)
	assert.Equal(t, 0, post.Likes)
}

func TestExtractPostPaywall(t *testing.T) {
	html := `<html><body><h2 class="paywall-title">This post is for paid subscribers</h2></body></html>`
	_, err := ExtractPost(Page{RequestedURL: "https://a.substack.com/p/locked", FinalURL: "https://a.substack.com/p/locked", HTML: html})
	require.Error(t, err)
	assert.True(t, IsAccessDenied(err))
}

func TestExtractPostNoBodyIsConversionError(t *testing.T) {
	html := `<html><body><h1 class="post-title">Broken</h1></body></html>`
	_, err := ExtractPost(Page{RequestedURL: "https://a.substack.com/p/broken", FinalURL: "https://a.substack.com/p/broken", HTML: html})
	require.Error(t, err)

	convErr, ok := err.(*ConversionError)
	require.True(t, ok)
	// The raw page is preserved for manual inspection.
	assert.Equal(t, html, convErr.RawHTML)
}

func TestExtractPostRewritesRelativeURLs(t *testing.T) {
	body := `<p><a href="/p/other-post">other</a><img src="/images/pic.png"><a href="#footnote">fn</a></p>`
	page := Page{
		RequestedURL: "https://author.substack.com/p/links",
		FinalURL:     "https://author.substack.com/p/links",
		HTML:         buildPostHTML("Links", "", "", "", body),
	}
	post, err := ExtractPost(page)
	require.NoError(t, err)
	assert.Contains(t, post.BodyHTML, `href="https://author.substack.com/p/other-post"`)
	assert.Contains(t, post.BodyHTML, `src="https://author.substack.com/images/pic.png"`)
	// Fragment links stay as-is.
	assert.Contains(t, post.BodyHTML, `href="#footnote"`)
}

func TestToMDExactMapping(t *testing.T) {
	// A bare post (no subtitle, date, or likes) maps heading and body
	// exactly, with no extra metadata lines.
	post := Post{
		URL:      "https://author.substack.com/p/hello-world",
		Slug:     "hello-world",
		Title:    "Hello World",
		BodyHTML: "<p>Hi</p>",
	}
	md, err := post.ToMD()
	require.NoError(t, err)
	assert.Equal(t, "# Hello World\n\nHi\n", md)
}

func TestToMDMetadataHeader(t *testing.T) {
	post := Post{
		Title:      "Full Post",
		Subtitle:   "With everything",
		Date:       "Jan 02, 2024",
		Likes:      7,
		LikesKnown: true,
		BodyHTML:   "<p>Body <strong>text</strong>.</p>",
	}
	md, err := post.ToMD()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(md, "# Full Post\n\n## With everything\n\n**Jan 02, 2024**\n\n**Likes:** 7\n\n"))
	assert.Contains(t, md, "Body **text**.")
}

func TestToMDDeterministic(t *testing.T) {
	page := Page{
		RequestedURL: "https://a.substack.com/p/stable",
		FinalURL:     "https://a.substack.com/p/stable",
		HTML: buildPostHTML("Stable", "", "Jan 01, 2024", "3",
			`<h2>Section</h2><p>Some <em>emphasis</em></p><ul><li>one</li><li>two</li></ul><blockquote>quoted</blockquote><p><a href="https://example.com/ref">ref</a> <img src="https://example.com/i.png" alt="pic"></p>`),
	}
	post1, err := ExtractPost(page)
	require.NoError(t, err)
	post2, err := ExtractPost(page)
	require.NoError(t, err)

	md1, err := post1.ToMD()
	require.NoError(t, err)
	md2, err := post2.ToMD()
	require.NoError(t, err)
	assert.Equal(t, md1, md2)

	// Structure survives conversion.
	assert.Contains(t, md1, "## Section")
	assert.Contains(t, md1, "emphasis")
	assert.NotContains(t, md1, "<em>")
	assert.Contains(t, md1, "- one")
	assert.Contains(t, md1, "> quoted")
	assert.Contains(t, md1, "[ref](https://example.com/ref)")
	assert.Contains(t, md1, "![pic](https://example.com/i.png)")

	// Chrome never leaks into the Markdown.
	assert.NotContains(t, md1, "topbar")
	assert.NotContains(t, md1, "/podcast")
	assert.NotContains(t, md1, "<nav")
}

func TestToHTML(t *testing.T) {
	post := Post{
		Title:      "Hello World",
		Subtitle:   "sub",
		Date:       "Jan 02, 2024",
		Likes:      5,
		LikesKnown: true,
		BodyHTML:   "<p>Hi</p>",
	}
	html, err := post.ToHTML("../assets/css/essay-styles.css")
	require.NoError(t, err)
	assert.Contains(t, html, "<title>Hello World</title>")
	assert.Contains(t, html, `<link rel="stylesheet" href="../assets/css/essay-styles.css">`)
	assert.Contains(t, html, "<p>Hi</p>")
	assert.Contains(t, html, "<h3 class=\"subtitle\">sub</h3>")

	// Without a stylesheet the link is omitted entirely.
	bare, err := post.ToHTML("")
	require.NoError(t, err)
	assert.NotContains(t, bare, "stylesheet")
}

func TestExcerpt(t *testing.T) {
	post := Post{BodyHTML: "<p>Short body.</p>"}
	assert.Equal(t, "Short body.", post.Excerpt())

	long := strings.Repeat("<p>word word word word word</p>", 50)
	post = Post{BodyHTML: long}
	excerpt := post.Excerpt()
	assert.LessOrEqual(t, len([]rune(excerpt)), excerptRuneLimit+1)
	assert.True(t, strings.HasSuffix(excerpt, "…"))
}

func TestSlugFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://author.substack.com/p/hello-world", "hello-world"},
		{"https://author.substack.com/p/hello-world/", "hello-world"},
		{"https://author.substack.com/p/hello-world?utm_source=x", "hello-world"},
		{"https://substack.com/home/post/p-182828153", "p-182828153"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slugFromURL(tt.url), tt.url)
	}
}
