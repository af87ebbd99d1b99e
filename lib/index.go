package lib

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// SortKey selects the ordering of the index page.
type SortKey string

const (
	SortByDate  SortKey = "date"
	SortByLikes SortKey = "likes"
)

// ParseSortKey validates a user-supplied sort key.
func ParseSortKey(s string) (SortKey, error) {
	switch SortKey(s) {
	case SortByDate, SortByLikes:
		return SortKey(s), nil
	default:
		return "", fmt.Errorf("unknown sort key %q (options: date, likes)", s)
	}
}

// IndexEntry is the derived view of a scraped post used to render the
// browsable index. LikeCount is zero when the post's likes were unknown.
type IndexEntry struct {
	Title        string `json:"title"`
	Subtitle     string `json:"subtitle"`
	Date         string `json:"date"`
	LikeCount    int    `json:"like_count"`
	Excerpt      string `json:"excerpt,omitempty"`
	MarkdownPath string `json:"file_link"`
	HTMLPath     string `json:"html_link"`
}

// EntryForPost builds the index entry for a converted post.
func EntryForPost(p *Post, mdPath, htmlPath string) IndexEntry {
	return IndexEntry{
		Title:        p.Title,
		Subtitle:     p.Subtitle,
		Date:         p.Date,
		LikeCount:    p.Likes,
		Excerpt:      p.Excerpt(),
		MarkdownPath: filepath.ToSlash(mdPath),
		HTMLPath:     filepath.ToSlash(htmlPath),
	}
}

// MetadataStore persists index entries as one JSON file per author, so
// the index can be rebuilt across runs without refetching anything.
type MetadataStore struct {
	dataDir string
}

// NewMetadataStore creates a store rooted at dataDir.
func NewMetadataStore(dataDir string) *MetadataStore {
	if dataDir == "" {
		dataDir = "data"
	}
	return &MetadataStore{dataDir: dataDir}
}

func (m *MetadataStore) path(author string) string {
	return filepath.Join(m.dataDir, author+".json")
}

// Load returns the stored entries for author. A missing file is an empty
// index, not an error.
func (m *MetadataStore) Load(author string) ([]IndexEntry, error) {
	raw, err := os.ReadFile(m.path(author))
	if os.IsNotExist(err) {
		return []IndexEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("corrupt metadata file %s: %w", m.path(author), err)
	}
	return entries, nil
}

// Merge folds new entries into the stored set, replacing any entry with
// the same markdown path, and saves the result.
func (m *MetadataStore) Merge(author string, entries []IndexEntry) ([]IndexEntry, error) {
	existing, err := m.Load(author)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]int, len(existing))
	for i, e := range existing {
		byPath[e.MarkdownPath] = i
	}
	for _, e := range entries {
		if i, ok := byPath[e.MarkdownPath]; ok {
			existing[i] = e
			continue
		}
		byPath[e.MarkdownPath] = len(existing)
		existing = append(existing, e)
	}

	if err := os.MkdirAll(m.dataDir, 0755); err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(existing, "", "    ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(m.path(author), raw, 0644); err != nil {
		return nil, err
	}
	return existing, nil
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Author}} — posts</title>
</head>
<body>
    <main class="author-index">
    <h1>{{.Author}}</h1>
    <ul class="essay-list">
{{- range .Entries}}
        <li class="essay">
            <a href="{{.HTMLPath}}">{{.Title}}</a>
{{- if .Subtitle}}
            <span class="subtitle">{{.Subtitle}}</span>
{{- end}}
            <span class="date">{{.Date}}</span>
            <span class="likes">♡ {{.LikeCount}}</span>
            <a class="md" href="{{.MarkdownPath}}">md</a>
        </li>
{{- end}}
    </ul>
    <script type="application/json" id="essaysData">{{.JSON}}</script>
    </main>
</body>
</html>
`))

// BuildIndex renders the browsable index page for an author: all entries
// sorted descending by the chosen key, ties kept in original fetch
// order. Entries with unknown like counts sort as zero. An empty entry
// list produces a valid, empty index.
func BuildIndex(author string, entries []IndexEntry, key SortKey) (string, error) {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)

	switch key {
	case SortByLikes:
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].LikeCount > sorted[j].LikeCount
		})
	default:
		sort.SliceStable(sorted, func(i, j int) bool {
			return entryTime(sorted[i]).After(entryTime(sorted[j]))
		})
	}

	payload, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = indexTemplate.Execute(&buf, struct {
		Author  string
		Entries []IndexEntry
		JSON    template.JS
	}{Author: author, Entries: sorted, JSON: template.JS(payload)})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WriteIndex renders and writes the index next to the author's HTML
// directory: <html-dir>/<author>.html. Stored entry paths are made
// relative to the index location so the links work when the output tree
// is moved or served.
func WriteIndex(htmlDir, author string, entries []IndexEntry, key SortKey) (string, error) {
	relative := make([]IndexEntry, len(entries))
	copy(relative, entries)
	for i := range relative {
		relative[i].MarkdownPath = relativeTo(htmlDir, relative[i].MarkdownPath)
		relative[i].HTMLPath = relativeTo(htmlDir, relative[i].HTMLPath)
	}

	html, err := BuildIndex(author, relative, key)
	if err != nil {
		return "", err
	}
	path := filepath.Join(htmlDir, author+".html")
	if err := writeFile(path, html); err != nil {
		return "", err
	}
	return path, nil
}

// relativeTo rewrites path relative to base, keeping it untouched when
// no relative form exists (different roots).
func relativeTo(base, path string) string {
	rel, err := filepath.Rel(base, filepath.FromSlash(path))
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// entryTime parses the display date for sorting; undated entries sort
// last.
func entryTime(e IndexEntry) time.Time {
	t, err := time.Parse(displayDateLayout, e.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}
