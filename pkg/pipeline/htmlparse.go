package pipeline

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/regwatch-io/regwatch/pkg/events"
)

// ParseHTML normalizes a fetched HTML payload into the parsed-document
// shape: a title, optional published date, and heading-delimited sections
// with extracted tables.
//
// The output is deterministic for identical input bytes. Section ids are
// positional and section hashes cover the section text, so the document's
// content hash is stable across re-parses.
func ParseHTML(raw []byte, contentType, sourceURL string) (*events.ParsedDocument, error) {
	decoded, err := decodeToUTF8(raw, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	root, err := html.Parse(bytes.NewReader(decoded))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	doc := &events.ParsedDocument{
		SourceURL: sourceURL,
		Language:  "en",
	}

	if lang := findHTMLLang(root); lang != "" {
		doc.Language = lang
	}
	doc.Title = findTitle(root)
	doc.PublishedDate = findPublishedDate(root)

	body := findElement(root, "body")
	if body == nil {
		body = root
	}

	sections := extractSections(body)
	if len(sections) == 0 {
		// Pages without headings become one synthetic section so every
		// document has at least one deliverable unit.
		text := collapseWhitespace(textContent(body))
		if text != "" {
			sections = []sectionBuilder{{
				level:   1,
				heading: "Content",
				text:    text,
				tables:  extractTables(body),
			}}
		}
	}

	offset := 0
	for i, sb := range sections {
		text := collapseWhitespace(sb.text)
		section := events.ParsedSection{
			ID:              i + 1,
			Level:           sb.level,
			Heading:         sb.heading,
			Text:            text,
			SHA256:          events.HashBytes([]byte(text)),
			ByteOffsetStart: offset,
			ByteOffsetEnd:   offset + len(text),
			Tables:          sb.tables,
		}
		offset = section.ByteOffsetEnd
		doc.Sections = append(doc.Sections, section)
	}

	if doc.Title == "" && len(doc.Sections) > 0 {
		doc.Title = doc.Sections[0].Heading
	}
	return doc, nil
}

// decodeToUTF8 converts raw bytes to UTF-8 using the Content-Type charset
// parameter when present, falling back to statistical detection.
func decodeToUTF8(raw []byte, contentType string) ([]byte, error) {
	charset := ""
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			charset = params["charset"]
		}
	}

	if charset == "" {
		detector := chardet.NewTextDetector()
		if best, err := detector.DetectBest(raw); err == nil {
			charset = best.Charset
		}
	}

	if charset == "" || strings.EqualFold(charset, "utf-8") {
		return raw, nil
	}

	enc, err := htmlindex.Get(strings.ToLower(charset))
	if err != nil {
		// Unknown label: treat as UTF-8 rather than failing the parse.
		return raw, nil
	}

	decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to transcode from %s: %w", charset, err)
	}
	return decoded, nil
}

type sectionBuilder struct {
	level   int
	heading string
	text    string
	tables  []events.TableData
}

// extractSections walks the body in document order, opening a new section
// at each h1-h4 and accumulating text and tables into the current one.
// Content before the first heading is dropped, matching how regulatory
// portals front-load navigation chrome.
func extractSections(body *html.Node) []sectionBuilder {
	var sections []sectionBuilder
	var current *sectionBuilder
	var text strings.Builder

	flush := func() {
		if current != nil {
			current.text = text.String()
			sections = append(sections, *current)
			text.Reset()
		}
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "nav", "header", "footer":
				return
			case "h1", "h2", "h3", "h4":
				flush()
				current = &sectionBuilder{
					level:   int(n.Data[1] - '0'),
					heading: collapseWhitespace(textContent(n)),
				}
				return
			case "table":
				if current != nil {
					if t := parseTable(n); t != nil {
						current.tables = append(current.tables, *t)
					}
				}
				return
			}
		}
		if n.Type == html.TextNode && current != nil {
			text.WriteString(n.Data)
			text.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(body)
	flush()
	return sections
}

// extractTables collects every table under n, used by the headingless
// fallback section.
func extractTables(n *html.Node) []events.TableData {
	var tables []events.TableData
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "table" {
			if t := parseTable(n); t != nil {
				tables = append(tables, *t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return tables
}

// parseTable flattens a table element into headers and string rows. The
// first row with th cells (or the first row outright) becomes the header.
func parseTable(table *html.Node) *events.TableData {
	var rows [][]string
	var headerCells []string

	for _, tr := range findAll(table, "tr") {
		var cells []string
		hasTH := false
		for c := tr.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "th":
				hasTH = true
				cells = append(cells, collapseWhitespace(textContent(c)))
			case "td":
				cells = append(cells, collapseWhitespace(textContent(c)))
			}
		}
		if len(cells) == 0 {
			continue
		}
		if headerCells == nil && (hasTH || len(rows) == 0) {
			headerCells = cells
			continue
		}
		rows = append(rows, cells)
	}

	if headerCells == nil && len(rows) == 0 {
		return nil
	}
	return &events.TableData{
		Type:    "table",
		Headers: headerCells,
		Rows:    rows,
	}
}

// findPublishedDate probes the usual metadata carriers for a publication
// date and normalizes it to YYYY-MM-DD.
func findPublishedDate(root *html.Node) *string {
	metaNames := map[string]bool{
		"article:published_time": true,
		"publication_date":       true,
		"date":                   true,
		"dc.date":                true,
		"pubdate":                true,
	}

	var candidate string
	for _, meta := range findAll(root, "meta") {
		name := strings.ToLower(attr(meta, "name"))
		property := strings.ToLower(attr(meta, "property"))
		if metaNames[name] || metaNames[property] {
			if content := attr(meta, "content"); content != "" {
				candidate = content
				break
			}
		}
	}
	if candidate == "" {
		for _, t := range findAll(root, "time") {
			if dt := attr(t, "datetime"); dt != "" {
				candidate = dt
				break
			}
		}
	}
	if candidate == "" {
		return nil
	}

	parsed, err := dateparse.ParseAny(candidate)
	if err != nil {
		return nil
	}
	formatted := parsed.UTC().Format(time.DateOnly)
	return &formatted
}

func findTitle(root *html.Node) string {
	if t := findElement(root, "title"); t != nil {
		return collapseWhitespace(textContent(t))
	}
	if h1 := findElement(root, "h1"); h1 != nil {
		return collapseWhitespace(textContent(h1))
	}
	return ""
}

func findHTMLLang(root *html.Node) string {
	if h := findElement(root, "html"); h != nil {
		if lang := attr(h, "lang"); lang != "" {
			// Keep only the primary subtag: "en-US" becomes "en".
			primary, _, _ := strings.Cut(lang, "-")
			return strings.ToLower(primary)
		}
	}
	return ""
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

func findAll(n *html.Node, name string) []*html.Node {
	var found []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == name {
			found = append(found, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return found
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
