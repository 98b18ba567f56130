// Package htmlpost finalizes assistant HTML before the closing ai_chunk is
// broadcast: it wraps bare text in paragraphs, wraps detected place names
// in location-marker spans the map UI can link to, and assigns sequential
// color indices to markers that don't have one yet.
package htmlpost

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/JohannesKaufmann/dom"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MarkerClass is the class name the map UI looks for on location spans.
const MarkerClass = "location-marker"

// Finalize runs the full post-processing pipeline over a completed
// assistant response.
func Finalize(content string) string {
	out := EnsureBlocks(content)
	out = MarkLocations(out)
	return AssignMarkerColors(out)
}

// EnsureBlocks wraps the content in <p> elements when the model produced no
// block-level HTML of its own. Blank-line-separated runs become separate
// paragraphs. Content that already contains a block element passes through
// untouched.
func EnsureBlocks(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return content
	}

	if root, err := parseFragment(trimmed); err == nil {
		for child := root.FirstChild; child != nil; child = child.NextSibling {
			if child.Type == html.ElementNode && dom.NameIsBlockNode(dom.NodeName(child)) {
				return content
			}
		}
	}

	var b strings.Builder
	for _, para := range strings.Split(trimmed, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(para)
		b.WriteString("</p>")
	}
	return b.String()
}

// Heuristics for plain-text place names. A run of two or more capitalized
// words (small connectors allowed) reads as a proper place name; a single
// capitalized word only counts when a locational preposition precedes it.
// Leading sentence-starter words are stripped so "Visit the Eiffel Tower"
// marks "Eiffel Tower", not the whole clause.
var (
	multiWordPlace  = regexp.MustCompile(`\p{Lu}[\p{L}'’-]+(?:\s+(?:of|the|de|du|des|la|le|am|an)\s+\p{Lu}[\p{L}'’-]+|\s+\p{Lu}[\p{L}'’-]+)+`)
	singleWordPlace = regexp.MustCompile(`(?:\b(?:in|at|near|around|to|from)\s+)(\p{Lu}[\p{L}'’-]+)`)

	capitalizedWord = regexp.MustCompile(`^\p{Lu}[\p{L}'’-]+$`)
)

var leadingStopwords = map[string]bool{
	"the": true, "a": true, "an": true,
	"visit": true, "see": true, "check": true, "try": true, "explore": true,
	"hello": true, "welcome": true, "meet": true,
	"during": true, "after": true, "before": true, "then": true,
	"when": true, "where": true, "while": true, "also": true,
	"and": true, "but": true, "or": true,
}

// MarkLocations wraps detected plain-text place names in
// <span class="location-marker" data-location="..."> elements. Text already
// inside a marker, link, or code element is left alone.
func MarkLocations(content string) string {
	root, err := parseFragment(content)
	if err != nil {
		return content
	}
	markTextNodes(root)
	return renderChildren(root)
}

// AssignMarkerColors gives every location-marker span without a data-color
// attribute the next sequential index, continuing after the highest index
// already present.
func AssignMarkerColors(content string) string {
	root, err := parseFragment(content)
	if err != nil {
		return content
	}

	next := 0
	var unindexed []*html.Node
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || !isMarker(n) {
			return
		}
		raw := dom.GetAttributeOr(n, "data-color", "")
		if raw == "" {
			unindexed = append(unindexed, n)
			return
		}
		if idx, err := strconv.Atoi(raw); err == nil && idx >= next {
			next = idx + 1
		}
	})

	for _, n := range unindexed {
		n.Attr = append(n.Attr, html.Attribute{Key: "data-color", Val: strconv.Itoa(next)})
		next++
	}
	return renderChildren(root)
}

func markTextNodes(n *html.Node) {
	if n.Type == html.ElementNode {
		switch dom.NodeName(n) {
		case "a", "code", "pre", "script", "style":
			return
		}
		if isMarker(n) {
			return
		}
	}
	for child := n.FirstChild; child != nil; {
		next := child.NextSibling
		if child.Type == html.TextNode {
			spliceMarkers(n, child)
		} else {
			markTextNodes(child)
		}
		child = next
	}
}

type span struct{ start, end int }

// spliceMarkers replaces place-name ranges inside one text node with
// marker span elements, keeping the surrounding text intact.
func spliceMarkers(parent, text *html.Node) {
	spans := findPlaces(text.Data)
	if len(spans) == 0 {
		return
	}

	pos := 0
	for _, s := range spans {
		if s.start > pos {
			parent.InsertBefore(&html.Node{Type: html.TextNode, Data: text.Data[pos:s.start]}, text)
		}
		name := text.Data[s.start:s.end]
		marker := &html.Node{
			Type:     html.ElementNode,
			Data:     "span",
			DataAtom: atom.Span,
			Attr: []html.Attribute{
				{Key: "class", Val: MarkerClass},
				{Key: "data-location", Val: name},
			},
		}
		marker.AppendChild(&html.Node{Type: html.TextNode, Data: name})
		parent.InsertBefore(marker, text)
		pos = s.end
	}
	if pos < len(text.Data) {
		parent.InsertBefore(&html.Node{Type: html.TextNode, Data: text.Data[pos:]}, text)
	}
	parent.RemoveChild(text)
}

// findPlaces returns the non-overlapping place-name ranges in s, in order.
func findPlaces(s string) []span {
	var spans []span

	for _, m := range multiWordPlace.FindAllStringIndex(s, -1) {
		start, end := m[0], m[1]
		start += stripLeadingStopwords(s[start:end])
		if countCapitalized(s[start:end]) >= 2 {
			spans = append(spans, span{start, end})
		}
	}

	for _, m := range singleWordPlace.FindAllStringSubmatchIndex(s, -1) {
		// Group 1 is the place word itself.
		spans = append(spans, span{m[2], m[3]})
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	// Drop overlaps; earlier (and therefore longer multi-word) spans win.
	out := spans[:0]
	last := -1
	for _, s := range spans {
		if s.start < last {
			continue
		}
		out = append(out, s)
		last = s.end
	}
	return out
}

// stripLeadingStopwords returns the byte offset past any leading
// sentence-starter words in the matched run.
func stripLeadingStopwords(match string) int {
	offset := 0
	for {
		rest := match[offset:]
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			return offset
		}
		word := strings.ToLower(strings.TrimRight(rest[:sp], " "))
		if !leadingStopwords[word] {
			return offset
		}
		offset += sp + 1
		for offset < len(match) && match[offset] == ' ' {
			offset++
		}
	}
}

func countCapitalized(s string) int {
	count := 0
	for _, word := range strings.Fields(s) {
		if capitalizedWord.MatchString(word) {
			count++
		}
	}
	return count
}

func isMarker(n *html.Node) bool {
	for _, class := range strings.Fields(dom.GetAttributeOr(n, "class", "")) {
		if class == MarkerClass {
			return true
		}
	}
	return false
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walk(child, fn)
	}
}

// parseFragment parses content in body context and reparents the result
// under a synthetic container so text splicing always has a parent node.
func parseFragment(content string) (*html.Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(content), ctx)
	if err != nil {
		return nil, err
	}
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

func renderChildren(root *html.Node) string {
	var b strings.Builder
	for child := root.FirstChild; child != nil; child = child.NextSibling {
		_ = html.Render(&b, child)
	}
	return b.String()
}
