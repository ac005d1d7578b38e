package pdfview

import (
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/dlclark/regexp2"
)

var (
	lineBreaks    = regexp.MustCompile(`\r\n|\r|\n`)
	multiSpace    = regexp.MustCompile(`\s{2,}`)
	segmentBreaks = regexp.MustCompile(`\r\n|\r|\n|\t| {2,}`)
	nonWordRunes  = regexp.MustCompile(`[^\p{L}\p{N}_]+`)
)

// lookaheadWords is how many words of a long segment must all appear in a
// highlighted span.
const lookaheadWords = 3

// matchTimeout bounds a single highlight scan.
const matchTimeout = 2 * time.Second

// Normalize turns line breaks and runs of two or more whitespace characters
// into single spaces and trims the result.
func Normalize(text string) string {
	text = lineBreaks.ReplaceAllString(text, " ")
	text = multiSpace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// SearchResult is one occurrence of a query in a document.
type SearchResult struct {
	// PageIndex is zero-based.
	PageIndex int
	// MatchIndex is the rune offset of the match in the page's normalized
	// text.
	MatchIndex int
	// Text is the matched span of the original page text.
	Text string
}

// Highlighter marks query matches in page text. Patterns are compiled once
// per raw query string.
type Highlighter struct {
	Open, Close string

	mu       sync.Mutex
	patterns map[string]*regexp2.Regexp
}

func NewHighlighter(open, close string) *Highlighter {
	return &Highlighter{Open: open, Close: close, patterns: make(map[string]*regexp2.Regexp)}
}

// Pattern builds the highlight expression for query. Each segment of the
// query (split on line breaks, tabs and double spaces) becomes one
// alternative. A segment of three or more words matches any span holding its
// first three words in any order; shorter segments match their words in
// order with anything in between. Pattern returns "" when the query has no
// words.
func Pattern(query string) string {
	var alts []string
	for _, seg := range segmentBreaks.Split(query, -1) {
		words := strings.Fields(nonWordRunes.ReplaceAllString(seg, " "))
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = regexp2.Escape(w)
		}
		if len(words) >= lookaheadWords {
			var b strings.Builder
			for _, w := range words[:lookaheadWords] {
				b.WriteString("(?=.*")
				b.WriteString(w)
				b.WriteString(")")
			}
			b.WriteString(".*")
			alts = append(alts, b.String())
			continue
		}
		alts = append(alts, strings.Join(words, ".*?"))
	}
	if len(alts) == 0 {
		return ""
	}
	return "(?:" + strings.Join(alts, ")|(?:") + ")"
}

func (h *Highlighter) compile(query string) (*regexp2.Regexp, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if re, ok := h.patterns[query]; ok {
		return re, nil
	}
	expr := Pattern(query)
	var re *regexp2.Regexp
	if expr != "" {
		var err error
		re, err = regexp2.Compile(expr, regexp2.IgnoreCase)
		if err != nil {
			return nil, err
		}
		re.MatchTimeout = matchTimeout
	}
	// A nil entry caches "no words" too.
	h.patterns[query] = re
	return re, nil
}

// CompiledPatterns reports how many queries have a cached pattern.
func (h *Highlighter) CompiledPatterns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.patterns)
}

// Matches reports whether query's pattern matches anywhere in text.
func (h *Highlighter) Matches(text, query string) bool {
	if strings.TrimSpace(query) == "" {
		return false
	}
	re, err := h.compile(query)
	if err != nil || re == nil {
		return false
	}
	ok, err := re.MatchString(text)
	return err == nil && ok
}

// Highlight wraps every match of query in text with the Open and Close
// markers. An empty query returns text unchanged.
func (h *Highlighter) Highlight(text, query string) string {
	if strings.TrimSpace(query) == "" {
		return text
	}
	re, err := h.compile(query)
	if err != nil || re == nil {
		return text
	}

	// regexp2 reports positions in runes.
	runes := []rune(text)
	var b strings.Builder
	last := 0
	m, err := re.FindRunesMatch(runes)
	for m != nil && err == nil {
		if m.Length > 0 {
			b.WriteString(string(runes[last:m.Index]))
			b.WriteString(h.Open)
			b.WriteString(string(runes[m.Index : m.Index+m.Length]))
			b.WriteString(h.Close)
			last = m.Index + m.Length
		}
		m, err = re.FindNextMatch(m)
	}
	b.WriteString(string(runes[last:]))
	return b.String()
}

// Searcher locates queries in documents and remembers the results per file
// and raw query.
type Searcher struct {
	mu      sync.Mutex
	results map[string][]SearchResult
}

func NewSearcher() *Searcher {
	return &Searcher{results: make(map[string][]SearchResult)}
}

func resultKey(fileID, query string) string { return fileID + "-" + query }

// Cached returns the results of an earlier search, if any.
func (s *Searcher) Cached(fileID, query string) ([]SearchResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[resultKey(fileID, query)]
	return r, ok
}

// Search finds every case-insensitive occurrence of query in pages, in page
// order. Whitespace runs in both the query and the page text count as one
// space. An empty query yields no results.
func (s *Searcher) Search(fileID string, pages []string, query string) []SearchResult {
	if r, ok := s.Cached(fileID, query); ok {
		return r
	}
	needle, _ := foldText(query)
	if len(needle) == 0 {
		return nil
	}

	var out []SearchResult
	for i, page := range pages {
		hay, spans := foldText(page)
		original := []rune(page)
		for from := 0; ; {
			at := indexRunes(hay, needle, from)
			if at < 0 {
				break
			}
			end := at + len(needle) - 1
			out = append(out, SearchResult{
				PageIndex:  i,
				MatchIndex: at,
				Text:       string(original[spans[at].start:spans[end].end]),
			})
			from = at + len(needle)
		}
	}

	s.mu.Lock()
	s.results[resultKey(fileID, query)] = out
	s.mu.Unlock()
	return out
}

type span struct{ start, end int }

// foldText lower-cases text, collapses whitespace runs to one space and trims
// it. spans[i] is the rune range of the original text that folded rune i
// came from.
func foldText(text string) ([]rune, []span) {
	var (
		out   []rune
		spans []span
	)
	for i, r := range []rune(text) {
		if unicode.IsSpace(r) {
			switch {
			case len(out) == 0:
			case out[len(out)-1] == ' ':
				spans[len(spans)-1].end = i + 1
			default:
				out = append(out, ' ')
				spans = append(spans, span{i, i + 1})
			}
			continue
		}
		out = append(out, unicode.ToLower(r))
		spans = append(spans, span{i, i + 1})
	}
	if n := len(out); n > 0 && out[n-1] == ' ' {
		out = out[:n-1]
		spans = spans[:n-1]
	}
	return out, spans
}

func indexRunes(hay, needle []rune, from int) int {
	for i := from; i+len(needle) <= len(hay); i++ {
		match := true
		for j, r := range needle {
			if hay[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
