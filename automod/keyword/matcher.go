package keyword

import (
	"regexp"
	"sort"
	"strings"

	"github.com/rivo/uniseg"
)

// Matches a fixed list of terms (single words or phrases) against tokenized text.
type Matcher struct {
	// first token -> candidate terms, each as its token sequence
	index map[string][][]string
	// joined token sequence -> original term
	terms map[string]string
}

func NewMatcher(terms []string) *Matcher {
	m := &Matcher{
		index: make(map[string][][]string),
		terms: make(map[string]string),
	}
	for _, term := range terms {
		toks := TokenizeText(term)
		if len(toks) == 0 {
			continue
		}
		key := strings.Join(toks, " ")
		if _, ok := m.terms[key]; ok {
			continue
		}
		m.terms[key] = term
		m.index[toks[0]] = append(m.index[toks[0]], toks)
	}
	return m
}

func (m *Matcher) Len() int {
	return len(m.terms)
}

// Returns the distinct original terms found in text, sorted.
func (m *Matcher) Match(text string) []string {
	if len(m.terms) == 0 {
		return nil
	}
	toks := TokenizeText(text)
	found := map[string]bool{}
	for i, tok := range toks {
		for _, cand := range m.index[tok] {
			if i+len(cand) > len(toks) {
				continue
			}
			if tokensEqual(toks[i:i+len(cand)], cand) {
				found[m.terms[strings.Join(cand, " ")]] = true
			}
		}
	}
	if len(found) == 0 {
		return nil
	}
	out := make([]string, 0, len(found))
	for term := range found {
		out = append(out, term)
	}
	sort.Strings(out)
	return out
}

func tokensEqual(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Replaces every case-insensitive occurrence of word in text. An empty replacement masks each grapheme cluster with '*'.
func Redact(text, word, replaceWith string) string {
	if word == "" {
		return text
	}
	if replaceWith == "" {
		replaceWith = strings.Repeat("*", uniseg.GraphemeClusterCount(word))
	}
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(word))
	return re.ReplaceAllLiteralString(text, replaceWith)
}
