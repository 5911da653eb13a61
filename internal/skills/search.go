package skills

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters. k1 saturates term frequency, b normalizes for
// document length.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// SkillSearchResult is one hit from a pack search.
type SkillSearchResult struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Location    string  `json:"location"` // absolute path to SKILL.md
	BaseDir     string  `json:"baseDir"`
	Source      string  `json:"source"` // "workspace", "global", "builtin"
	Score       float64 `json:"score"`
}

type skillDoc struct {
	info   Info
	terms  map[string]int // term frequency
	length int
}

// Index ranks skill packs against free-text queries with BM25 over
// name + description. Rebuild it whenever the skill set changes.
type Index struct {
	mu    sync.RWMutex
	docs  []skillDoc
	df    map[string]int
	avgDL float64
}

func NewIndex() *Index {
	return &Index{df: make(map[string]int)}
}

// Build replaces the index contents with the given skills.
func (idx *Index) Build(skills []Info) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.docs = idx.docs[:0]
	idx.df = make(map[string]int)

	total := 0
	for _, s := range skills {
		tokens := tokenize(s.Name + " " + s.Description)
		terms := make(map[string]int, len(tokens))
		for _, t := range tokens {
			terms[t]++
		}
		for t := range terms {
			idx.df[t]++
		}
		idx.docs = append(idx.docs, skillDoc{info: s, terms: terms, length: len(tokens)})
		total += len(tokens)
	}

	if len(idx.docs) > 0 {
		idx.avgDL = float64(total) / float64(len(idx.docs))
	}
}

// Search returns up to maxResults skills ordered by relevance. Skills
// with no matching terms are omitted.
func (idx *Index) Search(query string, maxResults int) []SkillSearchResult {
	if maxResults <= 0 {
		maxResults = 5
	}
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.docs) == 0 {
		return nil
	}
	n := float64(len(idx.docs))

	var out []SkillSearchResult
	for _, doc := range idx.docs {
		score := 0.0
		for _, qt := range queryTokens {
			tf := float64(doc.terms[qt])
			if tf == 0 {
				continue
			}
			df := float64(idx.df[qt])
			idf := math.Log((n-df+0.5)/(df+0.5) + 1)
			norm := tf + bm25K1*(1-bm25B+bm25B*float64(doc.length)/idx.avgDL)
			score += idf * tf * (bm25K1 + 1) / norm
		}
		if score > 0 {
			out = append(out, SkillSearchResult{
				Name:        doc.info.Name,
				Description: doc.info.Description,
				Location:    doc.info.Path,
				BaseDir:     doc.info.BaseDir,
				Source:      doc.info.Source,
				Score:       score,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

// tokenize lowercases, strips punctuation, and drops single-rune
// tokens.
func tokenize(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)

	var tokens []string
	for _, f := range strings.Fields(cleaned) {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
