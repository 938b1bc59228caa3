package repocontext

import (
	"bufio"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	maxIndexedFiles    = 500
	maxIndexedFileSize = 256 * 1024
)

// symbolIndex is a hybrid TF-IDF + substring index over declaration-like
// lines. TF-IDF ranks multi-token queries; the substring pass catches exact
// identifiers that tokenization would split.
type symbolIndex struct {
	docs []symbolDoc
	df   map[string]int // document frequency per token
}

type symbolDoc struct {
	Path    string
	Symbols []string
	tf      map[string]float64
}

// SymbolHit is one ranked match from the index.
type SymbolHit struct {
	Path   string  `json:"path"`
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

var declPattern = regexp.MustCompile(`(?m)^\s*(?:func|type|class|def|function|var|const|interface|struct)\s+([A-Za-z_][A-Za-z0-9_]*)`)

var indexableExt = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".jsx": true,
	".tsx": true, ".rs": true, ".java": true, ".rb": true, ".c": true,
	".h": true, ".cpp": true, ".cs": true,
}

// buildIndex scans source files for declarations and builds the index.
func buildIndex(root string, files []string) *symbolIndex {
	idx := &symbolIndex{df: make(map[string]int)}

	indexed := 0
	for _, rel := range files {
		if indexed >= maxIndexedFiles || !indexableExt[strings.ToLower(filepath.Ext(rel))] {
			continue
		}
		symbols := scanDeclarations(filepath.Join(root, rel))
		if len(symbols) == 0 {
			continue
		}
		indexed++

		doc := symbolDoc{Path: rel, Symbols: symbols, tf: make(map[string]float64)}
		for _, sym := range symbols {
			for _, tok := range tokenize(sym) {
				doc.tf[tok]++
			}
		}
		for tok := range doc.tf {
			idx.df[tok]++
		}
		idx.docs = append(idx.docs, doc)
	}
	return idx
}

func scanDeclarations(path string) []string {
	info, err := os.Stat(path)
	if err != nil || info.Size() > maxIndexedFileSize {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var symbols []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		if m := declPattern.FindStringSubmatch(scanner.Text()); m != nil {
			symbols = append(symbols, m[1])
		}
	}
	return symbols
}

// tokenize splits an identifier on case and separator boundaries.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 1 {
			tokens = append(tokens, strings.ToLower(cur.String()))
		}
		cur.Reset()
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ' || r == '\t' || r == '\n':
			flush()
		case r >= 'A' && r <= 'Z' && i > 0:
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// Search ranks files against the query. Substring matches on raw symbol
// names get a fixed boost on top of the TF-IDF score.
func (s *Snapshot) Search(query string, limit int) []SymbolHit {
	if s.index == nil || query == "" {
		return nil
	}
	idx := s.index
	queryTokens := tokenize(query)
	queryLower := strings.ToLower(query)
	n := float64(len(idx.docs))

	var hits []SymbolHit
	for _, doc := range idx.docs {
		score := 0.0
		for _, tok := range queryTokens {
			tf := doc.tf[tok]
			if tf == 0 {
				continue
			}
			df := float64(idx.df[tok])
			score += tf * math.Log(1+n/df)
		}
		best := ""
		for _, sym := range doc.Symbols {
			if strings.Contains(strings.ToLower(sym), queryLower) {
				score += 2.0
				best = sym
				break
			}
		}
		if score > 0 {
			if best == "" && len(doc.Symbols) > 0 {
				best = doc.Symbols[0]
			}
			hits = append(hits, SymbolHit{Path: doc.Path, Symbol: best, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
