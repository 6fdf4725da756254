package retrieval

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/aimerfeng/CampusRAG/internal/models"
)

const entrySeparator = "\n\n"

// Rank orders results by descending score, then most recent, then chunk id
func Rank(results []models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.IndexedAt.Equal(b.IndexedAt) {
			return a.IndexedAt.After(b.IndexedAt)
		}
		return a.ChunkID < b.ChunkID
	})
}

// SourceLabel formats a citation as "source (p.N)", or just the source without a page
func SourceLabel(r models.SearchResult) string {
	if r.Page > 0 {
		return fmt.Sprintf("%s (p.%d)", r.Source, r.Page)
	}
	return r.Source
}

// AssembleContext concatenates ranked results as "[Document i: source]" entries
// while they fit in budget characters. Once an entry does not fit, it and every
// lower-ranked entry are dropped. It returns the context, the deduplicated
// sources of the kept entries, and how many entries were kept.
func AssembleContext(results []models.SearchResult, budget int) (string, []string, int) {
	var b strings.Builder
	used := 0
	kept := 0
	var sources []string
	seen := make(map[string]bool)

	for i, r := range results {
		label := SourceLabel(r)
		entry := fmt.Sprintf("[Document %d: %s]\n%s", i+1, label, r.Content)
		size := utf8.RuneCountInString(entry)
		if kept > 0 {
			size += len(entrySeparator)
		}
		if budget > 0 && used+size > budget {
			break
		}
		if kept > 0 {
			b.WriteString(entrySeparator)
		}
		b.WriteString(entry)
		used += size
		kept++

		if !seen[label] {
			seen[label] = true
			sources = append(sources, label)
		}
	}
	return b.String(), sources, kept
}
