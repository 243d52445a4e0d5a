package evolution

import (
	"sort"
	"strings"

	"github.com/scrypster/recall/internal/textnorm"
)

// topKeywords returns the n tokens that appear in the most documents,
// ties broken alphabetically. Stopwords and short tokens are ignored.
func topKeywords(docs []string, n int) []string {
	counts := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, kw := range textnorm.Keywords(doc) {
			if !seen[kw] {
				seen[kw] = true
				counts[kw]++
			}
		}
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})

	if len(words) > n {
		words = words[:n]
	}
	return words
}

// subcategoryName joins up to three keywords.
func subcategoryName(keywords []string) string {
	if len(keywords) == 0 {
		return "misc"
	}
	if len(keywords) > 3 {
		keywords = keywords[:3]
	}
	return strings.Join(keywords, "-")
}
