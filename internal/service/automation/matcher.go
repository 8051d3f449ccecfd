package automation

import (
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/internal/model"
)

// Match confidences.
const (
	ConfidenceExact     = 100
	ConfidenceSubstring = 80
	ConfidenceSimilar   = 60
)

// SimilarityThreshold is the minimum normalized edit-distance similarity for
// a fuzzy product match.
const SimilarityThreshold = 0.6

type ProductMatch struct {
	Query      string
	Product    *model.Product
	Confidence int
}

// MatchProduct resolves a product id or free-text name against catalog:
// exact id or name, then substring, then edit-distance similarity.
func MatchProduct(query string, catalog []*model.Product) (ProductMatch, bool) {
	q := normalize(query)
	if q == "" {
		return ProductMatch{}, false
	}

	if id, err := uuid.Parse(strings.TrimSpace(query)); err == nil {
		for _, p := range catalog {
			if p.ID == id {
				return ProductMatch{Query: query, Product: p, Confidence: ConfidenceExact}, true
			}
		}
		return ProductMatch{}, false
	}

	for _, p := range catalog {
		if normalize(p.Name) == q {
			return ProductMatch{Query: query, Product: p, Confidence: ConfidenceExact}, true
		}
	}

	for _, p := range catalog {
		name := normalize(p.Name)
		if name != "" && (strings.Contains(name, q) || strings.Contains(q, name)) {
			return ProductMatch{Query: query, Product: p, Confidence: ConfidenceSubstring}, true
		}
	}

	var best *model.Product
	bestScore := 0.0
	for _, p := range catalog {
		if s := Similarity(q, normalize(p.Name)); s > bestScore {
			best, bestScore = p, s
		}
	}
	if best != nil && bestScore >= SimilarityThreshold {
		return ProductMatch{Query: query, Product: best, Confidence: ConfidenceSimilar}, true
	}
	return ProductMatch{}, false
}

// MatchProducts validates queries in order, dropping unknown and duplicate
// products.
func MatchProducts(queries []string, catalog []*model.Product) (matched []ProductMatch, rejected []string) {
	seen := make(map[uuid.UUID]bool)
	for _, q := range queries {
		m, ok := MatchProduct(q, catalog)
		if !ok {
			rejected = append(rejected, q)
			continue
		}
		if seen[m.Product.ID] {
			continue
		}
		seen[m.Product.ID] = true
		matched = append(matched, m)
	}
	return matched, rejected
}

// Similarity is 1 - levenshtein(a, b) / max(len(a), len(b)).
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(Levenshtein(a, b))/float64(longest)
}

// Levenshtein returns the edit distance between a and b in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
