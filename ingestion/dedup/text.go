package dedup

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

// titleSimilarity is the token-sort edit-distance ratio: tokens are sorted
// before comparison so word order does not count against a match.
func titleSimilarity(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	sort.Strings(ta)
	sort.Strings(tb)
	sa, sb := strings.Join(ta, " "), strings.Join(tb, " ")
	if sa == sb {
		return 1
	}
	dist := levenshtein.ComputeDistance(sa, sb)
	longest := len(sa)
	if len(sb) > longest {
		longest = len(sb)
	}
	return 1 - float64(dist)/float64(longest)
}

// tfidfIndex holds document frequencies over the corpus descriptions so
// vectors weight rare terms above boilerplate.
type tfidfIndex struct {
	docs int
	df   map[string]int
}

func newTFIDFIndex(descriptions []string) *tfidfIndex {
	idx := &tfidfIndex{df: make(map[string]int)}
	for _, d := range descriptions {
		idx.addDocument(d)
	}
	return idx
}

func (idx *tfidfIndex) addDocument(text string) {
	idx.docs++
	seen := make(map[string]bool)
	for _, tok := range tokenize(text) {
		if !seen[tok] {
			seen[tok] = true
			idx.df[tok]++
		}
	}
}

// vector computes the TF-IDF weights for one document.
func (idx *tfidfIndex) vector(text string) map[string]float64 {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	tf := make(map[string]float64, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	vec := make(map[string]float64, len(tf))
	for tok, n := range tf {
		idf := math.Log(1 + float64(idx.docs+1)/float64(idx.df[tok]+1))
		vec[tok] = (n / float64(len(tokens))) * idf
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for tok, w := range a {
		na += w * w
		if wb, ok := b[tok]; ok {
			dot += w * wb
		}
	}
	for _, w := range b {
		nb += w * w
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
