package dedup

import (
	"context"
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/sirupsen/logrus"

	"github.com/afrifund/fundflow/ingestion/store"
)

// Legal-form suffixes that carry no identity.
var orgSuffixes = []string{
	"ltd", "limited", "inc", "incorporated", "llc", "plc", "gmbh",
	"corp", "corporation", "co", "company", "ventures", "capital",
}

var orgCleanRe = regexp.MustCompile(`[^a-z0-9 ]+`)

// NormalizeOrgName lowercases, strips punctuation and drops trailing legal
// suffixes so "Acme Ltd." and "ACME Limited" resolve to the same entity.
func NormalizeOrgName(name string) string {
	n := orgCleanRe.ReplaceAllString(strings.ToLower(name), " ")
	tokens := strings.Fields(n)
	for len(tokens) > 1 {
		last := tokens[len(tokens)-1]
		stripped := false
		for _, suf := range orgSuffixes {
			if last == suf {
				tokens = tokens[:len(tokens)-1]
				stripped = true
				break
			}
		}
		if !stripped {
			break
		}
	}
	return strings.Join(tokens, " ")
}

// OrgResolver maps extracted organization names onto canonical ids. Fuzzy
// name match with a country tie-break; unmatched names create a new
// organization.
type OrgResolver struct {
	catalog store.Catalog
	// MatchThreshold is the minimum name similarity for an existing org to
	// be considered the same entity.
	MatchThreshold float64
	log            *logrus.Entry
}

func NewOrgResolver(catalog store.Catalog) *OrgResolver {
	return &OrgResolver{
		catalog:        catalog,
		MatchThreshold: 0.85,
		log:            logrus.WithField("component", "dedup.orgs"),
	}
}

// Resolve returns the canonical organization id for a name, creating the
// organization when no existing one matches.
func (r *OrgResolver) Resolve(ctx context.Context, name, country string) (string, error) {
	norm := NormalizeOrgName(name)
	if norm == "" {
		return "", nil
	}

	candidates, err := r.catalog.SearchOrganizations(ctx, norm)
	if err != nil {
		return "", err
	}

	bestID := ""
	bestScore := 0.0
	bestCountry := false
	for _, org := range candidates {
		score := nameSimilarity(norm, NormalizeOrgName(org.NameNorm))
		if score < r.MatchThreshold {
			continue
		}
		sameCountry := country != "" && strings.EqualFold(org.Country, country)
		// Country breaks ties between equally good name matches.
		if score > bestScore || (score == bestScore && sameCountry && !bestCountry) {
			bestID = org.ID
			bestScore = score
			bestCountry = sameCountry
		}
	}
	if bestID != "" {
		return bestID, nil
	}

	id, err := r.catalog.FindOrCreateOrganization(ctx, store.OrgAttrs{Name: name, Country: country})
	if err != nil {
		return "", err
	}
	r.log.WithFields(logrus.Fields{"org": name, "id": id}).Debug("organization created")
	return id, nil
}

func nameSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return 1 - float64(dist)/float64(longest)
}
