package record

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"time"
)

// canonicalSep joins canonical fields. Field order is fixed; changing either
// breaks content-hash stability across deployments.
const canonicalSep = "\x1f"

// ContentHash computes the byte-identity hash of a raw capture. Duplicate
// arrivals are suppressed at the collector by this value before the router
// ever sees them.
func ContentHash(collector, url, title, raw string) string {
	canonical := strings.Join([]string{
		collector,
		strings.TrimSpace(url),
		strings.TrimSpace(title),
		strings.TrimSpace(raw),
	}, canonicalSep)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// EnrichedContentHash keys an enrichment re-emission. One scrape body fans
// out to every candidate parked on the URL, so the back-reference is part of
// the identity; without it the seen-set would drop all fan-out records after
// the first.
func EnrichedContentHash(collector, url, title, raw, enrichedFrom string) string {
	canonical := strings.Join([]string{
		collector,
		strings.TrimSpace(url),
		strings.TrimSpace(title),
		strings.TrimSpace(raw),
		enrichedFrom,
	}, canonicalSep)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// dedupKey is marshaled with keys in alphabetical order (amount, date,
// org_name, stage), which encoding/json guarantees for struct fields declared
// in that order.
type dedupKey struct {
	Amount  float64 `json:"amount"`
	Date    string  `json:"date"`
	OrgName string  `json:"org_name"`
	Stage   string  `json:"stage"`
}

// DedupHash computes the semantic-identity hash of an opportunity:
// SHA-256 over sorted-key JSON with lowercased trimmed values, amount rounded
// to 2 decimals and the date in YYYY-MM-DD.
func DedupHash(orgName string, amountUSD float64, date time.Time, stage string) string {
	key := dedupKey{
		Amount:  math.Round(amountUSD*100) / 100,
		Date:    date.Format("2006-01-02"),
		OrgName: strings.ToLower(strings.TrimSpace(orgName)),
		Stage:   strings.ToLower(strings.TrimSpace(stage)),
	}
	b, _ := json.Marshal(key)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CandidateDedupHash derives the dedup-hash from a candidate's extracted
// fields. Returns "" when the candidate lacks an organization or a
// transaction date, in which case signature-based strategies are skipped.
func CandidateDedupHash(c *Candidate) string {
	if c.PrimaryOrg() == "" || c.Extracted.TransactionDate == nil {
		return ""
	}
	return DedupHash(c.PrimaryOrg(), c.Extracted.AmountUSD, *c.Extracted.TransactionDate, c.Extracted.Stage)
}
