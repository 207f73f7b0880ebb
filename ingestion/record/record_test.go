package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashStable(t *testing.T) {
	h1 := ContentHash("rss", "https://example.org/a", "Grant open", "body")
	h2 := ContentHash("rss", " https://example.org/a ", " Grant open ", " body ")
	assert.Equal(t, h1, h2, "canonical form trims fields")

	h3 := ContentHash("websearch", "https://example.org/a", "Grant open", "body")
	assert.NotEqual(t, h1, h3, "collector id is part of identity")
}

func TestDedupHashCanonicalForm(t *testing.T) {
	date := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	h1 := DedupHash("Foo Ltd", 5000000.004, date, "Series A")
	h2 := DedupHash("  foo ltd ", 5000000.0, date, "series a")
	assert.Equal(t, h1, h2, "case, whitespace and sub-cent amounts collapse")

	h3 := DedupHash("Foo Ltd", 5000000.01, date, "Series A")
	assert.NotEqual(t, h1, h3, "amounts differing at 2 decimals are distinct")

	// Keys must serialize alphabetically for the hash to be bit-exact.
	b, err := json.Marshal(dedupKey{Amount: 1, Date: "2026-03-14", OrgName: "x", Stage: "seed"})
	require.NoError(t, err)
	assert.Equal(t, `{"amount":1,"date":"2026-03-14","org_name":"x","stage":"seed"}`, string(b))
}

func TestCandidateDedupHashRequiresOrgAndDate(t *testing.T) {
	c := &Candidate{}
	assert.Empty(t, CandidateDedupHash(c))

	d := time.Now()
	c.Extracted.OrgNames = []string{"Foo Ltd"}
	assert.Empty(t, CandidateDedupHash(c), "still missing transaction date")

	c.Extracted.TransactionDate = &d
	assert.NotEmpty(t, CandidateDedupHash(c))
}

func TestCloneIsDeep(t *testing.T) {
	d := time.Now()
	c := &Candidate{
		ContentHash: "abc",
		SourceURLs:  []string{"https://a"},
		Extracted: Fields{
			OrgNames:        []string{"Foo"},
			TransactionDate: &d,
		},
		Classification: &Classification{Sectors: []string{"ai"}, Completeness: 0.7},
	}
	cp := c.Clone()
	cp.SourceURLs[0] = "https://b"
	cp.Extracted.OrgNames[0] = "Bar"
	cp.Classification.Sectors[0] = "health"

	assert.Equal(t, "https://a", c.SourceURLs[0])
	assert.Equal(t, "Foo", c.Extracted.OrgNames[0])
	assert.Equal(t, "ai", c.Classification.Sectors[0])
}

func TestWithClassificationReplaces(t *testing.T) {
	c := &Candidate{ContentHash: "abc"}
	out := c.WithClassification(Classification{Completeness: 0.9})
	assert.Nil(t, c.Classification)
	assert.Equal(t, 0.9, out.Completeness())
	assert.Equal(t, 0.0, c.Completeness())
}
