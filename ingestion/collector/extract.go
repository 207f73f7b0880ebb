package collector

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/afrifund/fundflow/ingestion/record"
)

// SiteTemplate holds CSS selectors for a host whose page structure is known.
// Empty selectors fall through to the generic pass.
type SiteTemplate struct {
	Title       string
	Description string
	Amount      string
	Org         string
}

var amountRe = regexp.MustCompile(`(?i)(?:US?\$|USD\s?)\s?([\d][\d,]*(?:\.\d+)?)\s*(billion|million|bn|mn?|k)?`)

// parseAmountUSD pulls the first dollar amount out of free text, normalizing
// unit suffixes. Returns 0 when nothing parses.
func parseAmountUSD(text string) float64 {
	m := amountRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(m[2]) {
	case "billion", "bn", "b":
		n *= 1e9
	case "million", "mn", "m":
		n *= 1e6
	case "k":
		n *= 1e3
	}
	return n
}

// extractHTML runs the template and generic selector passes over a fetched
// page. ok reports whether the result is rich enough to skip the LLM pass.
func extractHTML(body []byte, tmpl *SiteTemplate) (fields record.Fields, text string, ok bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return record.Fields{}, "", false
	}

	if tmpl != nil {
		if tmpl.Title != "" {
			fields.Title = clean(doc.Find(tmpl.Title).First().Text())
		}
		if tmpl.Description != "" {
			fields.Description = clean(doc.Find(tmpl.Description).First().Text())
		}
		if tmpl.Amount != "" {
			fields.AmountUSD = parseAmountUSD(doc.Find(tmpl.Amount).First().Text())
		}
		if tmpl.Org != "" {
			if org := clean(doc.Find(tmpl.Org).First().Text()); org != "" {
				fields.OrgNames = []string{org}
			}
		}
	}

	// Generic pass fills whatever the template left empty.
	if fields.Title == "" {
		fields.Title = clean(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	}
	if fields.Title == "" {
		fields.Title = clean(doc.Find("h1").First().Text())
	}
	if fields.Title == "" {
		fields.Title = clean(doc.Find("title").First().Text())
	}
	if fields.Description == "" {
		fields.Description = clean(doc.Find(`meta[name="description"]`).AttrOr("content", ""))
	}
	if fields.Description == "" {
		fields.Description = clean(doc.Find(`meta[property="og:description"]`).AttrOr("content", ""))
	}

	doc.Find("script, style, nav, footer, header, aside").Remove()
	text = clean(doc.Find("body").Text())
	if len(text) > 20000 {
		text = text[:20000]
	}

	if fields.AmountUSD == 0 {
		fields.AmountUSD = parseAmountUSD(text)
	}
	if fields.Description == "" && text != "" {
		fields.Description = truncate(text, 500)
	}

	ok = fields.Title != "" && len(fields.Description) >= 80 && fields.AmountUSD > 0
	return fields, text, ok
}

var spaceRe = regexp.MustCompile(`\s+`)

func clean(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
