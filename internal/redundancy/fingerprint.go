package redundancy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"FeedTriage/internal/domain"
)

// Fingerprinter derives content-addressed item identities.
type Fingerprinter struct {
	aggregators []string
}

// NewFingerprinter returns a Fingerprinter that treats links on the given
// aggregator domains as unreliable and falls back to the title for them.
func NewFingerprinter(aggregatorDomains []string) *Fingerprinter {
	f := &Fingerprinter{}
	for _, d := range aggregatorDomains {
		if d = strings.ToLower(strings.Trim(strings.TrimSpace(d), ".")); d != "" {
			f.aggregators = append(f.aggregators, d)
		}
	}
	return f
}

// Fingerprint hashes the item's normalized link. When the link is missing or
// still points at an aggregator, the normalized title is hashed instead.
func (f *Fingerprinter) Fingerprint(item domain.Item) string {
	link := NormalizeURL(item.Link())
	title := NormalizeTitle(item.Title)

	var key string
	switch {
	case link != "" && !hostMatches(item.Link(), f.aggregators):
		key = "url:" + link
	case title != "":
		key = "title:" + title
	case link != "":
		key = "url:" + link
	default:
		key = "id:" + item.ID
	}

	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
