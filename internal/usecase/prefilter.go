package usecase

import (
	"sort"
	"strings"

	"FeedTriage/internal/domain"
)

// prefilter keeps the keepTop items with the most keyword hits in title and
// summary. The survivors keep their input order. Without keywords, or when
// everything fits, items are returned unchanged.
func prefilter(items []domain.Item, keywords []string, keepTop int) []domain.Item {
	if keepTop <= 0 || len(items) <= keepTop {
		return items
	}

	var needles []string
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			needles = append(needles, kw)
		}
	}
	if len(needles) == 0 {
		return items
	}

	type ranked struct {
		index int
		hits  int
	}
	ranks := make([]ranked, len(items))
	for i, item := range items {
		ranks[i] = ranked{index: i, hits: keywordHits(item, needles)}
	}
	sort.SliceStable(ranks, func(i, j int) bool {
		return ranks[i].hits > ranks[j].hits
	})

	keep := make([]bool, len(items))
	for _, r := range ranks[:keepTop] {
		keep[r.index] = true
	}
	out := make([]domain.Item, 0, keepTop)
	for i, item := range items {
		if keep[i] {
			out = append(out, item)
		}
	}
	return out
}

func keywordHits(item domain.Item, needles []string) int {
	text := strings.ToLower(item.Title + " " + item.Summary)
	hits := 0
	for _, kw := range needles {
		hits += strings.Count(text, kw)
	}
	return hits
}
