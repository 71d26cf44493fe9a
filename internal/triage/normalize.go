package triage

import (
	"fmt"
	"strings"

	"FeedTriage/internal/domain"
)

// Normalize turns either response variant into exactly one judgment per
// item, in item order.
func Normalize(resp Response, items []domain.Item, backendID, modelID string) ([]domain.Judgment, []domain.ParseWarning, error) {
	switch resp.kind {
	case kindUnstructured:
		judgments, warnings := ParseUnstructured(resp.text, items, backendID, modelID)
		return judgments, warnings, nil
	case kindStructured:
	default:
		return nil, nil, fmt.Errorf("%w: empty response", domain.ErrBackendMalformed)
	}

	matched := matchEntries(resp.entries, items)
	if len(matched) == 0 && len(items) > 0 {
		return nil, nil, fmt.Errorf("%w: none of %d entries refer to the %d submitted items", domain.ErrBackendMalformed, len(resp.entries), len(items))
	}

	judgments := make([]domain.Judgment, len(items))
	var warnings []domain.ParseWarning
	for idx, item := range items {
		entry, ok := matched[idx]
		if !ok {
			judgments[idx] = domain.DefaultJudgment(item.ID, backendID, modelID)
			warnings = append(warnings, domain.ParseWarning{ItemID: item.ID, Reason: "missing from structured response"})
			continue
		}
		judgments[idx] = entryJudgment(item.ID, entry, backendID, modelID)
	}
	return judgments, warnings, nil
}

// matchEntries assigns entries to item indexes by id, then link, then title.
// The first entry that claims an item keeps it.
func matchEntries(entries []Entry, items []domain.Item) map[int]Entry {
	byID := make(map[string]int, len(items))
	byLink := make(map[string]int, len(items)*2)
	byTitle := make(map[string]int, len(items))
	for idx := len(items) - 1; idx >= 0; idx-- {
		item := items[idx]
		if item.ID != "" {
			byID[item.ID] = idx
		}
		for _, u := range []string{item.URL, item.ResolvedURL} {
			if u != "" {
				byLink[strings.ToLower(strings.TrimSpace(u))] = idx
			}
		}
		if t := foldText(item.Title); t != "" {
			byTitle[t] = idx
		}
	}

	matched := make(map[int]Entry, len(entries))
	for _, e := range entries {
		idx, ok := byID[strings.TrimSpace(e.ID)]
		if !ok && e.Link != "" {
			idx, ok = byLink[strings.ToLower(strings.TrimSpace(e.Link))]
		}
		if !ok && e.Title != "" {
			idx, ok = byTitle[foldText(e.Title)]
		}
		if !ok {
			continue
		}
		if _, taken := matched[idx]; taken {
			continue
		}
		matched[idx] = e
	}
	return matched
}

func entryJudgment(itemID string, e Entry, backendID, modelID string) domain.Judgment {
	score := 0.0
	if e.Score != nil {
		score = *e.Score
	}
	return domain.Judgment{
		ItemID:    itemID,
		Score:     score,
		Tags:      NormalizeTags(e.Tags),
		Rationale: firstSentence(e.rationale()),
		BackendID: backendID,
		ModelID:   modelID,
		Recovered: true,
	}
}
