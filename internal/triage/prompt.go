package triage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"FeedTriage/internal/domain"
)

// DefaultPromptTemplate is used when no template file is configured.
const DefaultPromptTemplate = `You triage feed items for a research digest.

Keywords: {{KEYWORDS}}
Companies to watch: {{COMPANIES}}

Topic narrative:
{{NARRATIVE}}

Score every item below from 0 to 1 for relevance to the topic. Give up to
eight short tags and one sentence of rationale per item. Return
{"notes": "...", "ranked": [{"id": "...", "score": 0.0, "tags": [], "rationale": "..."}]}
with one entry per item id.

Items:
{{ITEMS}}
`

type promptItem struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Link         string `json:"link"`
	Source       string `json:"source"`
	PublishedUTC string `json:"published_utc,omitempty"`
	Summary      string `json:"summary"`
}

// BuildPrompt fills the {{KEYWORDS}}, {{NARRATIVE}}, {{COMPANIES}} and
// {{ITEMS}} placeholders of template.
func BuildPrompt(template string, profile domain.TopicProfile, items []domain.Item) (string, error) {
	if strings.TrimSpace(template) == "" {
		template = DefaultPromptTemplate
	}
	if !strings.Contains(template, "{{ITEMS}}") {
		return "", fmt.Errorf("prompt template has no {{ITEMS}} placeholder")
	}

	payload := make([]promptItem, 0, len(items))
	for _, item := range items {
		p := promptItem{
			ID:      item.ID,
			Title:   item.Title,
			Link:    item.Link(),
			Source:  item.SourceName,
			Summary: item.Summary,
		}
		if item.PublishedAt != nil {
			p.PublishedUTC = item.PublishedAt.UTC().Format(time.RFC3339)
		}
		payload = append(payload, p)
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode prompt items: %w", err)
	}

	r := strings.NewReplacer(
		"{{KEYWORDS}}", strings.Join(profile.Keywords, ", "),
		"{{NARRATIVE}}", strings.TrimSpace(profile.Narrative),
		"{{COMPANIES}}", strings.Join(profile.Companies, ", "),
		"{{ITEMS}}", string(encoded),
	)
	return r.Replace(template), nil
}
