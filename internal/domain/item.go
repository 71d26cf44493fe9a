package domain

import "time"

// Item is one candidate entry collected from a feed.
type Item struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	ResolvedURL string     `json:"resolved_url"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	SourceName  string     `json:"source_name,omitempty"`
	Fingerprint string     `json:"fingerprint"`
}

// Link returns the resolved URL when present and the original URL otherwise.
func (i Item) Link() string {
	if i.ResolvedURL != "" {
		return i.ResolvedURL
	}
	return i.URL
}

// Judgment is the oracle's opinion on a single item.
type Judgment struct {
	ItemID    string   `json:"item_id"`
	Score     float64  `json:"score"`
	Tags      []string `json:"tags"`
	Rationale string   `json:"rationale"`
	BackendID string   `json:"backend_id"`
	ModelID   string   `json:"model_id,omitempty"`
	// Recovered is false when the item received the default judgment.
	Recovered bool `json:"recovered"`
}

// UnparsedRationale marks judgments assigned when nothing could be recovered.
const UnparsedRationale = "unparsed"

// DefaultJudgment is assigned to items the backend output says nothing usable about.
func DefaultJudgment(itemID, backendID, modelID string) Judgment {
	return Judgment{
		ItemID:    itemID,
		Score:     0,
		Tags:      []string{},
		Rationale: UnparsedRationale,
		BackendID: backendID,
		ModelID:   modelID,
	}
}

// ScoredItem pairs an item with the judgment it received in a run.
type ScoredItem struct {
	Item     Item     `json:"item"`
	Judgment Judgment `json:"judgment"`
}

// TopicProfile describes what a topic cares about.
type TopicProfile struct {
	Topic     string
	Keywords  []string
	Narrative string
	Companies []string
}

// ParseWarning reports an item that fell back to the default judgment.
type ParseWarning struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}
