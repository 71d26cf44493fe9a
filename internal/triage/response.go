package triage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"FeedTriage/internal/domain"
)

type responseKind int

const (
	kindStructured responseKind = iota + 1
	kindUnstructured
)

// Response is what a backend hands back: either a typed list of entries or
// free-form text. Normalize turns both into one judgment per item.
type Response struct {
	kind    responseKind
	entries []Entry
	text    string
	notes   string
}

// Entry is one judgment as it appears on the wire.
type Entry struct {
	ID        string   `json:"id"`
	Title     string   `json:"title,omitempty"`
	Link      string   `json:"link,omitempty"`
	Score     *float64 `json:"score"`
	Tags      []string `json:"tags"`
	Rationale string   `json:"rationale"`
	Why       string   `json:"why,omitempty"`
}

// Structured wraps entries decoded from a machine-readable payload.
func Structured(entries []Entry, notes string) Response {
	return Response{kind: kindStructured, entries: entries, notes: notes}
}

// Unstructured wraps raw text from a backend with no format guarantee.
func Unstructured(text string) Response {
	return Response{kind: kindUnstructured, text: text}
}

// IsStructured reports which variant r holds.
func (r Response) IsStructured() bool {
	return r.kind == kindStructured
}

// Text returns the raw text of an unstructured response.
func (r Response) Text() string {
	return r.text
}

// Entries returns the entries of a structured response.
func (r Response) Entries() []Entry {
	return r.entries
}

// Notes returns backend notes, when the payload carried any.
func (r Response) Notes() string {
	return r.notes
}

// DecodeStructured parses the shared wire format
// {"notes": "...", "ranked": [{"id","score","tags","rationale"}]}.
// Any deviation is reported as domain.ErrBackendMalformed.
func DecodeStructured(raw []byte) (Response, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Response{}, fmt.Errorf("%w: empty payload", domain.ErrBackendMalformed)
	}

	entries, notes, err := decodeEntries(raw)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", domain.ErrBackendMalformed, err)
	}
	if err := validateEntries(entries); err != nil {
		return Response{}, fmt.Errorf("%w: %v", domain.ErrBackendMalformed, err)
	}
	return Structured(entries, notes), nil
}

func decodeEntries(raw []byte) ([]Entry, string, error) {
	if raw[0] == '[' {
		var entries []Entry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, "", fmt.Errorf("decode entries: %w", err)
		}
		return entries, "", nil
	}

	var payload struct {
		Notes     string   `json:"notes"`
		Ranked    *[]Entry `json:"ranked"`
		Judgments *[]Entry `json:"judgments"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, "", fmt.Errorf("decode payload: %w", err)
	}
	switch {
	case payload.Ranked != nil:
		return *payload.Ranked, payload.Notes, nil
	case payload.Judgments != nil:
		return *payload.Judgments, payload.Notes, nil
	default:
		return nil, "", fmt.Errorf("payload has no ranked list")
	}
}

func validateEntries(entries []Entry) error {
	for i, e := range entries {
		if e.ID == "" && e.Title == "" && e.Link == "" {
			return fmt.Errorf("entry %d has no id, title or link", i)
		}
		if e.Score == nil {
			return fmt.Errorf("entry %d has no score", i)
		}
		if *e.Score < 0 || *e.Score > 1 {
			return fmt.Errorf("entry %d score %v is outside [0,1]", i, *e.Score)
		}
	}
	return nil
}

func (e Entry) rationale() string {
	if e.Rationale != "" {
		return e.Rationale
	}
	return e.Why
}
