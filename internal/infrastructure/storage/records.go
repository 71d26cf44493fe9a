package storage

import (
	"strconv"
	"strings"
	"time"

	"FeedTriage/internal/domain"
)

// Column order of the ledger. The first five columns are the required ones.
var ledgerColumns = []string{
	"fingerprint",
	"topic",
	"first_seen_run_id",
	"canonical_title",
	"canonical_url",
	"source_name",
	"score",
	"tags",
	"recorded_at",
}

const requiredColumns = 5

const tagSeparator = "|"

type recordKey struct {
	topic       string
	fingerprint string
}

func keyOf(rec domain.RedundancyRecord) recordKey {
	return recordKey{topic: rec.Topic, fingerprint: rec.Fingerprint}
}

func joinTags(tags []string) string {
	return strings.Join(tags, tagSeparator)
}

func splitTags(raw string) []string {
	tags := []string{}
	for _, t := range strings.Split(raw, tagSeparator) {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func parseScore(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}

// fieldsOf renders rec in ledgerColumns order.
func fieldsOf(rec domain.RedundancyRecord) map[string]string {
	return map[string]string{
		"fingerprint":       rec.Fingerprint,
		"topic":             rec.Topic,
		"first_seen_run_id": rec.FirstSeenRunID,
		"canonical_title":   rec.CanonicalTitle,
		"canonical_url":     rec.CanonicalURL,
		"source_name":       rec.SourceName,
		"score":             formatScore(rec.Score),
		"tags":              joinTags(rec.Tags),
		"recorded_at":       formatTime(rec.RecordedAt),
	}
}

func recordOf(fields map[string]string) domain.RedundancyRecord {
	return domain.RedundancyRecord{
		Fingerprint:    fields["fingerprint"],
		Topic:          fields["topic"],
		FirstSeenRunID: fields["first_seen_run_id"],
		CanonicalTitle: fields["canonical_title"],
		CanonicalURL:   fields["canonical_url"],
		SourceName:     fields["source_name"],
		Score:          parseScore(fields["score"]),
		Tags:           splitTags(fields["tags"]),
		RecordedAt:     parseTime(fields["recorded_at"]),
	}
}
