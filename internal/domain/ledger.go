package domain

import "time"

// RedundancyRecord is one persisted ledger row. Records are append-only.
type RedundancyRecord struct {
	Fingerprint    string
	Topic          string
	FirstSeenRunID string
	CanonicalTitle string
	CanonicalURL   string
	SourceName     string
	Score          float64
	Tags           []string
	RecordedAt     time.Time
}

// AppendOutcome reports what the ledger holds for a record after an append.
// Stored is the incoming record when Created is true and the first-seen one otherwise.
type AppendOutcome struct {
	Stored  RedundancyRecord
	Created bool
}

// ErrorKind classifies a redirect resolution failure.
type ErrorKind string

const (
	ErrorKindNone             ErrorKind = "none"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindTooManyRedirects ErrorKind = "too_many_redirects"
	ErrorKindNetwork          ErrorKind = "network_error"
)

// ResolutionMethod tells how a redirector link was resolved.
type ResolutionMethod string

const (
	MethodSkipped    ResolutionMethod = "skipped"
	MethodQueryParam ResolutionMethod = "query_param"
	MethodRedirect   ResolutionMethod = "redirect"
)

// ResolutionResult is the outcome of resolving one URL.
// On failure FinalURL equals OriginalURL.
type ResolutionResult struct {
	OriginalURL string
	FinalURL    string
	HopCount    int
	Succeeded   bool
	ErrorKind   ErrorKind
	Method      ResolutionMethod
}
