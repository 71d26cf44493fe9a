package redundancy

import (
	"regexp"
	"strings"
)

// LinkRow is one known title and its agreed URL.
type LinkRow struct {
	Title string
	URL   string
}

// Match describes how a heading was matched against link rows.
type Match string

const (
	MatchExact      Match = "exact"
	MatchNormalized Match = "normalized"
	MatchAmbiguous  Match = "ambiguous"
	MatchMissing    Match = "missing"
	MatchInvalidURL Match = "invalid_url"
)

// CanonicalizeLink returns the best-known URL for title. An exact title match
// wins, then a unique match on the normalized title. Anything else keeps
// renderedURL.
func CanonicalizeLink(title, renderedURL string, rows []LinkRow) string {
	url, _ := canonicalize(title, renderedURL, rows)
	return url
}

func canonicalize(title, renderedURL string, rows []LinkRow) (string, Match) {
	title = strings.TrimSpace(title)

	var exact []string
	for _, row := range rows {
		if strings.TrimSpace(row.Title) == title && title != "" {
			exact = append(exact, strings.TrimSpace(row.URL))
		}
	}
	switch {
	case len(exact) == 1:
		return pick(exact[0], renderedURL, MatchExact)
	case len(exact) > 1:
		return renderedURL, MatchAmbiguous
	}

	normalized := NormalizeTitle(title)
	if normalized == "" {
		return renderedURL, MatchMissing
	}
	var loose []string
	for _, row := range rows {
		if NormalizeTitle(row.Title) == normalized {
			loose = append(loose, strings.TrimSpace(row.URL))
		}
	}
	switch {
	case len(loose) == 1:
		return pick(loose[0], renderedURL, MatchNormalized)
	case len(loose) > 1:
		return renderedURL, MatchAmbiguous
	}
	return renderedURL, MatchMissing
}

func pick(candidate, renderedURL string, m Match) (string, Match) {
	if !isHTTPURL(candidate) {
		return renderedURL, MatchInvalidURL
	}
	return candidate, m
}

var headingLinkExpr = regexp.MustCompile(`(?m)^([ \t]*##[ \t]+\[)(.+?)(\]\()([^)\n]+)(\)[ \t]*)$`)

// RelinkStats counts how each heading was handled by RelinkHeadings.
type RelinkStats struct {
	Exact      int
	Normalized int
	Ambiguous  int
	Missing    int
	InvalidURL int
	Unchanged  int
}

// RelinkHeadings rewrites every "## [Title](url)" line of markdown to the
// canonical URL for its title.
func RelinkHeadings(markdown string, rows []LinkRow) (string, RelinkStats) {
	var stats RelinkStats
	out := headingLinkExpr.ReplaceAllStringFunc(markdown, func(line string) string {
		m := headingLinkExpr.FindStringSubmatch(line)
		title := strings.TrimSpace(m[2])
		current := strings.TrimSpace(m[4])

		canonical, how := canonicalize(title, current, rows)
		switch how {
		case MatchExact:
			stats.Exact++
		case MatchNormalized:
			stats.Normalized++
		case MatchAmbiguous:
			stats.Ambiguous++
		case MatchMissing:
			stats.Missing++
		case MatchInvalidURL:
			stats.InvalidURL++
		}
		if canonical == current {
			stats.Unchanged++
			return line
		}
		return m[1] + title + m[3] + canonical + m[5]
	})
	return out, stats
}
