package triage

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"FeedTriage/internal/domain"
)

const maxRationaleLength = 320

var (
	labeledScoreExpr = regexp.MustCompile(`(?i)\b(?:score|relevance|rating)\b[^0-9\n]{0,12}?(\d{1,3}(?:\.\d+)?)\s*(%|/\s*\d{1,3}(?:\.\d+)?\b)?`)
	decimalScoreExpr = regexp.MustCompile(`(?:^|[^\d.])(0?\.\d+|1\.0+)\b`)
	percentScoreExpr = regexp.MustCompile(`\b(\d{1,3})\s*(%|/\s*100\b)`)
	tagsExpr         = regexp.MustCompile(`(?im)\b(?:tags?|topics?|labels?|keywords?)\b\s*[:=\-–]\s*(.+)$`)
	rationaleExpr    = regexp.MustCompile(`(?im)\b(?:rationale|why|reason|reasoning|justification)\b\s*[:=\-–]\s*(.+)$`)
	labelStopExpr    = regexp.MustCompile(`(?i)\b(?:rationale|why|reason|reasoning|score)\b\s*[:=]`)
	emphasisReplacer = strings.NewReplacer("**", "", "__", "", "`", "", "*", "")
)

// ParseUnstructured recovers one judgment per item from free-form text, in
// item order. It tries, per item: a machine-readable payload embedded in
// the text, a block anchored on the item's id, title or URL, and finally
// the default judgment, which also yields a ParseWarning.
func ParseUnstructured(text string, items []domain.Item, backendID, modelID string) ([]domain.Judgment, []domain.ParseWarning) {
	judgments := make([]domain.Judgment, len(items))
	found := make([]bool, len(items))

	if raw, err := ExtractJSON(text); err == nil {
		if resp, err := DecodeStructured([]byte(raw)); err == nil {
			for idx, entry := range matchEntries(resp.Entries(), items) {
				judgments[idx] = entryJudgment(items[idx].ID, entry, backendID, modelID)
				found[idx] = true
			}
		}
	}

	var warnings []domain.ParseWarning
	blocks := splitBlocks(text, items)
	for idx, item := range items {
		if found[idx] {
			continue
		}
		block, ok := blocks[idx]
		if !ok {
			judgments[idx] = domain.DefaultJudgment(item.ID, backendID, modelID)
			warnings = append(warnings, domain.ParseWarning{ItemID: item.ID, Reason: "no block mentions the item"})
			continue
		}
		j, ok := parseBlock(block)
		if !ok {
			judgments[idx] = domain.DefaultJudgment(item.ID, backendID, modelID)
			warnings = append(warnings, domain.ParseWarning{ItemID: item.ID, Reason: "no score in the item's block"})
			continue
		}
		j.ItemID = item.ID
		j.BackendID = backendID
		j.ModelID = modelID
		judgments[idx] = j
	}

	return judgments, warnings
}

// splitBlocks anchors each item on a line that mentions it and returns the
// text between that line and the next anchor. Id and URL mentions are
// claimed first; titles are then claimed longest first so a title that is
// contained in another one cannot take the longer title's line.
func splitBlocks(text string, items []domain.Item) map[int]string {
	lines := strings.Split(text, "\n")
	folded := make([]string, len(lines))
	lowered := make([]string, len(lines))
	for i, line := range lines {
		folded[i] = " " + foldText(emphasisReplacer.Replace(line)) + " "
		lowered[i] = strings.ToLower(line)
	}

	matchers := make([]anchorMatcher, len(items))
	for idx, item := range items {
		matchers[idx] = newAnchorMatcher(item)
	}

	anchors := make(map[int]int, len(items))
	claimed := make(map[int]bool, len(items))
	claim := func(idx int, match func(ln int) bool) {
		for ln := range lines {
			if !claimed[ln] && match(ln) {
				anchors[idx] = ln
				claimed[ln] = true
				return
			}
		}
	}

	for idx, m := range matchers {
		claim(idx, func(ln int) bool { return m.matchRef(lines[ln], lowered[ln]) })
	}

	byTitle := make([]int, 0, len(items))
	for idx, m := range matchers {
		if _, ok := anchors[idx]; !ok && m.title != "" {
			byTitle = append(byTitle, idx)
		}
	}
	slices.SortStableFunc(byTitle, func(a, b int) int {
		return len(matchers[b].title) - len(matchers[a].title)
	})
	for _, idx := range byTitle {
		title := " " + matchers[idx].title + " "
		claim(idx, func(ln int) bool { return strings.Contains(folded[ln], title) })
	}

	blocks := make(map[int]string, len(anchors))
	for idx, start := range anchors {
		end := len(lines)
		for _, other := range anchors {
			if other > start && other < end {
				end = other
			}
		}
		blocks[idx] = strings.Join(lines[start:end], "\n")
	}
	return blocks
}

type anchorMatcher struct {
	id    *regexp.Regexp
	urls  []string
	title string
}

func newAnchorMatcher(item domain.Item) anchorMatcher {
	var m anchorMatcher
	if len(item.ID) >= 4 {
		m.id = regexp.MustCompile(`(?:^|[^A-Za-z0-9])` + regexp.QuoteMeta(item.ID) + `(?:[^A-Za-z0-9]|$)`)
	}
	for _, u := range []string{item.URL, item.ResolvedURL} {
		if u = strings.ToLower(strings.TrimSpace(u)); u != "" {
			m.urls = append(m.urls, u)
		}
	}
	if t := foldText(item.Title); len(t) >= 4 {
		m.title = t
	}
	return m
}

// matchRef reports whether a line names the item by id or URL.
func (m anchorMatcher) matchRef(raw, lowered string) bool {
	if m.id != nil && m.id.MatchString(raw) {
		return true
	}
	for _, u := range m.urls {
		if strings.Contains(lowered, u) {
			return true
		}
	}
	return false
}

func parseBlock(block string) (domain.Judgment, bool) {
	clean := emphasisReplacer.Replace(block)

	score, scoreEnd, ok := findScore(clean)
	if !ok {
		return domain.Judgment{}, false
	}

	tags, tagsEnd := findTags(clean)

	rationale := ""
	if m := rationaleExpr.FindStringSubmatch(clean); m != nil {
		rationale = firstSentence(m[1])
	} else {
		rest := clean[max(scoreEnd, tagsEnd):]
		rationale = firstSentence(strings.TrimLeft(rest, " \t\r\n|-–—:;,.)"))
	}

	return domain.Judgment{
		Score:     score,
		Tags:      tags,
		Rationale: rationale,
		Recovered: true,
	}, true
}

// findScore returns the normalized score and the offset just past it.
func findScore(text string) (float64, int, bool) {
	for _, m := range labeledScoreExpr.FindAllStringSubmatchIndex(text, -1) {
		number := text[m[2]:m[3]]
		suffix := ""
		if m[4] >= 0 {
			suffix = text[m[4]:m[5]]
		}
		if v, ok := normalizeScore(number, suffix); ok {
			return v, m[1], true
		}
	}
	if m := percentScoreExpr.FindStringSubmatchIndex(text); m != nil {
		if v, ok := normalizeScore(text[m[2]:m[3]], text[m[4]:m[5]]); ok {
			return v, m[1], true
		}
	}
	if m := decimalScoreExpr.FindStringSubmatchIndex(text); m != nil {
		if v, ok := normalizeScore(text[m[2]:m[3]], ""); ok {
			return v, m[3], true
		}
	}
	return 0, 0, false
}

// normalizeScore maps a decimal in [0,1], an integer in [0,100] or a
// fraction with an explicit denominator onto [0,1].
func normalizeScore(number, suffix string) (float64, bool) {
	v, err := strconv.ParseFloat(number, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	suffix = strings.ReplaceAll(suffix, " ", "")
	switch {
	case suffix == "%":
		if v > 100 {
			return 0, false
		}
		return v / 100, true
	case strings.HasPrefix(suffix, "/"):
		denom, err := strconv.ParseFloat(suffix[1:], 64)
		if err != nil || denom <= 0 || v > denom {
			return 0, false
		}
		return v / denom, true
	case strings.Contains(number, "."):
		if v <= 1 {
			return v, true
		}
		if v <= 100 {
			return v / 100, true
		}
		return 0, false
	default:
		if v > 100 {
			return 0, false
		}
		return v / 100, true
	}
}

func findTags(text string) ([]string, int) {
	m := tagsExpr.FindStringSubmatchIndex(text)
	if m == nil {
		return []string{}, 0
	}
	list := text[m[2]:m[3]]
	if cut := strings.IndexByte(list, '|'); cut >= 0 {
		list = list[:cut]
	}
	if loc := labelStopExpr.FindStringIndex(list); loc != nil {
		list = list[:loc[0]]
	}
	parts := strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ';' })
	for i, p := range parts {
		parts[i] = strings.Trim(p, " \t#\"'[]().")
	}
	return NormalizeTags(parts), m[1]
}

func firstSentence(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	for i := 0; i < len(text)-1; i++ {
		if (text[i] == '.' || text[i] == '!' || text[i] == '?') && text[i+1] == ' ' {
			text = text[:i+1]
			break
		}
	}
	if len(text) > maxRationaleLength {
		text = truncateBytes(text, maxRationaleLength)
	}
	return text
}

// foldText lower-cases text, keeps letters and digits and collapses the rest
// into single spaces.
func foldText(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}
