package triage

import (
	"errors"
	"strings"
)

var (
	errNoJSON       = errors.New("no JSON value found")
	errUnclosedJSON = errors.New("JSON value is truncated or unclosed")
)

// ExtractJSON returns the first balanced JSON object or array in text.
// Markdown code fences are tolerated; string literals are respected when
// counting brackets.
func ExtractJSON(text string) (string, error) {
	text = stripFence(text)

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", errNoJSON
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", errUnclosedJSON
}

// stripFence returns the body of the first ``` fence, or text unchanged.
func stripFence(text string) string {
	open := strings.Index(text, "```")
	if open < 0 {
		return text
	}
	body := text[open+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// drop the info string, e.g. ```json
		if !strings.ContainsAny(body[:nl], "{[") {
			body = body[nl+1:]
		}
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return body
}
