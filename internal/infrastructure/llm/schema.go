package llm

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"FeedTriage/internal/domain"
)

const toolName = "record_triage"

// triageSchema is the JSON schema every structured backend is asked to honour.
func triageSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"notes", "ranked"},
		"properties": map[string]any{
			"notes": map[string]any{"type": "string"},
			"ranked": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []string{"id", "score", "tags", "rationale"},
					"properties": map[string]any{
						"id":        map[string]any{"type": "string"},
						"score":     map[string]any{"type": "number"},
						"tags":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"rationale": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

// classifyStatus maps an HTTP failure onto the backend error taxonomy.
func classifyStatus(backend string, resp *http.Response, body []byte) error {
	detail := strings.TrimSpace(string(body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s rejected credentials (%s): %s", domain.ErrBackendUnavailable, backend, resp.Status, detail)
	case resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s returned %s: %s", domain.ErrBackendTimeout, backend, resp.Status, detail)
	default:
		return fmt.Errorf("%w: %s returned %s: %s", domain.ErrBackendMalformed, backend, resp.Status, detail)
	}
}

// classifyTransport maps a transport error; all of them are worth retrying.
func classifyTransport(backend string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", domain.ErrBackendTimeout, backend, err)
	}
	return fmt.Errorf("%w: %s request failed: %v", domain.ErrBackendTimeout, backend, err)
}
