package rewrite

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"nutrirag/internal/domain"
)

var thinkPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// stripFences removes reasoning blocks and the outermost markdown code fence.
func stripFences(s string) string {
	s = thinkPattern.ReplaceAllString(s, "")
	lines := strings.Split(s, "\n")

	start := 0
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			start = i + 1
			break
		}
	}
	end := len(lines)
	for i := len(lines) - 1; i >= start; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			end = i
			break
		}
	}
	if start == 0 && end == len(lines) {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}

// enclosed returns the substring from the first open to the last close, or "".
func enclosed(s string, open, close byte) string {
	i := strings.IndexByte(s, open)
	j := strings.LastIndexByte(s, close)
	if i < 0 || j <= i {
		return ""
	}
	return s[i : j+1]
}

type rawDecision struct {
	QueryType      json.RawMessage `json:"query_type"`
	RewrittenQuery string          `json:"rewritten_query"`
	Confidence     *float64        `json:"confidence"`
}

// parseDecision decodes classifier output. Several reported types are reduced
// to the one with the highest priority.
func parseDecision(raw string) (domain.RewriteDecision, error) {
	body := enclosed(stripFences(raw), '{', '}')
	if body == "" {
		return domain.RewriteDecision{}, &domain.ParseError{Expected: "JSON object", Raw: raw, Err: errors.New("no object found")}
	}
	var rd rawDecision
	if err := json.Unmarshal([]byte(body), &rd); err != nil {
		return domain.RewriteDecision{}, &domain.ParseError{Expected: "JSON object", Raw: raw, Err: err}
	}

	var names []string
	var single string
	if err := json.Unmarshal(rd.QueryType, &single); err == nil {
		names = strings.FieldsFunc(single, func(r rune) bool { return r == ',' || r == '|' || r == ' ' || r == '，' })
	} else if err := json.Unmarshal(rd.QueryType, &names); err != nil {
		return domain.RewriteDecision{}, &domain.ParseError{Expected: "query_type string or list", Raw: raw, Err: err}
	}
	var types []domain.QueryType
	for _, n := range names {
		qt := domain.QueryType(strings.TrimSpace(n))
		if !known(qt) {
			return domain.RewriteDecision{}, &domain.ParseError{Expected: "known query_type", Raw: raw, Err: errors.New("unknown query_type " + n)}
		}
		types = append(types, qt)
	}
	if len(types) == 0 {
		return domain.RewriteDecision{}, &domain.ParseError{Expected: "query_type", Raw: raw, Err: errors.New("empty query_type")}
	}
	if rd.Confidence == nil {
		return domain.RewriteDecision{}, &domain.ParseError{Expected: "confidence", Raw: raw, Err: errors.New("missing confidence")}
	}

	return domain.RewriteDecision{
		QueryType:      Highest(types),
		RewrittenQuery: strings.TrimSpace(rd.RewrittenQuery),
		Confidence:     min(max(*rd.Confidence, 0), 1),
	}, nil
}

// parseList decodes a JSON array of strings, dropping blank entries.
func parseList(raw string) ([]string, error) {
	body := enclosed(stripFences(raw), '[', ']')
	if body == "" {
		return nil, &domain.ParseError{Expected: "JSON array", Raw: raw, Err: errors.New("no array found")}
	}
	var items []string
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		return nil, &domain.ParseError{Expected: "JSON array of strings", Raw: raw, Err: err}
	}
	out := items[:0]
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return nil, &domain.ParseError{Expected: "non-empty array", Raw: raw, Err: errors.New("empty array")}
	}
	return out, nil
}

func known(qt domain.QueryType) bool {
	if qt == domain.QueryNone {
		return true
	}
	for _, p := range Priority {
		if p == qt {
			return true
		}
	}
	return false
}
