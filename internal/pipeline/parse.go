package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tjfontaine/contentgen-gateway/internal/domain"
	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
)

// sentinelKeys mark an analysis the model could not act on.
var sentinelKeys = map[string]bool{"unclear": true, "error": true}

// stripFences removes a markdown code fence, with or without a language
// tag, wrapped around a model reply.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], "{[") {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ParseAnalysis validates the analysis stage output. Keys that are not
// among the request's fields are dropped. A lone sentinel key yields a
// warning instead of a result.
func ParseAnalysis(text string, allowed map[string]protocol.Field) (result map[string]string, warning string, err error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(stripFences(text)), &raw); err != nil {
		return nil, "", domain.ErrInvalidModelOutput(fmt.Sprintf("analysis is not a JSON object: %v", err))
	}

	if len(raw) == 1 {
		for k, v := range raw {
			if sentinelKeys[strings.ToLower(k)] {
				return nil, sentinelText(v), nil
			}
		}
	}

	result = make(map[string]string, len(raw))
	for k, v := range raw {
		if _, ok := allowed[k]; !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		result[k] = s
	}
	if len(result) == 0 {
		return nil, "", domain.ErrInvalidModelOutput("analysis selected no known fields")
	}
	return result, "", nil
}

// ParseGeneration validates the generation stage output: a non-empty
// object keyed only by requested fields, each value a string or an array
// of strings.
func ParseGeneration(text string, requested map[string]string) (map[string]protocol.Content, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripFences(text)), &raw); err != nil {
		return nil, domain.ErrInvalidModelOutput(fmt.Sprintf("generation is not a JSON object: %v", err))
	}
	if len(raw) == 0 {
		return nil, domain.ErrInvalidModelOutput("generation returned no fields")
	}

	result := make(map[string]protocol.Content, len(raw))
	for _, k := range sortedKeys(raw) {
		if _, ok := requested[k]; !ok {
			return nil, domain.ErrInvalidModelOutput(fmt.Sprintf("generation returned unrequested field %q", k))
		}
		var c protocol.Content
		if err := json.Unmarshal(raw[k], &c); err != nil {
			return nil, domain.ErrInvalidModelOutput(fmt.Sprintf("field %q: %v", k, err))
		}
		result[k] = c
	}
	return result, nil
}

func sentinelText(v any) string {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return "The request was unclear, please rephrase it."
}
