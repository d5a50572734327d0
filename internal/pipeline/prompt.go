package pipeline

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/tjfontaine/contentgen-gateway/internal/domain"
	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
	"github.com/tjfontaine/contentgen-gateway/internal/tokens"
	"github.com/tjfontaine/contentgen-gateway/internal/upstream"
)

// Prompts holds the system prompts for both stages.
type Prompts struct {
	Analysis   string
	Generation string
}

// DefaultPrompts are used when no prompts are configured.
var DefaultPrompts = Prompts{
	Analysis: "You edit structured content. Given the user's request and the current fields, " +
		"reply with a JSON object whose keys are the field names that must change and whose " +
		"values describe the change for each field. Only use field names that appear in the input. " +
		`If the request cannot be acted on, reply with {"unclear": "<question for the user>"}.`,
	Generation: "You edit structured content. Given per-field tasks and the current field values, " +
		"reply with a JSON object whose keys are exactly the task field names and whose values are " +
		"the new field content, either a string or an array of strings.",
}

type fieldView struct {
	Value any    `json:"value"`
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
}

type analysisInput struct {
	Prompt      string               `json:"prompt"`
	Language    string               `json:"language,omitempty"`
	ContentPath string               `json:"contentPath,omitempty"`
	Fields      map[string]fieldView `json:"fields"`
}

type generationInput struct {
	Prompt   string               `json:"prompt"`
	Language string               `json:"language,omitempty"`
	Tasks    map[string]string    `json:"tasks"`
	Fields   map[string]fieldView `json:"fields"`
}

// promptBuilder turns a request into upstream messages, trimming history to
// a token budget.
type promptBuilder struct {
	prompts Prompts
	counter tokens.Counter
	budget  int
}

// BuildAnalysisMessages builds the analysis stage conversation.
func (b *promptBuilder) BuildAnalysisMessages(p protocol.GeneratePayload) ([]upstream.Message, error) {
	fields := make(map[string]fieldView, len(p.Fields))
	for name, f := range p.Fields {
		fields[name] = fieldView{Value: f.Value, Type: f.Type, Label: f.SchemaLabel}
	}
	input := analysisInput{
		Prompt:      p.Prompt,
		Language:    p.Meta.Language,
		ContentPath: p.Meta.ContentPath,
		Fields:      fields,
	}
	return b.assemble(b.prompts.Analysis, p.Instructions, p.History.Analysis, input)
}

// BuildGenerationMessages builds the generation stage conversation for the
// fields selected by analysis.
func (b *promptBuilder) BuildGenerationMessages(p protocol.GeneratePayload, analysis map[string]string) ([]upstream.Message, error) {
	fields := make(map[string]fieldView, len(analysis))
	for name := range analysis {
		if f, ok := p.Fields[name]; ok {
			fields[name] = fieldView{Value: f.Value, Type: f.Type, Label: f.SchemaLabel}
		}
	}
	input := generationInput{
		Prompt:   p.Prompt,
		Language: p.Meta.Language,
		Tasks:    analysis,
		Fields:   fields,
	}
	return b.assemble(b.prompts.Generation, p.Instructions, p.History.Generation, input)
}

func (b *promptBuilder) assemble(system, instructions string, history []protocol.HistoryEntry, input any) ([]upstream.Message, error) {
	var sb strings.Builder
	sb.WriteString(system)
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(instructions)
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("encode field values: %v", err))
	}
	user := upstream.Message{Role: "user", Content: string(body)}

	kept := trimHistory(history, b.counter, b.budget)
	msgs := make([]upstream.Message, 0, len(kept)+2)
	msgs = append(msgs, upstream.Message{Role: "system", Content: sb.String()})
	for _, h := range kept {
		msgs = append(msgs, upstream.Message{Role: normalizeRole(h.Role), Content: h.Content})
	}
	return append(msgs, user), nil
}

// trimHistory keeps the newest exchanges whose combined token count fits
// budget. A reply is kept or dropped together with the user turn before
// it, and the kept history never opens with a reply. A non-positive budget
// or nil counter keeps everything.
func trimHistory(history []protocol.HistoryEntry, counter tokens.Counter, budget int) []protocol.HistoryEntry {
	if budget <= 0 || counter == nil {
		return history
	}
	used := 0
	start := len(history)
	for start > 0 {
		from := start - 1
		if isReply(history[from]) && from > 0 && !isReply(history[from-1]) {
			from--
		}
		n := 0
		for _, h := range history[from:start] {
			n += counter.CountMessage(h.Role, h.Content)
		}
		if used+n > budget {
			break
		}
		used += n
		start = from
	}
	for start < len(history) && isReply(history[start]) {
		start++
	}
	return history[start:]
}

func isReply(h protocol.HistoryEntry) bool {
	return normalizeRole(h.Role) == "assistant"
}

func normalizeRole(role string) string {
	if role == "assistant" || role == "model" {
		return "assistant"
	}
	return "user"
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
