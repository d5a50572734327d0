package transport

import (
	"encoding/json"
	"maps"

	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
)

// Role is who authored a chat message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// MessageKind says what a chat message currently shows.
type MessageKind string

const (
	KindPrompt   MessageKind = "prompt"
	KindAnalysis MessageKind = "analysis"
	KindResult   MessageKind = "result"
	KindStopped  MessageKind = "stopped"
	KindError    MessageKind = "error"
	KindWarning  MessageKind = "warning"
)

// ChatMessage is one bubble of the conversation. A model message is the
// child of the user message it answers; a user message is the child of
// whatever was last in the branch when it was sent.
type ChatMessage struct {
	ID           string                      `json:"id"`
	ParentID     string                      `json:"parentId,omitempty"`
	Role         Role                        `json:"role"`
	Kind         MessageKind                 `json:"kind"`
	Content      string                      `json:"content,omitempty"`
	ErrorCode    string                      `json:"errorCode,omitempty"`
	Analysis     map[string]string           `json:"analysis,omitempty"`
	Result       map[string]protocol.Content `json:"result,omitempty"`
	GenerationID string                      `json:"generationId,omitempty"`
	Active       bool                        `json:"active"`
}

func (m *ChatMessage) clone() ChatMessage {
	c := *m
	c.Analysis = maps.Clone(m.Analysis)
	c.Result = maps.Clone(m.Result)
	return c
}

// ChatLog is the ordered conversation. It is owned by the manager loop and
// not safe for concurrent use.
type ChatLog struct {
	messages []*ChatMessage
	byID     map[string]*ChatMessage
}

// NewChatLog returns an empty log.
func NewChatLog() *ChatLog {
	return &ChatLog{byID: make(map[string]*ChatMessage)}
}

// Append adds m at the end of the log and returns the stored message.
func (l *ChatLog) Append(m ChatMessage) *ChatMessage {
	msg := &m
	l.messages = append(l.messages, msg)
	l.byID[msg.ID] = msg
	return msg
}

// Get looks a message up by id.
func (l *ChatLog) Get(id string) (*ChatMessage, bool) {
	m, ok := l.byID[id]
	return m, ok
}

// Tail returns the id of the last active message, or "".
func (l *ChatLog) Tail() string {
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Active {
			return l.messages[i].ID
		}
	}
	return ""
}

// DeactivateDescendants marks every active message below id inactive and
// returns copies of the ones it changed.
func (l *ChatLog) DeactivateDescendants(id string) []ChatMessage {
	below := map[string]bool{id: true}
	var changed []ChatMessage
	// Children always follow their parent, so one forward pass suffices.
	for _, m := range l.messages {
		if m.ParentID == "" || !below[m.ParentID] {
			continue
		}
		below[m.ID] = true
		if m.Active {
			m.Active = false
			changed = append(changed, m.clone())
		}
	}
	return changed
}

// Messages returns copies of every message in order.
func (l *ChatLog) Messages() []ChatMessage {
	out := make([]ChatMessage, len(l.messages))
	for i, m := range l.messages {
		out[i] = m.clone()
	}
	return out
}

// History builds request history from completed active exchanges that
// precede the message named by until ("" means the whole log).
//
// An exchange contributes its prompt and analysis to the analysis history,
// and its analysis and result to the generation history. Failed and
// stopped exchanges contribute nothing.
func (l *ChatLog) History(until string) protocol.History {
	h := protocol.History{
		Analysis:   []protocol.HistoryEntry{},
		Generation: []protocol.HistoryEntry{},
	}
	for i, m := range l.messages {
		if m.ID == until {
			break
		}
		if m.Role != RoleUser || !m.Active {
			continue
		}
		answer := l.answerTo(m.ID, i+1)
		if answer == nil || answer.Kind != KindResult || answer.Analysis == nil {
			continue
		}
		analysis := marshalString(answer.Analysis)
		h.Analysis = append(h.Analysis,
			protocol.HistoryEntry{Role: "user", Content: m.Content},
			protocol.HistoryEntry{Role: "assistant", Content: analysis},
		)
		if answer.Result != nil {
			h.Generation = append(h.Generation,
				protocol.HistoryEntry{Role: "user", Content: analysis},
				protocol.HistoryEntry{Role: "assistant", Content: marshalString(answer.Result)},
			)
		}
	}
	return h
}

// answerTo finds the active model message answering userID, searching
// from index from.
func (l *ChatLog) answerTo(userID string, from int) *ChatMessage {
	for _, m := range l.messages[from:] {
		if m.Role == RoleModel && m.Active && m.ParentID == userID {
			return m
		}
	}
	return nil
}

func marshalString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
