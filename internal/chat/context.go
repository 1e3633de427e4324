package chat

import (
	"encoding/json"
	"strings"

	"github.com/firebase/genkit/go/ai"

	"github.com/parleyhq/parley/internal/intent"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tool"
)

// contextInput carries everything the context builder needs for one turn.
type contextInput struct {
	Intent     intent.Intent
	History    []store.Turn
	CurrentSeq int64
	Message    string
	Tool       *tool.Result
	Window     int
}

// buildContext assembles the model input: the intent's system
// instruction, up to Window prior turns oldest-first as user/model
// messages, then the current message with any tool output folded in.
// System turns never enter the context; they are operator records, not
// conversation.
func buildContext(in contextInput) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(in.History)+2)
	msgs = append(msgs, &ai.Message{
		Role:    ai.RoleSystem,
		Content: []*ai.Part{ai.NewTextPart(in.Intent.Instruction())},
	})

	prior := make([]store.Turn, 0, len(in.History))
	for _, t := range in.History {
		// The current user turn is already persisted; keep it out of
		// the history so it appears exactly once, at the end.
		if in.CurrentSeq > 0 && t.SequenceNumber >= in.CurrentSeq {
			continue
		}
		if t.EventType == store.EventSystem {
			continue
		}
		prior = append(prior, t)
	}
	if in.Window > 0 && len(prior) > in.Window {
		prior = prior[len(prior)-in.Window:]
	}

	for _, t := range prior {
		switch t.EventType {
		case store.EventUser:
			msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(t.Message)))
		case store.EventAI:
			msgs = append(msgs, ai.NewModelMessage(ai.NewTextPart(t.Message)))
		}
	}

	msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(currentMessage(in.Message, in.Tool))))
	return msgs
}

// currentMessage folds a tool result into the user's message as a JSON
// block so the model grounds its reply in the actual data.
func currentMessage(message string, res *tool.Result) string {
	if res == nil {
		return message
	}
	payload, err := json.MarshalIndent(res.Payload, "", "  ")
	if err != nil {
		// Unmarshalable payloads are a tool bug; answer without the data.
		return message
	}

	var sb strings.Builder
	sb.WriteString(message)
	sb.WriteString("\n\n[Result from ")
	sb.WriteString(res.Tool)
	sb.WriteString("]\n")
	sb.Write(payload)
	sb.WriteString("\nUse this data to answer the question above.")
	return sb.String()
}
