// Package intent classifies user messages into coarse conversation
// categories by ordered keyword-rule matching.
//
// Classification is a pure function of the message text: rules are
// evaluated in a fixed priority order and the first matching rule wins,
// so the same input always yields the same label. No rule matching at
// all falls back to casual chat, never an error.
package intent

import "strings"

// Intent is a coarse category of user request. It selects the system
// instruction framing the assistant's reply.
type Intent string

const (
	CasualChat       Intent = "casual_chat"
	CodeAssistant    Intent = "code_assistant"
	Tutorial         Intent = "tutorial"
	TechnicalSupport Intent = "technical_support"
)

// rule associates one intent with its trigger substrings.
type rule struct {
	intent   Intent
	triggers []string
}

// rules in priority order: technical support outranks code assistance,
// which outranks tutorials. A message like "my code has a bug" must
// land in technical support even though it also mentions code.
var rules = []rule{
	{
		intent: TechnicalSupport,
		triggers: []string{
			"error", "bug", "not working", "broken", "issue", "problem",
			"fix", "help", "troubleshoot", "debug", "doesn't work", "failing",
		},
	},
	{
		intent: CodeAssistant,
		triggers: []string{
			"code", "function", "python", "javascript", "programming",
			"algorithm", "syntax", "class", "variable", "loop", "api",
			"write a", "create a function", "how to code",
		},
	},
	{
		intent: Tutorial,
		triggers: []string{
			"how to", "teach me", "explain", "what is", "tutorial", "learn",
			"understand", "show me how", "step by step", "can you explain",
			"help me understand",
		},
	},
}

// Classify returns exactly one intent for the message.
func Classify(message string) Intent {
	lower := strings.ToLower(message)
	for _, r := range rules {
		for _, trigger := range r.triggers {
			if strings.Contains(lower, trigger) {
				return r.intent
			}
		}
	}
	return CasualChat
}

// String implements Stringer.
func (i Intent) String() string { return string(i) }

// Label is the short human-readable mode name shown to the user when a
// session switches framing.
func (i Intent) Label() string {
	switch i {
	case TechnicalSupport:
		return "Technical Support Mode"
	case CodeAssistant:
		return "Code Assistant Mode"
	case Tutorial:
		return "Tutorial Mode"
	default:
		return "Casual Chat Mode"
	}
}
