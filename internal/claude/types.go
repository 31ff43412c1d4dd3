// Package claude is the facade over the upstream LLM provider. It owns a
// stateful multi-turn conversation: Query sends one user turn and
// ReceiveResponse streams typed messages until exactly one ResultMessage
// closes the turn. Tool dispatch, hook callbacks, structured-output
// validation, and cumulative cost accounting all happen inside the turn
// so callers only ever see the typed stream.
//
// A Client is intentionally NOT safe for concurrent use: it models one
// conversation, and exactly one session worker may own it.
package claude

import (
	"encoding/json"

	"github.com/vidmind/vidmind/pkg/models"
)

// StreamMessage is one typed message from a conversation turn.
type StreamMessage interface {
	isStreamMessage()
}

// ContentBlock is one block of assistant content.
type ContentBlock interface {
	isContentBlock()
}

// TextBlock is plain assistant text.
type TextBlock struct {
	Text string
}

// ToolUseBlock is a tool invocation requested by the model.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

func (TextBlock) isContentBlock()    {}
func (ToolUseBlock) isContentBlock() {}

// AssistantMessage is one assistant message within a turn. A turn may
// carry several (one per tool iteration).
type AssistantMessage struct {
	// ID is the upstream message id, used for usage deduplication.
	ID string

	// Content is the ordered list of content blocks.
	Content []ContentBlock

	// StructuredOutput is set when an output schema is configured and
	// the assistant text validated against it.
	StructuredOutput json.RawMessage

	// Usage is the per-message token usage, when the upstream reported it.
	Usage *models.Usage
}

// Text concatenates the message's text blocks.
func (m *AssistantMessage) Text() string {
	var out string
	for _, block := range m.Content {
		if tb, ok := block.(TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}

// Result subtypes. Anything not listed is treated as an error by callers.
const (
	SubtypeSuccess              = "success"
	SubtypeMaxOutputRetries     = "error_max_structured_output_retries"
	SubtypeInterrupted          = "interrupted"
	SubtypeErrorDuringExecution = "error_during_execution"
)

// ResultMessage terminates a turn. TotalCostUSD is the authoritative
// cumulative cost of the whole conversation so far, not a per-turn delta.
type ResultMessage struct {
	Subtype      string
	IsError      bool
	TotalCostUSD float64
}

func (*AssistantMessage) isStreamMessage() {}
func (*ResultMessage) isStreamMessage()    {}
