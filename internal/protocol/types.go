package protocol

import (
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
)

// Variant names the wire shape spoken to the upstream backend.
type Variant string

const (
	VariantChatCompletions Variant = "chat_completions"
	VariantResponses       Variant = "responses"
)

// Protocol-A stop reasons
const (
	StopReasonEndTurn      = string(anthropic.StopReasonEndTurn)
	StopReasonMaxTokens    = string(anthropic.StopReasonMaxTokens)
	StopReasonStopSequence = string(anthropic.StopReasonStopSequence)
	StopReasonToolUse      = string(anthropic.StopReasonToolUse)
	StopReasonRefusal      = string(anthropic.StopReasonRefusal)
)

// StopReasonError is synthesized when a stream terminates abnormally.
const StopReasonError = "error"

// Backend finish reasons
const (
	FinishReasonStop          = string(openai.CompletionChoiceFinishReasonStop)
	FinishReasonLength        = string(openai.CompletionChoiceFinishReasonLength)
	FinishReasonContentFilter = string(openai.CompletionChoiceFinishReasonContentFilter)
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonFunctionCall  = "function_call"
)

// MapFinishReason converts a backend finish_reason to a Protocol-A stop_reason.
// content_filter has no dedicated equivalent and maps to end_turn. Unknown
// reasons also map to end_turn.
func MapFinishReason(finishReason string) string {
	switch finishReason {
	case FinishReasonStop:
		return StopReasonEndTurn
	case FinishReasonLength:
		return StopReasonMaxTokens
	case FinishReasonToolCalls, FinishReasonFunctionCall:
		return StopReasonToolUse
	case FinishReasonContentFilter:
		return StopReasonEndTurn
	default:
		return StopReasonEndTurn
	}
}

// ResolveStopReason applies MapFinishReason and upgrades a plain stop to
// tool_use when the reply contains tool calls, since some backends report
// "stop" after emitting them.
func ResolveStopReason(finishReason string, hasToolCalls bool) string {
	reason := MapFinishReason(finishReason)
	if hasToolCalls && reason == StopReasonEndTurn && finishReason != FinishReasonContentFilter {
		return StopReasonToolUse
	}
	return reason
}

// Responses-variant terminal statuses and incomplete reasons
const (
	ResponseStatusCompleted  = "completed"
	ResponseStatusIncomplete = "incomplete"
	ResponseStatusFailed     = "failed"

	IncompleteReasonMaxOutputTokens = "max_output_tokens"
	IncompleteReasonContentFilter   = "content_filter"
)

// MapResponsesStatus converts a responses-variant terminal status to a
// Protocol-A stop_reason. A content-filtered reply ends as end_turn, like
// the chat-completions content_filter finish reason.
func MapResponsesStatus(status, incompleteReason string, hasToolCalls bool) string {
	if status == ResponseStatusIncomplete && incompleteReason == IncompleteReasonMaxOutputTokens {
		return StopReasonMaxTokens
	}
	if status == ResponseStatusIncomplete && incompleteReason == IncompleteReasonContentFilter {
		return StopReasonEndTurn
	}
	if hasToolCalls {
		return StopReasonToolUse
	}
	return StopReasonEndTurn
}
