package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// NewMessageID returns a fresh Protocol-A message id.
func NewMessageID() string {
	return "msg_" + compactUUID()
}

// NewToolUseID returns a fresh tool_use id for calls the backend left unnamed.
func NewToolUseID() string {
	return "toolu_" + compactUUID()
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
