package httpapi

import (
	"strings"

	"llamabridge/pkg/types"
)

// buildChatPrompt flattens a message history into the plain-text framing the
// interactive binary understands, ending with an open assistant turn.
func buildChatPrompt(messages []types.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			b.WriteString("System: " + msg.Content + "\n\n")
		case "assistant":
			b.WriteString("Assistant: " + msg.Content + "\n\n")
		default:
			b.WriteString("User: " + msg.Content + "\n\n")
		}
	}
	b.WriteString("Assistant: ")
	return b.String()
}
