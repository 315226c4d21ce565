package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/hive/pkg/providers"
)

// prunedPrefix starts the notice that replaces dropped history.
const prunedPrefix = "Context pruned:"

// EstimateTokens approximates token volume as characters / 4 over message
// contents and tool-call arguments.
func EstimateTokens(messages []providers.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name)
			if args, err := json.Marshal(tc.Arguments); err == nil {
				chars += len(args)
			}
		}
	}
	return chars / 4
}

// Prune keeps the leading system message, the first user message (the task),
// a pruned notice and the last keep messages, in order. A window that would
// start on a tool result is widened back to the assistant message that issued
// the calls, so results always follow their call. The second return value is
// false when nothing could be dropped.
func Prune(messages []providers.Message, keep int) ([]providers.Message, bool) {
	if keep <= 0 {
		keep = DefaultKeepRecent
	}

	var system *providers.Message
	rest := messages
	if len(rest) > 0 && rest[0].Role == providers.RoleSystem {
		system = &rest[0]
		rest = rest[1:]
	}

	conversation := make([]providers.Message, 0, len(rest))
	for _, m := range rest {
		if m.Role == providers.RoleSystem && strings.HasPrefix(m.Content, prunedPrefix) {
			continue
		}
		conversation = append(conversation, m)
	}
	if len(conversation) <= keep {
		return messages, false
	}

	start := len(conversation) - keep
	for start > 0 && conversation[start].Role == providers.RoleTool {
		start--
	}

	task := -1
	for i, m := range conversation[:start] {
		if m.Role == providers.RoleUser {
			task = i
			break
		}
	}
	dropped := start
	if task >= 0 {
		dropped--
	}
	if dropped <= 0 {
		return messages, false
	}

	out := make([]providers.Message, 0, len(conversation)-start+3)
	if system != nil {
		out = append(out, *system)
	}
	if task >= 0 {
		out = append(out, conversation[task])
	}
	out = append(out, providers.Message{
		Role:    providers.RoleSystem,
		Content: fmt.Sprintf("%s %d earlier messages were removed to stay within the context limit. Re-read files or memory if you need older details.", prunedPrefix, dropped),
	})
	out = append(out, conversation[start:]...)
	return out, true
}
