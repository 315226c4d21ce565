package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/harun/hive/pkg/memory"
)

const flushSummaryLimit = 500

// MemoryFlush returns a FinishHook that records a one-line session summary in
// the knowledge section of the project's memory log. Runs that did no tool
// work are skipped.
func MemoryFlush(logFor func(projectRoot string) *memory.Log, logger zerolog.Logger) FinishHook {
	return func(ctx context.Context, res *Result) {
		if res == nil || res.ProjectRoot == "" || res.Thread == nil || !usedTools(res.Thread) {
			return
		}
		summary := fmt.Sprintf("Session %s ended %s after %d steps.", res.Thread.ID, res.State, res.Thread.Step)
		if final := strings.Join(strings.Fields(res.Final), " "); final != "" {
			if len(final) > flushSummaryLimit {
				final = final[:flushSummaryLimit] + "..."
			}
			summary += " Outcome: " + final
		}
		if err := logFor(res.ProjectRoot).Append(ctx, memory.Knowledge, res.AgentID, summary); err != nil {
			logger.Warn().Err(err).Str("thread_id", res.Thread.ID).Msg("Failed to flush session memory")
		}
	}
}

func usedTools(t *Thread) bool {
	for _, m := range t.Messages {
		if len(m.ToolCalls) > 0 {
			return true
		}
	}
	return false
}
