package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestIDs(t *testing.T) {
	assert.NotEmpty(t, NewTraceID())
	assert.NotEqual(t, NewTraceID(), NewTraceID())
	assert.NotEqual(t, NewRunID(), NewRunID())
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace")
	ctx = WithRunID(ctx, "run")
	ctx = WithAgentID(ctx, "agent")
	ctx = WithThreadID(ctx, "thread")
	ctx = WithSwarmID(ctx, "swarm")

	tc := FromContext(ctx)
	assert.Equal(t, &TraceContext{
		TraceID:  "trace",
		RunID:    "run",
		AgentID:  "agent",
		ThreadID: "thread",
		SwarmID:  "swarm",
	}, tc)

	assert.Equal(t, tc, FromContext(NewContext(context.Background(), tc)))
}

func TestEmptyContext(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetSwarmID(nil)) //nolint:staticcheck
}

func TestNewAgentRunContext(t *testing.T) {
	t.Run("creates trace id when missing", func(t *testing.T) {
		ctx := NewAgentRunContext(context.Background(), "queen", "t1")
		assert.NotEmpty(t, GetTraceID(ctx))
		assert.NotEmpty(t, GetRunID(ctx))
		assert.Equal(t, "queen", GetAgentID(ctx))
		assert.Equal(t, "t1", GetThreadID(ctx))
	})

	t.Run("keeps parent trace id", func(t *testing.T) {
		parent := WithTraceID(context.Background(), "parent-trace")
		ctx := NewAgentRunContext(parent, "queen", "t1")
		assert.Equal(t, "parent-trace", GetTraceID(ctx))
	})
}

func TestPropagateToWorker(t *testing.T) {
	parent := WithTraceID(context.Background(), "trace-1")
	parent = WithRunID(parent, "run-parent")

	child := PropagateToWorker(parent, "swarm-1", "worker-FEAT-01")
	assert.Equal(t, "trace-1", GetTraceID(child))
	assert.NotEqual(t, "run-parent", GetRunID(child))
	assert.Equal(t, "worker-FEAT-01", GetAgentID(child))
	assert.Equal(t, "worker-FEAT-01", GetThreadID(child))
	assert.Equal(t, "swarm-1", GetSwarmID(child))
}

func TestDetach(t *testing.T) {
	ctx, cancel := context.WithCancel(WithSwarmID(context.Background(), "s"))
	cancel()

	detached := Detach(ctx)
	assert.NoError(t, detached.Err())
	assert.Equal(t, "s", GetSwarmID(detached))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithThreadID(WithTraceID(context.Background(), "tr"), "th")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"trace_id":"tr"`)
	assert.Contains(t, buf.String(), `"thread_id":"th"`)
	assert.NotContains(t, buf.String(), "swarm_id")
}
