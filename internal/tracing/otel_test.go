package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSpan(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("hive-test", 1))

	ctx, span := StartSpan(context.Background(), TracerQueue, "test.span")
	assert.NotEmpty(t, GetTraceID(ctx))
	EndSpan(span, errors.New("boom"))

	t.Run("keeps existing trace id", func(t *testing.T) {
		ctx, span := StartSpan(WithTraceID(context.Background(), "fixed"), TracerQueue, "test.span")
		defer EndSpan(span, nil)
		assert.Equal(t, "fixed", GetTraceID(ctx))
	})

	t.Run("nil context", func(t *testing.T) {
		ctx, span := StartSpan(nil, TracerQueue, "test.span") //nolint:staticcheck
		defer EndSpan(span, nil)
		assert.NotNil(t, ctx)
	})

	assert.NoError(t, ShutdownOpenTelemetry(context.Background()))
}
