package requestctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAnnotateRecordsFieldsAndEnrichesLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := WithLogger(context.Background(), zap.New(core))
	ctx, fields := WithFields(ctx)

	ctx = Annotate(ctx, FieldUserID, "user-1")
	ctx = Annotate(ctx, FieldOperation, "add to cart")
	ctx = Annotate(ctx, FieldProductID, "")
	Logger(ctx).Info("cart updated")

	assert.Equal(t, "user-1", fields.Get(FieldUserID))
	assert.Equal(t, "add to cart", fields.Get(FieldOperation))
	assert.Empty(t, fields.Get(FieldProductID))

	rendered := fields.ZapFields()
	require.Len(t, rendered, 2)
	assert.Equal(t, FieldOperation, rendered[0].Key)
	assert.Equal(t, FieldUserID, rendered[1].Key)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, map[string]any{FieldUserID: "user-1", FieldOperation: "add to cart"}, logs.All()[0].ContextMap())
}

func TestAnnotateWithoutCollector(t *testing.T) {
	ctx := Annotate(context.Background(), FieldUserID, "user-1")
	assert.Same(t, NoopLogger(), Logger(context.Background()))
	assert.NotNil(t, Logger(ctx))

	var fields *Fields
	fields.Set(FieldUserID, "ignored")
	assert.Empty(t, fields.Get(FieldUserID))
	assert.Nil(t, fields.ZapFields())
}

func TestTraceRoundTrip(t *testing.T) {
	_, ok := Trace(context.Background())
	assert.False(t, ok)

	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", SpanID: "def", Sampled: true})
	info, ok := Trace(ctx)
	require.True(t, ok)
	assert.Equal(t, "abc", info.TraceID)
	assert.True(t, info.Sampled)
}
