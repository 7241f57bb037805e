package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxTag string

func TestHookChainOrder(t *testing.T) {
	var calls []string
	hook := func(name string) HookFuncs {
		return HookFuncs{
			Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
				calls = append(calls, "before:"+name)
				return context.WithValue(ctx, ctxTag(name), true), km, append(data, name...), nil
			},
			After: func(ctx context.Context, _ string, _ kafka.Message, _ []byte, _ error) {
				calls = append(calls, "after:"+name)
			},
		}
	}
	chain := NewHookChain(hook("a"), nil, hook("b"))

	ctx, _, data, err := chain.BeforeHandle(context.Background(), "obs", kafka.Message{}, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "xab", string(data))
	assert.Equal(t, true, ctx.Value(ctxTag("a")))
	assert.Equal(t, true, ctx.Value(ctxTag("b")))

	chain.AfterHandle(ctx, "obs", kafka.Message{}, data, nil)
	assert.Equal(t, []string{"before:a", "before:b", "after:b", "after:a"}, calls)
}

func TestHookChainPanicBecomesError(t *testing.T) {
	var seen error
	chain := NewHookChain(
		HookFuncs{Err: func(_ context.Context, _ string, _ kafka.Message, _ []byte, err error) { seen = err }},
		HookFuncs{Before: func(context.Context, string, kafka.Message, []byte) (context.Context, kafka.Message, []byte, error) {
			panic("bad header")
		}},
	)

	_, _, _, err := chain.BeforeHandle(context.Background(), "obs", kafka.Message{}, nil)
	var he *HookError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, "ERR_PANIC", he.Code)
	assert.Equal(t, err, seen)

	assert.NotPanics(t, func() {
		NewHookChain(HookFuncs{After: func(context.Context, string, kafka.Message, []byte, error) { panic("x") }}).
			AfterHandle(context.Background(), "obs", kafka.Message{}, nil, nil)
	})
}

func TestTraceContext(t *testing.T) {
	ctx := WithTraceID(context.Background(), "")
	assert.Empty(t, TraceID(ctx))

	km := kafka.Message{Headers: []kafka.Header{{Key: "other", Value: []byte("1")}, {Key: TraceHeader, Value: []byte("t-1")}}}
	assert.Equal(t, "t-1", TraceID(WithTraceID(ctx, ExtractTraceID(km))))
	assert.Empty(t, ExtractTraceID(kafka.Message{}))

	_, ok := StartTime(ctx)
	assert.False(t, ok)
}
