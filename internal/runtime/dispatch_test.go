package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/implementos/agentd/internal/log"
	"github.com/implementos/agentd/internal/model"
	"github.com/implementos/agentd/internal/tool"
)

func dispatchRuntime(t *testing.T) *Runtime {
	t.Helper()
	return &Runtime{logger: log.NewNop(), payloadCap: DefaultPayloadCap}
}

func call(name string, args string) model.ToolCall {
	return model.ToolCall{ID: "t-" + name, Name: name, Arguments: json.RawMessage(args)}
}

func TestDispatchWriteBatchSerialized(t *testing.T) {
	var active, maxActive atomic.Int32
	spec, err := tool.New("bump", "Mutates state.", tool.EffectWrite,
		func(_ context.Context, _ *tool.Context, _ struct{}) (string, error) {
			cur := active.Add(1)
			defer active.Add(-1)
			for {
				prev := maxActive.Load()
				if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return "ok", nil
		})
	require.NoError(t, err)
	agent := testAgent(t, spec)

	r := dispatchRuntime(t)
	calls := []model.ToolCall{call("bump", `{}`), call("bump", `{}`), call("bump", `{}`)}
	payloads := r.dispatchBatch(context.Background(), agent, &tool.Context{}, calls)

	require.Len(t, payloads, 3)
	for _, p := range payloads {
		assert.Equal(t, "ok", p)
	}
	assert.Equal(t, int32(1), maxActive.Load(), "write batch must not overlap")
}

func TestDispatchReadBatchParallel(t *testing.T) {
	// Both handlers block on the barrier; only concurrent execution
	// lets them finish.
	var barrier sync.WaitGroup
	barrier.Add(2)
	spec, err := tool.New("probe", "Reads something.", tool.EffectRead,
		func(ctx context.Context, _ *tool.Context, _ struct{}) (string, error) {
			barrier.Done()
			done := make(chan struct{})
			go func() { barrier.Wait(); close(done) }()
			select {
			case <-done:
				return "ok", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
	require.NoError(t, err)
	agent := testAgent(t, spec)

	r := dispatchRuntime(t)
	payloads := r.dispatchBatch(context.Background(), agent, &tool.Context{},
		[]model.ToolCall{call("probe", `{}`), call("probe", `{}`)})

	assert.Equal(t, []string{"ok", "ok"}, payloads)
}

func TestInvokeUnknownTool(t *testing.T) {
	agent := testAgent(t)
	r := dispatchRuntime(t)

	payload := r.invoke(context.Background(), agent, &tool.Context{}, call("missing", `{}`))

	var p tool.ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(payload), &p))
	assert.Equal(t, tool.KindUnknownTool, p.Kind)
	assert.Contains(t, p.Message, "missing")
}

func TestInvokeBadArguments(t *testing.T) {
	agent := testAgent(t, echoSpec(t))
	r := dispatchRuntime(t)

	payload := r.invoke(context.Background(), agent, &tool.Context{},
		call("echo", `{"text":"x","bogus":1}`))

	var p tool.ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(payload), &p))
	assert.Equal(t, tool.KindBadArgs, p.Kind)
}

func TestInvokeHandlerError(t *testing.T) {
	spec, err := tool.New("fail", "Always fails.", tool.EffectRead,
		func(_ context.Context, _ *tool.Context, _ struct{}) (string, error) {
			return "", errors.New("backend unavailable")
		})
	require.NoError(t, err)
	agent := testAgent(t, spec)
	r := dispatchRuntime(t)

	payload := r.invoke(context.Background(), agent, &tool.Context{}, call("fail", `{}`))

	var p tool.ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(payload), &p))
	assert.False(t, p.OK)
	assert.Contains(t, p.Message, "backend unavailable")
}

func TestInvokePanicRecovered(t *testing.T) {
	spec, err := tool.New("boom", "Panics.", tool.EffectRead,
		func(_ context.Context, _ *tool.Context, _ struct{}) (string, error) {
			panic("unexpected nil")
		})
	require.NoError(t, err)
	agent := testAgent(t, spec)
	r := dispatchRuntime(t)

	payload := r.invoke(context.Background(), agent, &tool.Context{}, call("boom", `{}`))

	var p tool.ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(payload), &p))
	assert.Equal(t, tool.KindExecution, p.Kind)
	assert.Contains(t, p.Message, "panicked")
}

func TestInvokeTimeout(t *testing.T) {
	agent := testAgent(t, slowSpec(t))
	agent.Timeouts.Tool = 50 * time.Millisecond
	r := dispatchRuntime(t)

	start := time.Now()
	payload := r.invoke(context.Background(), agent, &tool.Context{}, call("slow", `{"text":"x"}`))

	assert.Less(t, time.Since(start), time.Second)
	var p tool.ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(payload), &p))
	assert.Equal(t, tool.KindTimeout, p.Kind)
}

func TestTruncatePayload(t *testing.T) {
	long := strings.Repeat("a", 100)

	got := truncatePayload(long, 20)
	assert.Contains(t, got, `"truncated":true`)
	assert.Less(t, len(got), len(long))

	assert.Equal(t, "short", truncatePayload("short", 20))
	assert.Equal(t, long, truncatePayload(long, 0), "zero cap disables truncation")
}
