package runtime

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/implementos/agentd/internal/model"
	"github.com/implementos/agentd/internal/orchestrator"
	"github.com/implementos/agentd/internal/tool"
)

// DefaultPayloadCap bounds a tool payload before it joins the
// transcript. Oversized payloads are truncated with a marker.
const DefaultPayloadCap = 8 * 1024

// dispatchBatch executes one model turn's tool calls and returns
// their payloads in model order. Calls run concurrently unless the
// batch contains a write-class handler, in which case the whole batch
// runs sequentially so state mutations cannot interleave.
func (r *Runtime) dispatchBatch(ctx context.Context, agent *orchestrator.Agent, rc *tool.Context, calls []model.ToolCall) []string {
	payloads := make([]string, len(calls))

	if batchHasWrite(agent, calls) {
		for i, call := range calls {
			if ctx.Err() != nil {
				break
			}
			payloads[i] = r.invoke(ctx, agent, rc, call)
		}
		return payloads
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			payloads[i] = r.invoke(gctx, agent, rc, call)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // invoke reports failures in the payload
	return payloads
}

func batchHasWrite(agent *orchestrator.Agent, calls []model.ToolCall) bool {
	for _, call := range calls {
		spec, err := agent.Tools.Lookup(call.Name)
		if err != nil {
			continue
		}
		if spec.Effect == tool.EffectWrite || spec.Effect == tool.EffectExternalWrite {
			return true
		}
	}
	return false
}

// invoke runs one tool call to a payload string. It never fails:
// unknown tools, bad arguments, handler errors, panics and timeouts
// all become structured error payloads the model can read.
func (r *Runtime) invoke(ctx context.Context, agent *orchestrator.Agent, rc *tool.Context, call model.ToolCall) string {
	spec, err := agent.Tools.Lookup(call.Name)
	if err != nil {
		return tool.MarshalPayload(tool.UnknownToolError(call.Name))
	}
	if err := spec.ValidateArgs(call.Arguments); err != nil {
		return tool.MarshalPayload(tool.BadArgsError(call.Name, err))
	}

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)

	tctx, cancel := context.WithTimeout(ctx, agent.Timeouts.Tool)
	defer cancel()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tool handler panicked",
					"tool", call.Name, "panic", p)
				done <- outcome{err: fmt.Errorf("handler panicked: %v", p)}
			}
		}()
		out, err := spec.Dispatch(tctx, rc, call.Arguments)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return tool.MarshalPayload(tool.ExecutionError(o.err.Error()))
		}
		return truncatePayload(tool.MarshalPayload(o.out), r.payloadCap)
	case <-tctx.Done():
		// The handler was signalled through tctx; it may run to
		// completion but its result is discarded.
		if ctx.Err() != nil {
			return tool.MarshalPayload(tool.ExecutionError("run cancelled"))
		}
		return tool.MarshalPayload(tool.TimeoutError(call.Name))
	}
}

// truncatePayload caps a payload, wrapping the kept prefix so both
// the model and tests can see that truncation happened.
func truncatePayload(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return `{"truncated":true,"payload":` + strconv.Quote(text[:limit]) + `}`
}
