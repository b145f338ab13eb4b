// Package runtime drives the agent loop: compose context, call the
// model, dispatch requested tools, feed results back, and persist the
// finished run. One goroutine per run; runs on the same session are
// serialized.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/implementos/agentd/internal/log"
	"github.com/implementos/agentd/internal/memory"
	"github.com/implementos/agentd/internal/model"
	"github.com/implementos/agentd/internal/orchestrator"
	"github.com/implementos/agentd/internal/session"
	"github.com/implementos/agentd/internal/stream"
	"github.com/implementos/agentd/internal/tool"
)

// EventBuffer is the per-run subscription buffer handed to consumers.
const EventBuffer = 256

// maxStepsMessage is the degraded reply when the loop hits its step
// limit without a final answer.
const maxStepsMessage = "Lo siento, no pude completar la solicitud. ¿Puedes reformularla o dividirla en pasos más simples?"

// RunRequest describes one run invocation. The agent comes resolved
// from the orchestrator; Run revalidates the profile itself.
type RunRequest struct {
	Agent     *orchestrator.Agent
	SessionID string
	UserID    string
	Profile   string
	Message   string
}

// Runtime executes runs.
type Runtime struct {
	store      session.Store
	adapter    model.Adapter
	composer   *memory.Manager
	bus        *stream.Bus
	locks      *sessionLocks
	logger     log.Logger
	payloadCap int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithPayloadCap overrides the tool payload truncation cap.
func WithPayloadCap(limit int) Option {
	return func(r *Runtime) { r.payloadCap = limit }
}

// WithMaxQueue overrides how many runs may wait per session.
func WithMaxQueue(n int) Option {
	return func(r *Runtime) { r.locks = newSessionLocks(n) }
}

// New creates a Runtime.
func New(store session.Store, adapter model.Adapter, composer *memory.Manager, bus *stream.Bus, logger log.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		store:      store,
		adapter:    adapter,
		composer:   composer,
		bus:        bus,
		locks:      newSessionLocks(DefaultMaxQueue),
		logger:     logger,
		payloadCap: DefaultPayloadCap,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bus returns the event bus runs publish to.
func (r *Runtime) Bus() *stream.Bus { return r.bus }

// Run acquires the session, subscribes the caller, and executes the
// run on its own goroutine. The returned subscription delivers the
// run's events; its channel closes when the run finishes. Cancelling
// ctx cancels the run cooperatively.
func (r *Runtime) Run(ctx context.Context, req RunRequest) (*stream.Subscription, error) {
	if req.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if req.SessionID == "" || req.UserID == "" {
		return nil, fmt.Errorf("session id and user id are required")
	}
	if !req.Agent.Allows(req.Profile) {
		return nil, fmt.Errorf("%w: agent %q, profile %q", ErrForbidden, req.Agent.ID, req.Profile)
	}

	key := req.Agent.ID + "/" + req.SessionID
	failFast := req.Agent.QueuePolicy == orchestrator.QueuePolicyFailFast
	if err := r.locks.acquire(ctx, key, failFast); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	sub := r.bus.Subscribe(runID, EventBuffer)

	go func() {
		defer r.locks.release(key)
		defer r.bus.Finish(runID)
		r.execute(ctx, req, runID)
	}()

	return sub, nil
}

// execute is the run state machine. It always terminates with a
// RunCompleted event, whatever happened on the way.
func (r *Runtime) execute(ctx context.Context, req RunRequest, runID string) {
	agent := req.Agent
	ctx, cancel := context.WithTimeout(ctx, agent.Timeouts.Run)
	defer cancel()

	logger := r.logger.With("agent_id", agent.ID, "session_id", req.SessionID, "run_id", runID)

	run := &session.Run{
		ID:        runID,
		StartedAt: time.Now().Unix(),
		Input:     req.Message,
	}
	r.bus.Publish(ctx, stream.RunStarted(runID))

	sess, err := r.loadSession(ctx, req)
	if err != nil {
		logger.Error("session load failed", "error", err)
		r.bus.Publish(ctx, stream.Error(runID, "session load failed"))
		r.finish(ctx, nil, run, "", session.ReasonError, agent, req)
		return
	}

	composed, err := r.composer.Compose(ctx, memory.ComposeInput{
		Instructions: agent.Instructions,
		Session:      sess,
		UserMessage:  req.Message,
		Policy:       agent.Memory,
	})
	if err != nil {
		logger.Error("context composition failed", "error", err)
		r.bus.Publish(ctx, stream.Error(runID, "context composition failed"))
		r.finish(ctx, sess, run, "", session.ReasonError, agent, req)
		return
	}

	// The run owns a working copy of the session state; it is flushed
	// back only when the run completes, so a cancelled run leaves no
	// partial writes.
	rc := &tool.Context{
		AgentID:   agent.ID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		State:     copyState(sess.State),
	}

	run.Messages = append(run.Messages, session.Message{Role: session.RoleUser, Content: req.Message})
	transcript := composed.Messages

	answer, reason := r.loop(ctx, req, runID, rc, run, composed.System, transcript, logger)

	if reason != session.ReasonCancelled {
		sess.State = rc.State
	}
	r.finish(ctx, sess, run, answer, reason, agent, req)
}

// loop runs model turns until a final answer, the step limit, an
// error, or cancellation.
func (r *Runtime) loop(ctx context.Context, req RunRequest, runID string, rc *tool.Context, run *session.Run, system string, transcript []session.Message, logger log.Logger) (string, session.Reason) {
	agent := req.Agent
	decls := toolDecls(agent)

	for step := 1; step <= agent.MaxSteps; step++ {
		if ctx.Err() != nil {
			return "", session.ReasonCancelled
		}
		r.bus.Publish(ctx, stream.Status(runID, "thinking"))

		calls, text, usage, err := r.modelTurn(ctx, runID, agent.Timeouts.ModelCall, model.Request{
			ModelID:         agent.ModelID,
			System:          system,
			Messages:        transcript,
			Tools:           decls,
			Temperature:     agent.Temperature,
			MaxOutputTokens: agent.MaxOutputTokens,
		})
		if usage != nil {
			run.Usage.Add(*usage)
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", session.ReasonCancelled
			}
			logger.Error("model turn failed", "step", step, "error", err)
			r.bus.Publish(ctx, stream.Error(runID, err.Error()))
			return "", session.ReasonError
		}

		if len(calls) == 0 {
			run.Messages = append(run.Messages, session.Message{Role: session.RoleAssistant, Content: text})
			return text, session.ReasonAnswer
		}

		for _, call := range calls {
			r.bus.Publish(ctx, stream.ToolCall(runID, call.ID, call.Name, call.Arguments))
		}
		r.bus.Publish(ctx, stream.Status(runID, "running_tools"))

		payloads := r.dispatchBatch(ctx, agent, rc, calls)
		if ctx.Err() != nil {
			// Discard the batch: appending the calls without their
			// results would orphan the tool_call messages.
			return "", session.ReasonCancelled
		}

		for i, call := range calls {
			r.bus.Publish(ctx, stream.ToolResult(runID, call.ID, call.Name, payloads[i]))
			pair := []session.Message{
				{Role: session.RoleAssistant, ToolCallID: call.ID, ToolName: call.Name, Arguments: call.Arguments},
				{Role: session.RoleTool, ToolCallID: call.ID, ToolName: call.Name, Content: payloads[i]},
			}
			run.Messages = append(run.Messages, pair...)
			transcript = append(transcript, pair...)
			run.ToolCalls++
		}
	}

	run.Messages = append(run.Messages, session.Message{Role: session.RoleAssistant, Content: maxStepsMessage})
	return maxStepsMessage, session.ReasonMaxSteps
}

// modelTurn executes one provider call and consumes its stream,
// forwarding token deltas to the run's subscriber.
func (r *Runtime) modelTurn(ctx context.Context, runID string, timeout time.Duration, mreq model.Request) ([]model.ToolCall, string, *session.Usage, error) {
	mctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st, err := r.adapter.Complete(mctx, mreq)
	if err != nil {
		return nil, "", nil, err
	}
	defer st.Cancel()

	var (
		calls []model.ToolCall
		text  string
		usage *session.Usage
	)
	for ev := range st.Events() {
		switch ev.Kind {
		case model.EventTokenDelta:
			r.bus.Publish(ctx, stream.TokenDelta(runID, ev.Delta))
		case model.EventUsage:
			usage = ev.Usage
		case model.EventToolCalls:
			calls = ev.ToolCalls
		case model.EventFinal:
			text = ev.Text
		case model.EventError:
			return nil, "", usage, ev.Err
		}
	}
	if err := mctx.Err(); err != nil && len(calls) == 0 && text == "" {
		return nil, "", usage, err
	}
	return calls, text, usage, nil
}

// finish persists the run and emits the terminal event. A persist
// failure is surfaced as an Error event but the reply has already
// been streamed, so the run still completes.
func (r *Runtime) finish(ctx context.Context, sess *session.Session, run *session.Run, answer string, reason session.Reason, agent *orchestrator.Agent, req RunRequest) {
	run.FinishedAt = time.Now().Unix()
	run.Reason = reason

	// Terminal events must reach the subscriber even when the run's
	// context was cancelled.
	ctx = context.WithoutCancel(ctx)

	if sess != nil {
		sess.AgentData = &session.AgentData{Name: agent.Name, ModelID: agent.ModelID}
		addProfile(sess, req.Profile)
		sess.Touch(run.FinishedAt)

		if reason == session.ReasonAnswer {
			r.composer.AfterRun(ctx, sess, run, agent.Memory)
		}

		persistCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := r.store.AppendRun(persistCtx, sess, run, agent.Memory.Retention); err != nil {
			r.logger.Error("run persistence failed",
				"agent_id", sess.AgentID, "session_id", sess.SessionID, "run_id", run.ID, "error", err)
			r.bus.Publish(ctx, stream.Error(run.ID, "run persistence failed"))
		}
	}

	r.bus.Publish(ctx, stream.RunCompleted(run.ID, answer, reason, run.Usage))
}

func (r *Runtime) loadSession(ctx context.Context, req RunRequest) (*session.Session, error) {
	sess, err := r.store.Load(ctx, req.Agent.ID, req.SessionID)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, session.ErrNotFound):
		return session.New(req.Agent.ID, req.SessionID, req.UserID, time.Now().Unix()), nil
	default:
		return nil, err
	}
}

func toolDecls(agent *orchestrator.Agent) []model.ToolDecl {
	specs := agent.Tools.Specs()
	decls := make([]model.ToolDecl, 0, len(specs))
	for _, s := range specs {
		decls = append(decls, model.ToolDecl{Name: s.Name})
	}
	return decls
}

// copyState deep-copies the session state through JSON so run-local
// mutations never alias the persisted document.
func copyState(state map[string]any) map[string]any {
	if len(state) == 0 {
		return make(map[string]any)
	}
	buf, err := json.Marshal(state)
	if err != nil {
		return make(map[string]any)
	}
	var out map[string]any
	if err := json.Unmarshal(buf, &out); err != nil {
		return make(map[string]any)
	}
	return out
}

func addProfile(sess *session.Session, profile string) {
	if profile == "" {
		return
	}
	for _, p := range sess.Profiles {
		if p == profile {
			return
		}
	}
	sess.Profiles = append(sess.Profiles, profile)
}
