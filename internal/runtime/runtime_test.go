package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/implementos/agentd/internal/log"
	"github.com/implementos/agentd/internal/memory"
	"github.com/implementos/agentd/internal/model"
	"github.com/implementos/agentd/internal/orchestrator"
	"github.com/implementos/agentd/internal/session"
	"github.com/implementos/agentd/internal/stream"
	"github.com/implementos/agentd/internal/testutil"
	"github.com/implementos/agentd/internal/tool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoInput struct {
	Text string `json:"text"`
}

type fixture struct {
	store   *session.InMemory
	adapter *testutil.MockAdapter
	rt      *Runtime
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := session.NewInMemory()
	adapter := testutil.NewMockAdapter("listo")
	composer := memory.NewManager(adapter, "gemini-2.5-flash", log.NewNop())
	rt := New(store, adapter, composer, stream.NewBus(), log.NewNop(), opts...)
	return &fixture{store: store, adapter: adapter, rt: rt}
}

func testAgent(t *testing.T, specs ...*tool.Spec) *orchestrator.Agent {
	t.Helper()
	reg := tool.NewRegistry()
	for _, s := range specs {
		require.NoError(t, reg.Register(s))
	}
	return &orchestrator.Agent{
		Descriptor: orchestrator.Descriptor{
			ID:              "ventas",
			Name:            "Asistente de ventas",
			ModelID:         "gemini-2.5-flash",
			AllowedProfiles: []string{"vendedor"},
			MaxSteps:        4,
			Memory:          memory.Policy{Retention: 10},
			Timeouts: orchestrator.Timeouts{
				Tool:      time.Second,
				ModelCall: 5 * time.Second,
				Run:       10 * time.Second,
			},
			QueuePolicy: orchestrator.QueuePolicyQueue,
		},
		Tools: reg,
	}
}

func echoSpec(t *testing.T) *tool.Spec {
	t.Helper()
	s, err := tool.New("echo", "Echo text back.", tool.EffectPure,
		func(_ context.Context, _ *tool.Context, in echoInput) (string, error) {
			return in.Text, nil
		})
	require.NoError(t, err)
	return s
}

func slowSpec(t *testing.T) *tool.Spec {
	t.Helper()
	s, err := tool.New("slow", "Takes a long time.", tool.EffectPure,
		func(ctx context.Context, _ *tool.Context, _ echoInput) (string, error) {
			select {
			case <-time.After(120 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
	require.NoError(t, err)
	return s
}

func collect(t *testing.T, sub *stream.Subscription) []stream.Event {
	t.Helper()
	var events []stream.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("run did not finish in time")
		}
	}
}

func kinds(events []stream.Event) []stream.Kind {
	out := make([]stream.Kind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func run(t *testing.T, f *fixture, agent *orchestrator.Agent, message string) []stream.Event {
	t.Helper()
	sub, err := f.rt.Run(context.Background(), RunRequest{
		Agent:     agent,
		SessionID: "s1",
		UserID:    "u1",
		Profile:   "vendedor",
		Message:   message,
	})
	require.NoError(t, err)
	return collect(t, sub)
}

func loadRun(t *testing.T, f *fixture, agentID, sessionID string) (*session.Session, *session.Run) {
	t.Helper()
	sess, err := f.store.Load(context.Background(), agentID, sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, sess.Runs)
	return sess, sess.Runs[len(sess.Runs)-1]
}

func TestSingleTurnNoTools(t *testing.T) {
	f := newFixture(t)
	f.adapter.AddResponse("hola", "¡Hola! ¿En qué puedo ayudarte?")
	agent := testAgent(t)

	events := run(t, f, agent, "hola")

	require.NotEmpty(t, events)
	assert.Equal(t, stream.KindRunStarted, events[0].Kind)
	last := events[len(events)-1]
	assert.Equal(t, stream.KindRunCompleted, last.Kind)
	assert.Equal(t, session.ReasonAnswer, last.Reason)
	assert.Equal(t, "¡Hola! ¿En qué puedo ayudarte?", last.Answer)
	for _, ev := range events {
		assert.NotEqual(t, stream.KindToolCall, ev.Kind)
		assert.NotEqual(t, stream.KindToolResult, ev.Kind)
	}

	_, rn := loadRun(t, f, "ventas", "s1")
	require.NoError(t, rn.Validate())
	require.Len(t, rn.Messages, 2)
	assert.Equal(t, session.RoleUser, rn.Messages[0].Role)
	assert.Equal(t, session.RoleAssistant, rn.Messages[1].Role)
	assert.Equal(t, session.ReasonAnswer, rn.Reason)
}

func TestRunRejectsDisallowedProfile(t *testing.T) {
	f := newFixture(t)
	f.adapter.AddResponse("hola", "¡Hola!")
	agent := testAgent(t)

	_, err := f.rt.Run(context.Background(), RunRequest{
		Agent: agent, SessionID: "s1", UserID: "u1", Profile: "bodega", Message: "hola",
	})
	require.ErrorIs(t, err, ErrForbidden)

	// The rejection must not leave the session locked.
	sub, err := f.rt.Run(context.Background(), RunRequest{
		Agent: agent, SessionID: "s1", UserID: "u1", Profile: "vendedor", Message: "hola",
	})
	require.NoError(t, err)
	events := collect(t, sub)
	assert.Equal(t, stream.KindRunCompleted, events[len(events)-1].Kind)
}

func TestOneToolCall(t *testing.T) {
	f := newFixture(t)
	f.adapter.AddToolCallsOnce("echo 'abc'", model.ToolCall{
		ID: "t1", Name: "echo", Arguments: json.RawMessage(`{"text":"abc"}`),
	})
	f.adapter.AddStreamedResponse("echo 'abc'", "ab", "c listo")
	agent := testAgent(t, echoSpec(t))

	events := run(t, f, agent, "please echo 'abc'")

	ks := kinds(events)
	assert.Contains(t, ks, stream.KindToolCall)
	assert.Contains(t, ks, stream.KindToolResult)
	assert.Contains(t, ks, stream.KindTokenDelta)

	var result stream.Event
	for _, ev := range events {
		if ev.Kind == stream.KindToolResult {
			result = ev
		}
	}
	assert.Equal(t, "echo", result.ToolName)
	assert.Equal(t, "abc", result.Result)

	_, rn := loadRun(t, f, "ventas", "s1")
	require.NoError(t, rn.Validate())
	require.Len(t, rn.Messages, 4)
	assert.Equal(t, session.RoleUser, rn.Messages[0].Role)
	assert.True(t, rn.Messages[1].IsToolCall())
	assert.Equal(t, "t1", rn.Messages[1].ToolCallID)
	assert.Equal(t, session.RoleTool, rn.Messages[2].Role)
	assert.Equal(t, "abc", rn.Messages[2].Content)
	assert.Equal(t, session.RoleAssistant, rn.Messages[3].Role)
	assert.Equal(t, 1, rn.ToolCalls)
	assert.Equal(t, session.ReasonAnswer, rn.Reason)
}

func TestUnknownToolLoopContinues(t *testing.T) {
	f := newFixture(t)
	f.adapter.AddToolCallsOnce("inventario", model.ToolCall{
		ID: "t1", Name: "nonexistent", Arguments: json.RawMessage(`{}`),
	})
	f.adapter.AddResponse("inventario", "No pude consultar el inventario.")
	agent := testAgent(t, echoSpec(t))

	events := run(t, f, agent, "revisa el inventario")

	last := events[len(events)-1]
	assert.Equal(t, session.ReasonAnswer, last.Reason)

	_, rn := loadRun(t, f, "ventas", "s1")
	require.NoError(t, rn.Validate())
	require.Len(t, rn.Messages, 4)

	var payload tool.ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(rn.Messages[2].Content), &payload))
	assert.False(t, payload.OK)
	assert.Equal(t, tool.KindUnknownTool, payload.Kind)
}

func TestToolTimeout(t *testing.T) {
	f := newFixture(t)
	f.adapter.AddToolCallsOnce("lento", model.ToolCall{
		ID: "t1", Name: "slow", Arguments: json.RawMessage(`{"text":"x"}`),
	})
	f.adapter.AddResponse("lento", "La consulta tardó demasiado.")
	agent := testAgent(t, slowSpec(t))

	start := time.Now()
	events := run(t, f, agent, "algo lento")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 3*time.Second)
	last := events[len(events)-1]
	assert.Equal(t, session.ReasonAnswer, last.Reason)

	_, rn := loadRun(t, f, "ventas", "s1")
	var payload tool.ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(rn.Messages[2].Content), &payload))
	assert.Equal(t, tool.KindTimeout, payload.Kind)
}

func TestMaxStepsExceeded(t *testing.T) {
	f := newFixture(t)
	// Every turn requests another tool call; the loop must stop at
	// the step limit.
	f.adapter.AddToolCalls("sin fin", model.ToolCall{
		ID: "t", Name: "echo", Arguments: json.RawMessage(`{"text":"otra vez"}`),
	})
	agent := testAgent(t, echoSpec(t))
	agent.MaxSteps = 2

	events := run(t, f, agent, "sin fin")

	last := events[len(events)-1]
	assert.Equal(t, session.ReasonMaxSteps, last.Reason)

	_, rn := loadRun(t, f, "ventas", "s1")
	require.NoError(t, rn.Validate())
	assert.Equal(t, session.ReasonMaxSteps, rn.Reason)
	assert.Equal(t, 2, rn.ToolCalls)

	final := rn.Messages[len(rn.Messages)-1]
	assert.Equal(t, session.RoleAssistant, final.Role)
	assert.NotEmpty(t, final.Content)
}

func TestConcurrentRunsQueued(t *testing.T) {
	f := newFixture(t)
	f.adapter.AddResponse("hola", "respuesta")
	agent := testAgent(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := f.rt.Run(context.Background(), RunRequest{
				Agent: agent, SessionID: "s1", UserID: "u1", Profile: "vendedor", Message: "hola",
			})
			if err != nil {
				errs[i] = err
				return
			}
			collect(t, sub)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	sess, err := f.store.Load(context.Background(), "ventas", "s1")
	require.NoError(t, err)
	require.Len(t, sess.Runs, 2)
	// Serialized: intervals must not overlap.
	first, second := sess.Runs[0], sess.Runs[1]
	assert.LessOrEqual(t, first.FinishedAt, second.StartedAt)
}

func TestConcurrentRunsFailFast(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	blocking, err := tool.New("hold", "Waits for a signal.", tool.EffectPure,
		func(ctx context.Context, _ *tool.Context, _ echoInput) (string, error) {
			select {
			case <-release:
				return "ok", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		})
	require.NoError(t, err)

	f.adapter.AddToolCallsOnce("espera", model.ToolCall{
		ID: "t1", Name: "hold", Arguments: json.RawMessage(`{"text":"x"}`),
	})
	f.adapter.AddResponse("espera", "terminado")

	agent := testAgent(t, blocking)
	agent.QueuePolicy = orchestrator.QueuePolicyFailFast
	agent.Timeouts.Tool = 5 * time.Second

	sub, err := f.rt.Run(context.Background(), RunRequest{
		Agent: agent, SessionID: "s1", UserID: "u1", Profile: "vendedor", Message: "espera aquí",
	})
	require.NoError(t, err)

	// Wait for the first run to be busy inside the tool.
	waitForKind(t, sub, stream.KindToolCall)

	_, err = f.rt.Run(context.Background(), RunRequest{
		Agent: agent, SessionID: "s1", UserID: "u1", Profile: "vendedor", Message: "hola",
	})
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	collect(t, sub)

	sess, err := f.store.Load(context.Background(), "ventas", "s1")
	require.NoError(t, err)
	assert.Len(t, sess.Runs, 1, "rejected run must not be persisted")
}

// waitForKind consumes events until one of the given kind arrives.
func waitForKind(t *testing.T, sub *stream.Subscription, kind stream.Kind) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed before %s event", kind)
			}
			if ev.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", kind)
		}
	}
}

func TestCancellationLeavesNoOrphanToolCall(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	blocking, err := tool.New("hold", "Waits until cancelled.", tool.EffectPure,
		func(ctx context.Context, _ *tool.Context, _ echoInput) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		})
	require.NoError(t, err)

	f.adapter.AddToolCallsOnce("espera", model.ToolCall{
		ID: "t1", Name: "hold", Arguments: json.RawMessage(`{"text":"x"}`),
	})

	agent := testAgent(t, blocking)
	agent.Timeouts.Tool = 30 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := f.rt.Run(ctx, RunRequest{
		Agent: agent, SessionID: "s1", UserID: "u1", Profile: "vendedor", Message: "espera",
	})
	require.NoError(t, err)

	<-started
	cancel()
	events := collect(t, sub)

	last := events[len(events)-1]
	require.Equal(t, stream.KindRunCompleted, last.Kind)
	assert.Equal(t, session.ReasonCancelled, last.Reason)

	_, rn := loadRun(t, f, "ventas", "s1")
	assert.Equal(t, session.ReasonCancelled, rn.Reason)
	for _, msg := range rn.Messages {
		assert.False(t, msg.IsToolCall(), "cancelled run must not persist orphan tool calls")
	}
}

func TestCancelledRunDiscardsStateWrites(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	writer, err := tool.New("annotate", "Writes state then blocks.", tool.EffectWrite,
		func(ctx context.Context, rc *tool.Context, _ echoInput) (string, error) {
			rc.AppendState("thoughts", "parcial")
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		})
	require.NoError(t, err)

	f.adapter.AddToolCallsOnce("anota", model.ToolCall{
		ID: "t1", Name: "annotate", Arguments: json.RawMessage(`{"text":"x"}`),
	})

	agent := testAgent(t, writer)
	agent.Timeouts.Tool = 30 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := f.rt.Run(ctx, RunRequest{
		Agent: agent, SessionID: "s1", UserID: "u1", Profile: "vendedor", Message: "anota esto",
	})
	require.NoError(t, err)

	<-started
	cancel()
	collect(t, sub)

	sess, _ := loadRun(t, f, "ventas", "s1")
	assert.NotContains(t, sess.State, "thoughts")
}

func TestProviderErrorTerminatesRun(t *testing.T) {
	f := newFixture(t)
	f.adapter.AddError("hola", errors.New("401 unauthorized"))
	agent := testAgent(t)

	events := run(t, f, agent, "hola")

	ks := kinds(events)
	assert.Contains(t, ks, stream.KindError)
	last := events[len(events)-1]
	assert.Equal(t, stream.KindRunCompleted, last.Kind)
	assert.Equal(t, session.ReasonError, last.Reason)
}

func TestRetentionTrimsOldestRuns(t *testing.T) {
	f := newFixture(t)
	f.adapter.AddResponse("hola", "respuesta")
	agent := testAgent(t)
	agent.Memory.Retention = 2

	for i := 0; i < 3; i++ {
		run(t, f, agent, "hola")
	}

	sess, err := f.store.Load(context.Background(), "ventas", "s1")
	require.NoError(t, err)
	assert.Len(t, sess.Runs, 2)
}

func TestStatePersistsAcrossRuns(t *testing.T) {
	f := newFixture(t)
	writer, err := tool.New("annotate", "Appends a note.", tool.EffectWrite,
		func(_ context.Context, rc *tool.Context, in echoInput) (string, error) {
			rc.AppendState("thoughts", in.Text)
			return "ok", nil
		})
	require.NoError(t, err)

	f.adapter.AddToolCallsOnce("anota", model.ToolCall{
		ID: "t1", Name: "annotate", Arguments: json.RawMessage(`{"text":"idea"}`),
	})
	f.adapter.AddResponse("anota", "anotado")

	agent := testAgent(t, writer)
	run(t, f, agent, "anota esto")

	sess, err := f.store.Load(context.Background(), "ventas", "s1")
	require.NoError(t, err)
	require.Contains(t, sess.State, "thoughts")
	thoughts := sess.State["thoughts"].([]any)
	assert.Equal(t, []any{"idea"}, thoughts)
}

func TestParallelToolCallsKeepModelOrder(t *testing.T) {
	f := newFixture(t)
	f.adapter.AddToolCallsOnce("dos cosas",
		model.ToolCall{ID: "t1", Name: "echo", Arguments: json.RawMessage(`{"text":"uno"}`)},
		model.ToolCall{ID: "t2", Name: "echo", Arguments: json.RawMessage(`{"text":"dos"}`)},
	)
	f.adapter.AddResponse("dos cosas", "ambas listas")
	agent := testAgent(t, echoSpec(t))

	run(t, f, agent, "haz dos cosas")

	_, rn := loadRun(t, f, "ventas", "s1")
	require.NoError(t, rn.Validate())
	require.Len(t, rn.Messages, 6)
	assert.Equal(t, "t1", rn.Messages[1].ToolCallID)
	assert.Equal(t, "uno", rn.Messages[2].Content)
	assert.Equal(t, "t2", rn.Messages[3].ToolCallID)
	assert.Equal(t, "dos", rn.Messages[4].Content)
	assert.Equal(t, 2, rn.ToolCalls)
}

func TestOversizedToolPayloadTruncated(t *testing.T) {
	f := newFixture(t)
	big, err := tool.New("dump", "Returns a huge payload.", tool.EffectRead,
		func(_ context.Context, _ *tool.Context, _ echoInput) (string, error) {
			return strings.Repeat("x", 100_000), nil
		})
	require.NoError(t, err)

	f.adapter.AddToolCallsOnce("todo", model.ToolCall{
		ID: "t1", Name: "dump", Arguments: json.RawMessage(`{"text":"x"}`),
	})
	f.adapter.AddResponse("todo", "resumido")

	agent := testAgent(t, big)
	run(t, f, agent, "dame todo")

	_, rn := loadRun(t, f, "ventas", "s1")
	content := rn.Messages[2].Content
	assert.Less(t, len(content), 20_000)
	assert.Contains(t, content, `"truncated":true`)
}
