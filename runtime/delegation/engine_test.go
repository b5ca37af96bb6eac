package delegation_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/CollabKit/pkg/testutil"
	"github.com/AltairaLabs/CollabKit/runtime/agentrpc"
	"github.com/AltairaLabs/CollabKit/runtime/agentrpc/mock"
	"github.com/AltairaLabs/CollabKit/runtime/bus"
	"github.com/AltairaLabs/CollabKit/runtime/delegation"
	"github.com/AltairaLabs/CollabKit/runtime/events"
	"github.com/AltairaLabs/CollabKit/runtime/ledger"
	"github.com/AltairaLabs/CollabKit/runtime/registry"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

type harness struct {
	bus       *bus.Bus
	broadcast *ledger.Memory
	direct    *ledger.Memory
}

func newHarness() *harness {
	h := &harness{broadcast: ledger.NewMemory(), direct: ledger.NewMemory()}
	h.bus = bus.New(registry.New(), h.broadcast, h.direct)
	return h
}

func (h *harness) broadcasts(t *testing.T, sessionID string) []types.Message {
	t.Helper()
	msgs, err := h.broadcast.ListSince(context.Background(), sessionID, 0)
	require.NoError(t, err)
	return msgs
}

func (h *harness) directs(t *testing.T, sessionID string) []types.Message {
	t.Helper()
	msgs, err := h.direct.ListSince(context.Background(), sessionID, 0)
	require.NoError(t, err)
	return msgs
}

func waitState(t *testing.T, e *delegation.Engine, taskID string, want types.TaskState) *types.DelegationTask {
	t.Helper()
	var got *types.DelegationTask
	require.Eventually(t, func() bool {
		task, err := e.Task(taskID)
		if err != nil {
			return false
		}
		got = task
		return task.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func agent(id, name, endpoint string) *types.Agent {
	return &types.Agent{ID: id, Name: name, Endpoint: endpoint}
}

func TestSubmit_ManagerResearcherWriter(t *testing.T) {
	srv := mock.NewAgentServer(
		mock.WithOutput("researcher", "three competitors found"),
		mock.WithLatency("researcher", 30*time.Millisecond),
		mock.WithOutput("writer", "draft ready"),
	)
	defer srv.Close()

	h := newHarness()
	e := delegation.NewEngine(h.bus, delegation.WithInvoker(agentrpc.NewClient()))
	defer e.Close()

	view := delegation.SessionView{ID: "s1", Participants: []types.Participant{
		{Agent: agent("manager", "Manager", ""), IsManager: true},
		{Agent: agent("researcher", "Researcher", srv.URL())},
		{Agent: agent("writer", "Writer", srv.URL())},
	}}

	task, err := e.Submit(context.Background(), view, "write a market brief", "human")
	require.NoError(t, err)
	assert.Equal(t, types.TaskDispatched, task.State)
	assert.Equal(t, "manager", task.ManagerID)
	require.Len(t, task.Subtasks, 2)
	assert.Equal(t, "researcher", task.Subtasks[0].AgentID)
	assert.Equal(t, "writer", task.Subtasks[1].AgentID)

	done := waitState(t, e, task.ID, types.TaskAggregated)
	assert.Equal(t, types.SubtaskCompleted, done.Subtasks[0].Status)
	assert.Equal(t, types.SubtaskCompleted, done.Subtasks[1].Status)

	// one public direct request per specialist, from the manager
	reqs := h.directs(t, "s1")
	require.Len(t, reqs, 2)
	for i, m := range reqs {
		assert.Equal(t, int64(i+1), m.Seq)
		assert.Equal(t, "manager", m.SenderID)
		assert.False(t, m.IsPrivate)
		assert.Equal(t, task.ID, m.TaskID)
		assert.Equal(t, "write a market brief", m.Content)
	}

	// the aggregate keeps subtask order even though the writer answered first
	agg := h.broadcasts(t, "s1")
	require.Len(t, agg, 1)
	assert.Equal(t, done.AggregateSeq, agg[0].Seq)
	assert.Equal(t, "manager", agg[0].SenderID)
	require.NotNil(t, agg[0].Delegation)
	require.Len(t, agg[0].Delegation.Outcomes, 2)
	assert.Equal(t, "researcher", agg[0].Delegation.Outcomes[0].AgentID)
	r := strings.Index(agg[0].Content, "three competitors found")
	w := strings.Index(agg[0].Content, "draft ready")
	require.True(t, r >= 0 && w >= 0)
	assert.Less(t, r, w)
}

func TestSubmit_DelegationInProgress(t *testing.T) {
	h := newHarness()
	e := delegation.NewEngine(h.bus)
	defer e.Close()

	view := delegation.SessionView{ID: "s1", Participants: []types.Participant{
		{Agent: agent("m", "M", ""), IsManager: true},
		{Agent: agent("a", "A", "")},
	}}
	first, err := e.Submit(context.Background(), view, "one", "human")
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), view, "two", "human")
	require.ErrorIs(t, err, types.ErrDelegationInProgress)
	assert.Len(t, e.Tasks("s1"), 1, "no task is created for the rejected request")
	assert.Len(t, h.directs(t, "s1"), 1)

	// another session is unaffected
	other := view
	other.ID = "s2"
	_, err = e.Submit(context.Background(), other, "three", "human")
	require.NoError(t, err)

	require.NoError(t, e.CompleteSubtask(context.Background(), "s1",
		delegation.Result{TaskID: first.ID, AgentID: "a", Output: "done"}))
	waitState(t, e, first.ID, types.TaskAggregated)

	_, err = e.Submit(context.Background(), view, "four", "human")
	assert.NoError(t, err)
}

func TestSubmit_TimeoutStillAggregates(t *testing.T) {
	h := newHarness()
	e := delegation.NewEngine(h.bus, delegation.WithTimeout(50*time.Millisecond))
	defer e.Close()

	view := delegation.SessionView{ID: "s1", Participants: []types.Participant{
		{Agent: agent("fast", "Fast", "")},
		{Agent: agent("silent", "Silent", "")},
	}}
	task, err := e.Submit(context.Background(), view, "go", "human")
	require.NoError(t, err)
	assert.Equal(t, types.SystemSenderID, task.ManagerID)

	require.NoError(t, e.CompleteSubtask(context.Background(), "s1",
		delegation.Result{TaskID: task.ID, AgentID: "fast", Output: "here"}))

	done := waitState(t, e, task.ID, types.TaskAggregated)
	assert.Equal(t, types.SubtaskCompleted, done.Subtasks[0].Status)
	assert.Equal(t, types.SubtaskTimedOut, done.Subtasks[1].Status)

	agg := h.broadcasts(t, "s1")
	require.Len(t, agg, 1)
	assert.Equal(t, types.SystemSenderID, agg[0].SenderID)
	assert.Contains(t, agg[0].Content, "Silent [timed out]")

	// a late answer never overwrites the timeout
	err = e.CompleteSubtask(context.Background(), "s1",
		delegation.Result{TaskID: task.ID, AgentID: "silent", Output: "sorry"})
	assert.ErrorIs(t, err, types.ErrSubtaskNotPending)
	final, err := e.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SubtaskTimedOut, final.Subtasks[1].Status)
}

func TestSubmit_InvocationFailureIsAbsorbed(t *testing.T) {
	srv := mock.NewAgentServer(
		mock.WithFailure("a", "model unavailable"),
		mock.WithOutput("b", "fine"),
	)
	defer srv.Close()

	h := newHarness()
	e := delegation.NewEngine(h.bus, delegation.WithInvoker(agentrpc.NewClient()))
	defer e.Close()

	view := delegation.SessionView{ID: "s1", Participants: []types.Participant{
		{Agent: agent("a", "A", srv.URL())},
		{Agent: agent("b", "B", srv.URL())},
	}}
	task, err := e.Submit(context.Background(), view, "go", "human")
	require.NoError(t, err)

	done := waitState(t, e, task.ID, types.TaskAggregated)
	assert.Equal(t, types.SubtaskFailed, done.Subtasks[0].Status)
	assert.Contains(t, done.Subtasks[0].Error, "model unavailable")
	assert.Equal(t, types.SubtaskCompleted, done.Subtasks[1].Status)
	assert.Contains(t, h.broadcasts(t, "s1")[0].Content, "A [failed]")
}

func TestSubmit_NoEligibleAgents(t *testing.T) {
	h := newHarness()
	e := delegation.NewEngine(h.bus)
	defer e.Close()

	view := delegation.SessionView{ID: "s1", Participants: []types.Participant{
		{Agent: agent("m", "Manager", ""), IsManager: true},
	}}
	task, err := e.Submit(context.Background(), view, "help", "human")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.State)
	assert.Empty(t, task.Subtasks)

	agg := h.broadcasts(t, "s1")
	require.Len(t, agg, 1)
	assert.Equal(t, "m", agg[0].SenderID)
	assert.Equal(t, task.ID, agg[0].TaskID)

	_, active := e.Active("s1")
	assert.False(t, active)
}

func TestCompleteSubtask_Errors(t *testing.T) {
	h := newHarness()
	e := delegation.NewEngine(h.bus)
	defer e.Close()

	view := delegation.SessionView{ID: "s1", Participants: []types.Participant{
		{Agent: agent("a", "A", "")},
		{Agent: agent("b", "B", "")},
	}}
	task, err := e.Submit(context.Background(), view, "go", "human")
	require.NoError(t, err)

	err = e.CompleteSubtask(context.Background(), "s1", delegation.Result{TaskID: "nope", AgentID: "a"})
	assert.ErrorIs(t, err, types.ErrTaskNotFound)

	err = e.CompleteSubtask(context.Background(), "other", delegation.Result{TaskID: task.ID, AgentID: "a"})
	assert.ErrorIs(t, err, types.ErrTaskNotFound)

	err = e.CompleteSubtask(context.Background(), "s1", delegation.Result{TaskID: task.ID, AgentID: "zzz"})
	assert.ErrorIs(t, err, types.ErrSubtaskNotPending)

	require.NoError(t, e.CompleteSubtask(context.Background(), "s1",
		delegation.Result{TaskID: task.ID, AgentID: "a", Error: "refused"}))
	err = e.CompleteSubtask(context.Background(), "s1", delegation.Result{TaskID: task.ID, AgentID: "a", Output: "x"})
	assert.ErrorIs(t, err, types.ErrSubtaskNotPending)

	active, ok := e.Active("s1")
	require.True(t, ok)
	assert.Equal(t, types.SubtaskFailed, active.Subtasks[0].Status)
	assert.Equal(t, types.SubtaskDispatched, active.Subtasks[1].Status)
}

func TestCancelSession(t *testing.T) {
	srv := mock.NewAgentServer(mock.WithLatency("slow", 5*time.Second), mock.WithOutput("slow", "late"))
	defer srv.Close()

	h := newHarness()
	eb := events.NewEventBus()
	var mu sync.Mutex
	var completed []events.DelegationCompletedData
	eb.Subscribe(events.EventDelegationCompleted, func(ev *events.Event) {
		mu.Lock()
		completed = append(completed, ev.Data.(events.DelegationCompletedData))
		mu.Unlock()
	})

	e := delegation.NewEngine(h.bus,
		delegation.WithInvoker(agentrpc.NewClient()),
		delegation.WithEmitter(events.NewEmitter(eb, "")))

	view := delegation.SessionView{ID: "s1", Participants: []types.Participant{
		{Agent: agent("slow", "Slow", srv.URL())},
	}}
	task, err := e.Submit(context.Background(), view, "go", "human")
	require.NoError(t, err)

	e.CancelSession("s1")
	final, err := e.Task(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, final.State)
	assert.Equal(t, "session closed", final.Reason)
	assert.Equal(t, types.SubtaskFailed, final.Subtasks[0].Status)

	e.Close()
	eb.Close()
	assert.Empty(t, h.broadcasts(t, "s1"), "no aggregate after cancel")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completed, 1)
	assert.Equal(t, string(types.TaskFailed), completed[0].State)
}

func TestSubmit_CustomPolicies(t *testing.T) {
	h := newHarness()
	e := delegation.NewEngine(h.bus,
		delegation.WithDecomposer(delegation.DecomposerFunc(
			func(req string, _ *types.Agent, specialists []*types.Agent) []delegation.Assignment {
				return []delegation.Assignment{{Agent: specialists[len(specialists)-1], Prompt: "summarize: " + req}}
			})),
		delegation.WithAggregator(delegation.AggregatorFunc(func(t *types.DelegationTask) string {
			return fmt.Sprintf("%d done", len(t.Subtasks))
		})),
	)
	defer e.Close()

	view := delegation.SessionView{ID: "s1", Participants: []types.Participant{
		{Agent: agent("a", "A", "")},
		{Agent: agent("b", "B", "")},
	}}
	task, err := e.Submit(context.Background(), view, "notes", "human")
	require.NoError(t, err)
	require.Len(t, task.Subtasks, 1)
	assert.Equal(t, "b", task.Subtasks[0].AgentID)
	assert.Equal(t, "summarize: notes", task.Subtasks[0].Prompt)

	require.NoError(t, e.CompleteSubtask(context.Background(), "s1",
		delegation.Result{TaskID: task.ID, AgentID: "b", Output: "ok"}))
	waitState(t, e, task.ID, types.TaskAggregated)
	assert.Equal(t, "1 done", h.broadcasts(t, "s1")[0].Content)
}

type failingPublisher struct{ *bus.Bus }

func (failingPublisher) Publish(context.Context, string, types.Message, types.Visibility) (types.Message, bus.Report, error) {
	return types.Message{}, bus.Report{}, errors.New("ledger down")
}

func TestSubmit_DispatchFailureFailsTask(t *testing.T) {
	h := newHarness()
	e := delegation.NewEngine(failingPublisher{h.bus})
	defer e.Close()

	view := delegation.SessionView{ID: "s1", Participants: []types.Participant{{Agent: agent("a", "A", "")}}}
	task, err := e.Submit(context.Background(), view, "go", "human")
	require.NoError(t, err)

	final := waitState(t, e, task.ID, types.TaskFailed)
	assert.Contains(t, final.Subtasks[0].Error, "ledger down")
	assert.Contains(t, final.Reason, "ledger down")
}

func TestSubmit_AggregatesInSubtaskOrder(t *testing.T) {
	h := newHarness()
	e := delegation.NewEngine(h.bus)
	defer e.Close()

	view := delegation.SessionView{ID: "s1", Participants: []types.Participant{
		{Agent: agent("m", "Manager", ""), IsManager: true},
		{Agent: agent("a", "Alpha", "")},
		{Agent: agent("b", "Beta", "")},
		{Agent: agent("c", "Gamma", "")},
	}}
	task, err := e.Submit(context.Background(), view, "go", "human")
	require.NoError(t, err)
	require.Len(t, task.Subtasks, 3)

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, e.CompleteSubtask(context.Background(), "s1",
			delegation.Result{TaskID: task.ID, AgentID: id, Output: "from " + id}))
	}

	waitState(t, e, task.ID, types.TaskAggregated)
	agg := h.broadcasts(t, "s1")
	require.Len(t, agg, 1)
	assert.Equal(t, "Combined response from 3 agent(s):\n\nAlpha: from a\n\nBeta: from b\n\nGamma: from c", agg[0].Content)
	require.NotNil(t, agg[0].Delegation)
	var order []string
	for _, o := range agg[0].Delegation.Outcomes {
		order = append(order, o.AgentID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func twice(req string, _ *types.Agent, specialists []*types.Agent) []delegation.Assignment {
	var out []delegation.Assignment
	for _, a := range specialists {
		out = append(out,
			delegation.Assignment{Agent: a, Prompt: "outline: " + req},
			delegation.Assignment{Agent: a, Prompt: "draft: " + req})
	}
	return out
}

func TestSubmit_RepeatedAgentSubtasksAllTimeOut(t *testing.T) {
	h := newHarness()
	e := delegation.NewEngine(h.bus,
		delegation.WithTimeout(50*time.Millisecond),
		delegation.WithDecomposer(delegation.DecomposerFunc(twice)))
	defer e.Close()

	view := delegation.SessionView{ID: "s1", Participants: []types.Participant{{Agent: agent("a", "A", "")}}}
	task, err := e.Submit(context.Background(), view, "go", "human")
	require.NoError(t, err)
	require.Len(t, task.Subtasks, 2)

	done := waitState(t, e, task.ID, types.TaskAggregated)
	assert.Equal(t, types.SubtaskTimedOut, done.Subtasks[0].Status)
	assert.Equal(t, types.SubtaskTimedOut, done.Subtasks[1].Status)

	_, active := e.Active("s1")
	assert.False(t, active)
	_, err = e.Submit(context.Background(), view, "again", "human")
	assert.NoError(t, err)
}

func TestCompleteSubtask_RepeatedAgentByIndex(t *testing.T) {
	h := newHarness()
	e := delegation.NewEngine(h.bus, delegation.WithDecomposer(delegation.DecomposerFunc(twice)))
	defer e.Close()

	view := delegation.SessionView{ID: "s1", Participants: []types.Participant{
		{Agent: agent("a", "A", "")},
		{Agent: agent("b", "B", "")},
	}}
	task, err := e.Submit(context.Background(), view, "go", "human")
	require.NoError(t, err)
	require.Len(t, task.Subtasks, 4)

	// index 2 belongs to b
	err = e.CompleteSubtask(context.Background(), "s1",
		delegation.Result{TaskID: task.ID, AgentID: "a", Index: testutil.Ptr(2), Output: "x"})
	assert.ErrorIs(t, err, types.ErrSubtaskNotPending)
	err = e.CompleteSubtask(context.Background(), "s1",
		delegation.Result{TaskID: task.ID, AgentID: "a", Index: testutil.Ptr(9), Output: "x"})
	assert.ErrorIs(t, err, types.ErrSubtaskNotPending)

	require.NoError(t, e.CompleteSubtask(context.Background(), "s1",
		delegation.Result{TaskID: task.ID, AgentID: "a", Index: testutil.Ptr(1), Output: "a draft"}))
	require.NoError(t, e.CompleteSubtask(context.Background(), "s1",
		delegation.Result{TaskID: task.ID, AgentID: "a", Output: "a outline"}))
	err = e.CompleteSubtask(context.Background(), "s1",
		delegation.Result{TaskID: task.ID, AgentID: "a", Output: "extra"})
	assert.ErrorIs(t, err, types.ErrSubtaskNotPending)

	for range 2 {
		require.NoError(t, e.CompleteSubtask(context.Background(), "s1",
			delegation.Result{TaskID: task.ID, AgentID: "b", Output: "b part"}))
	}

	done := waitState(t, e, task.ID, types.TaskAggregated)
	assert.Equal(t, "a outline", done.Subtasks[0].Result)
	assert.Equal(t, "a draft", done.Subtasks[1].Result)
	assert.Equal(t, "draft: go", done.Subtasks[1].Prompt)
}
