package delegation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/CollabKit/runtime/types"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Put(&types.DelegationTask{ID: "t2", SessionID: "a", State: types.TaskDispatched, CreatedAt: base.Add(time.Second)})
	s.Put(&types.DelegationTask{ID: "t1", SessionID: "a", State: types.TaskAggregated, CreatedAt: base, CompletedAt: base})
	s.Put(&types.DelegationTask{ID: "t3", SessionID: "b", State: types.TaskFailed, CreatedAt: base, CompletedAt: base.Add(time.Hour)})

	got, err := s.Get("t1")
	require.NoError(t, err)
	got.State = types.TaskFailed
	again, _ := s.Get("t1")
	assert.Equal(t, types.TaskAggregated, again.State, "Get returns a copy")

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, types.ErrTaskNotFound)

	list := s.List("a")
	require.Len(t, list, 2)
	assert.Equal(t, "t1", list[0].ID)
	assert.Equal(t, "t2", list[1].ID)
	assert.Len(t, s.List(""), 3)

	evicted := s.EvictTerminal(base.Add(time.Minute))
	assert.Equal(t, []string{"t1"}, evicted)
	assert.Len(t, s.List(""), 2)
}

func TestConcatenate(t *testing.T) {
	task := &types.DelegationTask{Subtasks: []*types.Subtask{
		{AgentName: "Researcher", Status: types.SubtaskCompleted, Result: "facts"},
		{AgentName: "Writer", Status: types.SubtaskTimedOut, Result: "no response within 30s"},
		{AgentName: "Critic", Status: types.SubtaskFailed, Error: "refused"},
	}}
	out := Concatenate{}.Aggregate(task)
	assert.Equal(t, "Combined response from 3 agent(s):\n\n"+
		"Researcher: facts\n\n"+
		"Writer [timed out]: no response within 30s\n\n"+
		"Critic [failed]: refused", out)
}

func TestFanOut(t *testing.T) {
	a, b := &types.Agent{ID: "a"}, &types.Agent{ID: "b"}
	got := FanOut{}.Decompose("req", nil, []*types.Agent{a, b})
	require.Len(t, got, 2)
	assert.Same(t, a, got[0].Agent)
	assert.Equal(t, "req", got[1].Prompt)
}
