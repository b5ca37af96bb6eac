// Package delegation runs the manager's task-delegation protocol: a request
// is decomposed into one subtask per specialist, each subtask is dispatched
// as a public direct message and bounded by a timer, and once every subtask
// has finished the results are aggregated into a single broadcast.
//
// A session has at most one dispatched task at a time. Results come either
// from an Invoker (agents with an RPC endpoint) or from the agent's own
// connection via CompleteSubtask. The first terminal outcome of a subtask
// wins; later ones are rejected with types.ErrSubtaskNotPending.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/AltairaLabs/CollabKit/runtime/bus"
	"github.com/AltairaLabs/CollabKit/runtime/events"
	"github.com/AltairaLabs/CollabKit/runtime/logger"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// Defaults.
const (
	DefaultSubtaskTimeout  = 30 * time.Second
	DefaultMaxInvocations  = 16
	sessionClosedReason    = "session closed"
	noEligibleAgentsReason = "no eligible agents"
)

// Invoker calls an agent and returns its output.
type Invoker interface {
	Invoke(ctx context.Context, inv types.Invocation) (string, error)
}

// Publisher is the subset of the message bus the engine needs.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, msg types.Message, vis types.Visibility) (types.Message, bus.Report, error)
	Notify(ctx context.Context, sessionID string, n types.Notification) bus.Report
}

// SessionView is the part of a session the engine reads at submit time.
type SessionView struct {
	ID           string
	Participants []types.Participant
}

// Manager returns the session's manager agent, or nil.
func (v SessionView) Manager() *types.Agent {
	for _, p := range v.Participants {
		if p.IsManager {
			return p.Agent
		}
	}
	return nil
}

// Specialists returns every non-manager agent in participant order.
func (v SessionView) Specialists() []*types.Agent {
	out := make([]*types.Agent, 0, len(v.Participants))
	for _, p := range v.Participants {
		if !p.IsManager {
			out = append(out, p.Agent)
		}
	}
	return out
}

// Result is a subtask outcome reported by an agent.
type Result struct {
	TaskID  string
	AgentID string
	// Index selects one of the agent's subtasks; nil means its first
	// unfinished one.
	Index  *int
	Output string
	// Error marks the subtask failed when non-empty.
	Error string
}

// Option configures an Engine.
type Option func(*Engine)

// WithInvoker sets the agent invoker. Without one, every agent answers
// through CompleteSubtask.
func WithInvoker(inv Invoker) Option {
	return func(e *Engine) { e.invoker = inv }
}

// WithTimeout sets the per-subtask deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxConcurrentInvocations bounds in-flight agent invocations across
// all sessions.
func WithMaxConcurrentInvocations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxInvocations = n
		}
	}
}

// WithDecomposer replaces the FanOut decomposer.
func WithDecomposer(d Decomposer) Option {
	return func(e *Engine) { e.decomposer = d }
}

// WithAggregator replaces the Concatenate aggregator.
func WithAggregator(a Aggregator) Option {
	return func(e *Engine) { e.aggregator = a }
}

// WithStore replaces the in-memory task archive.
func WithStore(s TaskStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithEmitter publishes delegation events.
func WithEmitter(em *events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// run is the live state of one dispatched task.
type run struct {
	task   *types.DelegationTask
	sender *types.Agent
	agents map[string]*types.Agent
	timers map[int]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc

	// aggregating is set once the last subtask finished; the aggregate is
	// being published outside the lock.
	aggregating bool
}

// Engine is safe for concurrent use.
type Engine struct {
	pub            Publisher
	invoker        Invoker
	decomposer     Decomposer
	aggregator     Aggregator
	store          TaskStore
	emitter        *events.Emitter
	timeout        time.Duration
	maxInvocations int
	sem            *semaphore.Weighted
	now            func() time.Time

	mu        sync.Mutex
	bySession map[string]*run
	byTask    map[string]*run
	wg        sync.WaitGroup
}

// NewEngine creates an Engine publishing through pub.
func NewEngine(pub Publisher, opts ...Option) *Engine {
	e := &Engine{
		pub:            pub,
		decomposer:     FanOut{},
		aggregator:     Concatenate{},
		store:          NewMemoryStore(),
		timeout:        DefaultSubtaskTimeout,
		maxInvocations: DefaultMaxInvocations,
		now:            time.Now,
		bySession:      make(map[string]*run),
		byTask:         make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sem = semaphore.NewWeighted(int64(e.maxInvocations))
	return e
}

// Timeout returns the per-subtask deadline.
func (e *Engine) Timeout() time.Duration { return e.timeout }

// Store returns the task archive.
func (e *Engine) Store() TaskStore { return e.store }

// Submit starts a delegation task for request. It fails with
// types.ErrDelegationInProgress while the session has a dispatched task,
// without creating anything. When no specialist is eligible the task fails
// at once and an explanatory aggregate is broadcast.
func (e *Engine) Submit(ctx context.Context, view SessionView, request, requesterID string) (*types.DelegationTask, error) {
	sender := view.Manager()
	if sender == nil {
		sender = &types.Agent{ID: types.SystemSenderID, Name: "System"}
	}
	assignments := slices.DeleteFunc(e.decomposer.Decompose(request, view.Manager(), view.Specialists()),
		func(a Assignment) bool { return a.Agent == nil })

	e.mu.Lock()
	if active, ok := e.bySession[view.ID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s", types.ErrDelegationInProgress, active.task.ID)
	}

	now := e.now().UTC()
	task := &types.DelegationTask{
		ID:          uuid.NewString(),
		SessionID:   view.ID,
		Request:     request,
		RequesterID: requesterID,
		ManagerID:   sender.ID,
		State:       types.TaskCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ctx = logger.WithTaskID(ctx, task.ID)

	if len(assignments) == 0 {
		_ = task.Transition(types.TaskFailed, now)
		task.Reason = noEligibleAgentsReason
		e.store.Put(task)
		e.mu.Unlock()

		logger.WarnContext(ctx, "delegation has no eligible agents", "request_len", len(request))
		msg, _, err := e.pub.Publish(ctx, view.ID, types.Message{
			SenderID:   sender.ID,
			SenderName: sender.DisplayName(),
			Content:    noAgentsContent,
			TaskID:     task.ID,
			Delegation: &types.Delegation{TaskID: task.ID, Outcomes: []types.SubtaskOutcome{}},
		}, types.Broadcast())
		if err == nil {
			task.AggregateSeq = msg.Seq
			e.store.Put(task)
		}
		e.emitter.ForSession(view.ID).DelegationCompleted(task.ID, string(task.State), 0, 0, 0)
		return task.Clone(), nil
	}

	r := &run{
		task:   task,
		sender: sender,
		agents: make(map[string]*types.Agent, len(assignments)),
		timers: make(map[int]*time.Timer, len(assignments)),
	}
	// Invocations outlive the inbound request but keep its logging values.
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i, a := range assignments {
		task.Subtasks = append(task.Subtasks, &types.Subtask{
			Index:        i,
			AgentID:      a.Agent.ID,
			AgentName:    a.Agent.DisplayName(),
			Prompt:       a.Prompt,
			Status:       types.SubtaskDispatched,
			DispatchedAt: now,
		})
		r.agents[a.Agent.ID] = a.Agent
	}
	_ = task.Transition(types.TaskDispatched, now)
	for _, st := range task.Subtasks {
		index := st.Index
		r.timers[index] = time.AfterFunc(e.timeout, func() {
			e.expire(task.ID, index)
		})
	}
	e.bySession[view.ID] = r
	e.byTask[task.ID] = r
	e.store.Put(task)
	snapshot := task.Clone()
	e.mu.Unlock()

	logger.InfoContext(ctx, "delegation dispatched",
		"manager_id", sender.ID, "subtasks", len(snapshot.Subtasks), "timeout", e.timeout)
	e.emitter.ForSession(view.ID).DelegationDispatched(task.ID, len(snapshot.Subtasks))
	e.pub.Notify(ctx, view.ID, types.Notification{
		Kind:    types.NotifyDelegation,
		TaskID:  task.ID,
		Message: fmt.Sprintf("%s delegated the request to %d agent(s)", sender.DisplayName(), len(snapshot.Subtasks)),
	})

	for _, st := range snapshot.Subtasks {
		e.dispatch(r, st)
	}
	return snapshot, nil
}

// dispatch publishes the request message for st and starts the agent
// invocation when the agent has an endpoint.
func (e *Engine) dispatch(r *run, st *types.Subtask) {
	ctx := logger.WithAgentID(r.ctx, st.AgentID)
	_, _, err := e.pub.Publish(ctx, r.task.SessionID, types.Message{
		SenderName: r.sender.DisplayName(),
		Content:    st.Prompt,
		TaskID:     r.task.ID,
	}, types.DirectPublic(r.sender.ID, st.AgentID))
	if err != nil {
		logger.ErrorContext(ctx, "publish subtask request", "error", err)
		_ = e.finish(r.task.ID, atIndex(st.Index), types.SubtaskFailed, "", "dispatch failed: "+err.Error())
		return
	}

	agent := r.agents[st.AgentID]
	if e.invoker == nil || agent.Endpoint == "" {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.invoke(ctx, r, agent, st)
	}()
}

func (e *Engine) invoke(ctx context.Context, r *run, agent *types.Agent, st *types.Subtask) {
	ctx, cancel := context.WithDeadline(ctx, st.DispatchedAt.Add(e.timeout))
	defer cancel()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		// deadline or session close; the timer or CancelSession settles it
		return
	}
	out, err := e.invoker.Invoke(ctx, types.Invocation{
		SessionID: r.task.SessionID,
		TaskID:    r.task.ID,
		Agent:     agent,
		Prompt:    st.Prompt,
	})
	e.sem.Release(1)

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return
		}
		_ = e.finish(r.task.ID, atIndex(st.Index), types.SubtaskFailed, "", err.Error())
		return
	}
	_ = e.finish(r.task.ID, atIndex(st.Index), types.SubtaskCompleted, out, "")
}

// CompleteSubtask records a result sent by an agent. It returns
// types.ErrTaskNotFound for unknown tasks or tasks of another session and
// types.ErrSubtaskNotPending when the subtask already finished or is not
// assigned to res.AgentID.
func (e *Engine) CompleteSubtask(ctx context.Context, sessionID string, res Result) error {
	e.mu.Lock()
	r, ok := e.byTask[res.TaskID]
	e.mu.Unlock()
	if !ok {
		task, err := e.store.Get(res.TaskID)
		if err != nil || task.SessionID != sessionID {
			return fmt.Errorf("%w: %s", types.ErrTaskNotFound, res.TaskID)
		}
		return fmt.Errorf("%w: task %s is %s", types.ErrSubtaskNotPending, task.ID, task.State)
	}
	if r.task.SessionID != sessionID {
		return fmt.Errorf("%w: %s", types.ErrTaskNotFound, res.TaskID)
	}

	status := types.SubtaskCompleted
	if res.Error != "" {
		status = types.SubtaskFailed
	}
	pick := nextFor(res.AgentID)
	if res.Index != nil {
		pick = assignedAt(*res.Index, res.AgentID)
	}
	if err := e.finish(res.TaskID, pick, status, res.Output, res.Error); err != nil {
		logger.DebugContext(ctx, "subtask result rejected", "task_id", res.TaskID, "agent_id", res.AgentID, "error", err)
		return err
	}
	return nil
}

func (e *Engine) expire(taskID string, index int) {
	placeholder := fmt.Sprintf("no response within %s", e.timeout)
	if err := e.finish(taskID, atIndex(index), types.SubtaskTimedOut, placeholder, types.ErrSubtaskTimeout.Error()); err == nil {
		logger.Warn("subtask timed out", "task_id", taskID, "index", index, "timeout", e.timeout)
	}
}

// selector picks the subtask a result applies to. It runs under e.mu.
type selector func(task *types.DelegationTask) (*types.Subtask, error)

func atIndex(index int) selector {
	return func(task *types.DelegationTask) (*types.Subtask, error) {
		st := task.SubtaskAt(index)
		if st == nil {
			return nil, fmt.Errorf("%w: task %s has no subtask %d", types.ErrSubtaskNotPending, task.ID, index)
		}
		return st, nil
	}
}

func assignedAt(index int, agentID string) selector {
	return func(task *types.DelegationTask) (*types.Subtask, error) {
		st := task.SubtaskAt(index)
		if st == nil || st.AgentID != agentID {
			return nil, fmt.Errorf("%w: agent %s has no subtask %d in task %s",
				types.ErrSubtaskNotPending, agentID, index, task.ID)
		}
		return st, nil
	}
}

func nextFor(agentID string) selector {
	return func(task *types.DelegationTask) (*types.Subtask, error) {
		if st := task.NextPending(agentID); st != nil {
			return st, nil
		}
		return nil, fmt.Errorf("%w: agent %s has no unfinished subtask in task %s",
			types.ErrSubtaskNotPending, agentID, task.ID)
	}
}

// finish moves one subtask to a terminal status. The first caller wins.
func (e *Engine) finish(taskID string, pick selector, status types.SubtaskStatus, result, errMsg string) error {
	e.mu.Lock()
	r, ok := e.byTask[taskID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: task %s is no longer dispatched", types.ErrSubtaskNotPending, taskID)
	}
	st, err := pick(r.task)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if st.Status.IsTerminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: subtask %d of agent %s is %s", types.ErrSubtaskNotPending, st.Index, st.AgentID, st.Status)
	}

	now := e.now().UTC()
	st.Status = status
	st.FinishedAt = now
	if status == types.SubtaskFailed {
		st.Error = errMsg
	} else {
		st.Result = result
		if status == types.SubtaskTimedOut {
			st.Error = errMsg
		}
	}
	r.task.UpdatedAt = now
	if t, ok := r.timers[st.Index]; ok {
		t.Stop()
		delete(r.timers, st.Index)
	}
	e.store.Put(r.task)

	done := r.task.AllTerminal() && !r.aggregating
	if done {
		r.aggregating = true
	}
	elapsed := now.Sub(st.DispatchedAt)
	agentID := st.AgentID
	snapshot := r.task.Clone()
	e.mu.Unlock()

	e.emitter.ForSession(snapshot.SessionID).SubtaskFinished(taskID, agentID, string(status), elapsed)
	if done {
		e.aggregate(r, snapshot)
	}
	return nil
}

// aggregate publishes the combined result and archives the task.
func (e *Engine) aggregate(r *run, snapshot *types.DelegationTask) {
	ctx := context.WithoutCancel(r.ctx)
	outcomes := make([]types.SubtaskOutcome, len(snapshot.Subtasks))
	var timedOut, failed int
	for i, st := range snapshot.Subtasks {
		outcomes[i] = types.SubtaskOutcome{AgentID: st.AgentID, AgentName: st.AgentName, Status: st.Status}
		switch st.Status {
		case types.SubtaskTimedOut:
			timedOut++
		case types.SubtaskFailed:
			failed++
		}
	}

	msg, _, err := e.pub.Publish(ctx, snapshot.SessionID, types.Message{
		SenderID:   r.sender.ID,
		SenderName: r.sender.DisplayName(),
		Content:    e.aggregator.Aggregate(snapshot),
		TaskID:     snapshot.ID,
		Delegation: &types.Delegation{TaskID: snapshot.ID, Outcomes: outcomes},
	}, types.Broadcast())

	e.mu.Lock()
	task := r.task
	if task.State == types.TaskDispatched {
		now := e.now().UTC()
		if err != nil {
			task.Reason = "publish aggregate: " + err.Error()
			_ = task.Transition(types.TaskFailed, now)
		} else {
			task.AggregateSeq = msg.Seq
			_ = task.Transition(types.TaskAggregated, now)
		}
		e.store.Put(task)
	}
	e.release(r)
	final := task.Clone()
	e.mu.Unlock()

	if err != nil {
		logger.ErrorContext(ctx, "publish aggregate", "error", err)
	} else {
		logger.InfoContext(ctx, "delegation aggregated",
			"seq", msg.Seq, "timed_out", timedOut, "failed", failed)
	}
	e.emitter.ForSession(final.SessionID).DelegationCompleted(
		final.ID, string(final.State), final.CompletedAt.Sub(final.CreatedAt), timedOut, failed)
}

// release drops the run from the live maps. Caller holds e.mu.
func (e *Engine) release(r *run) {
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.cancel()
	if e.bySession[r.task.SessionID] == r {
		delete(e.bySession, r.task.SessionID)
	}
	delete(e.byTask, r.task.ID)
}

// Active returns a snapshot of the session's dispatched task, if any.
func (e *Engine) Active(sessionID string) (*types.DelegationTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return r.task.Clone(), true
}

// Task returns the task, live or archived.
func (e *Engine) Task(taskID string) (*types.DelegationTask, error) {
	return e.store.Get(taskID)
}

// Tasks lists the session's tasks, oldest first.
func (e *Engine) Tasks(sessionID string) []*types.DelegationTask {
	return e.store.List(sessionID)
}

// CancelSession stops the session's dispatched task: timers are stopped,
// invocations cancelled, unfinished subtasks and the task are marked
// failed. No aggregate is published.
func (e *Engine) CancelSession(sessionID string) {
	e.mu.Lock()
	r, ok := e.bySession[sessionID]
	if !ok {
		e.mu.Unlock()
		return
	}
	now := e.now().UTC()
	for _, st := range r.task.Subtasks {
		if !st.Status.IsTerminal() {
			st.Status = types.SubtaskFailed
			st.Error = sessionClosedReason
			st.FinishedAt = now
		}
	}
	if r.task.State == types.TaskDispatched {
		r.task.Reason = sessionClosedReason
		_ = r.task.Transition(types.TaskFailed, now)
	}
	e.store.Put(r.task)
	e.release(r)
	task := r.task.Clone()
	e.mu.Unlock()

	logger.Info("delegation cancelled", "session_id", sessionID, "task_id", task.ID)
	e.emitter.ForSession(sessionID).DelegationCompleted(
		task.ID, string(task.State), task.CompletedAt.Sub(task.CreatedAt), 0, len(task.Subtasks))
}

// EvictTerminal drops archived terminal tasks completed before cutoff.
func (e *Engine) EvictTerminal(cutoff time.Time) []string {
	return e.store.EvictTerminal(cutoff)
}

// Close cancels every dispatched task and waits for in-flight invocations.
func (e *Engine) Close() {
	e.mu.Lock()
	sessions := make([]string, 0, len(e.bySession))
	for id := range e.bySession {
		sessions = append(sessions, id)
	}
	e.mu.Unlock()
	for _, id := range sessions {
		e.CancelSession(id)
	}
	e.wg.Wait()
}
