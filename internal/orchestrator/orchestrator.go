// Package orchestrator owns the shared budget tracker, worktree manager,
// and queue adapter, spawns and scales the pool of agent loops, routes
// pause/resume/stop commands, races shutdown against a grace period, and
// runs the periodic worktree cleaner.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/forgehq/foreman/internal/agentloop"
	"github.com/forgehq/foreman/internal/budget"
	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/eventsink"
	"github.com/forgehq/foreman/internal/fsm"
	"github.com/forgehq/foreman/internal/queue"
	"github.com/forgehq/foreman/internal/worktree"
)

// DefaultCleanupInterval is the periodic orphan-worktree sweep period.
const DefaultCleanupInterval = 30 * time.Minute

// DefaultStopGrace is how long Stop/scale-down waits for a loop to drain
// before moving on.
const DefaultStopGrace = 30 * time.Second

// Config configures an Orchestrator's shared resources.
type Config struct {
	DesiredInstances int

	DailyBudgetUSD   float64
	MonthlyBudgetUSD float64
	SessionDir       string

	RepoDir       string
	RepoParentDir string

	CleanupInterval time.Duration
	StopGrace       time.Duration
}

// AgentStatus is one row of Status.Agents.
type AgentStatus struct {
	ID    int
	State fsm.State
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	Agents           []AgentStatus
	BudgetStatus     domain.BudgetStatus
	ActiveWorktrees  int
	DesiredInstances int
}

// Orchestrator owns the pool of Agent Loops and the shared services they
// consume. Safe for concurrent use: public control methods may be called
// from any goroutine.
type Orchestrator struct {
	budget    *budget.Tracker
	worktrees *worktree.Manager

	depsTemplate agentloop.Deps
	onAgentError func(agentID string, err error)

	cleanupInterval time.Duration
	stopGrace       time.Duration

	mu               sync.Mutex
	started          bool
	desiredInstances int
	nextID           int
	loops            map[int]*agentloop.Loop

	cleanupTicker *time.Ticker
	cleanupStopCh chan struct{}
}

// New creates an Orchestrator. queueAdapter and deps are wired into every
// agent loop spawned; events is the injected event sink. onAgentError is
// the external error callback invoked when a loop crashes.
func New(cfg Config, queueAdapter queue.Adapter, deps agentloop.Deps, events eventsink.Sink, onAgentError func(agentID string, err error)) *Orchestrator {
	budgetTracker := budget.New(cfg.DailyBudgetUSD, cfg.MonthlyBudgetUSD, cfg.SessionDir)
	worktrees := worktree.New(cfg.RepoDir, cfg.RepoParentDir)

	deps.Queue = queueAdapter
	deps.Worktrees = worktrees
	deps.Budget = budgetTracker
	deps.Events = events

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	stopGrace := cfg.StopGrace
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}

	return &Orchestrator{
		budget:           budgetTracker,
		worktrees:        worktrees,
		depsTemplate:     deps,
		onAgentError:     onAgentError,
		cleanupInterval:  cleanupInterval,
		stopGrace:        stopGrace,
		desiredInstances: cfg.DesiredInstances,
		nextID:           1,
		loops:            make(map[int]*agentloop.Loop),
	}
}

// Budget exposes the shared Budget Tracker, e.g. for a CLI status command.
func (o *Orchestrator) Budget() *budget.Tracker { return o.budget }

// Worktrees exposes the shared Worktree Manager.
func (o *Orchestrator) Worktrees() *worktree.Manager { return o.worktrees }

// Start is idempotent: a second call is a no-op. It loads the budget
// ledger from disk, best-effort cleans orphaned worktrees, registers the
// budget-exceeded callback to pause the pool, spawns desiredInstances
// loops, and starts the periodic cleanup timer.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	desired := o.desiredInstances
	o.mu.Unlock()

	o.budget.LoadFromFile()
	o.worktrees.CleanupOrphanedWorktrees(ctx)

	o.budget.OnExceeded(func(status domain.BudgetStatus) {
		log.Printf("[orchestrator] budget exceeded (daily=%.2f/%.2f monthly=%.2f/%.2f): pausing pool",
			status.DailySpend, status.DailyLimit, status.MonthlySpend, status.MonthlyLimit)
		o.PauseAll()
	})

	o.SetDesiredInstances(desired)
	o.startCleanupTimer(ctx)
}

// SetDesiredInstances resolves the pool to exactly n loops. Negative values
// are ignored. Scaling up spawns new loops with the next monotonically
// increasing IDs; scaling down stops the loops with the highest IDs first
// (LIFO), each raced against the configured stop grace.
func (o *Orchestrator) SetDesiredInstances(n int) {
	if n < 0 {
		return
	}

	o.mu.Lock()
	o.desiredInstances = n
	current := len(o.loops)
	o.mu.Unlock()

	switch {
	case n > current:
		o.scaleUp(n - current)
	case n < current:
		o.scaleDown(current - n)
	}
}

func (o *Orchestrator) scaleUp(count int) {
	for i := 0; i < count; i++ {
		o.mu.Lock()
		id := o.nextID
		o.nextID++
		o.mu.Unlock()
		o.spawn(id)
	}
}

func (o *Orchestrator) scaleDown(count int) {
	o.mu.Lock()
	ids := sortedIDsDesc(o.loops)
	if count > len(ids) {
		count = len(ids)
	}
	victims := ids[:count]
	doomed := make(map[int]*agentloop.Loop, count)
	for _, id := range victims {
		doomed[id] = o.loops[id]
		delete(o.loops, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for id, l := range doomed {
		wg.Add(1)
		go func(id int, l *agentloop.Loop) {
			defer wg.Done()
			o.stopWithGrace(l)
		}(id, l)
	}
	wg.Wait()
}

func (o *Orchestrator) spawn(id int) {
	agentID := fmt.Sprintf("agent-%d", id)
	loop := agentloop.New(agentID, o.depsTemplate)

	o.mu.Lock()
	o.loops[id] = loop
	o.mu.Unlock()

	go o.runLoop(id, agentID, loop)
}

func (o *Orchestrator) runLoop(id int, agentID string, loop *agentloop.Loop) {
	defer func() {
		if r := recover(); r != nil {
			o.handleCrash(id, agentID, fmt.Errorf("agent loop panic: %v", r))
		}
	}()
	loop.Run(context.Background())
}

// handleCrash removes a crashed loop from the map and notifies the
// external error callback. Crashed agents are never automatically
// respawned: the operator must call SetDesiredInstances to replace the
// capacity.
func (o *Orchestrator) handleCrash(id int, agentID string, err error) {
	log.Printf("[orchestrator] agent %s crashed: %v", agentID, err)
	o.mu.Lock()
	delete(o.loops, id)
	o.mu.Unlock()
	if o.onAgentError != nil {
		o.onAgentError(agentID, err)
	}
}

func (o *Orchestrator) stopWithGrace(l *agentloop.Loop) {
	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.stopGrace):
		// Grace period elapsed: proceed without forcibly killing the
		// loop's goroutine. It keeps draining in the background.
	}
}

// PauseAll pauses every agent currently in the pool. Safe to call from the
// budget-exceeded callback: it never blocks on a loop's own lock while
// holding the orchestrator lock.
func (o *Orchestrator) PauseAll() {
	for _, l := range o.snapshotLoops() {
		l.Pause()
	}
}

// ResumeAll resumes every agent currently in the pool.
func (o *Orchestrator) ResumeAll() {
	for _, l := range o.snapshotLoops() {
		l.Resume()
	}
}

// PauseAgent pauses the agent with the given ID. Unknown IDs are logged
// and otherwise ignored.
func (o *Orchestrator) PauseAgent(id int) {
	if l, ok := o.loop(id); ok {
		l.Pause()
	} else {
		log.Printf("[orchestrator] pauseAgent: unknown agent id %d", id)
	}
}

// ResumeAgent resumes the agent with the given ID. Unknown IDs are logged
// and otherwise ignored.
func (o *Orchestrator) ResumeAgent(id int) {
	if l, ok := o.loop(id); ok {
		l.Resume()
	} else {
		log.Printf("[orchestrator] resumeAgent: unknown agent id %d", id)
	}
}

func (o *Orchestrator) loop(id int) (*agentloop.Loop, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.loops[id]
	return l, ok
}

func (o *Orchestrator) snapshotLoops() []*agentloop.Loop {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*agentloop.Loop, 0, len(o.loops))
	for _, l := range o.loops {
		out = append(out, l)
	}
	return out
}

// Stop drains every agent loop (each raced against the stop grace),
// persists the budget ledger, and resets started=false so a subsequent
// Start call spawns a fresh pool.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.stopCleanupTimerLocked()
	loops := o.loops
	o.loops = make(map[int]*agentloop.Loop)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l *agentloop.Loop) {
			defer wg.Done()
			o.stopWithGrace(l)
		}(l)
	}
	wg.Wait()

	if err := o.budget.PersistToFile(); err != nil {
		log.Printf("[orchestrator] persisting budget on stop: %v", err)
	}

	o.mu.Lock()
	o.started = false
	o.mu.Unlock()
}

// EmergencyStop clears the pool and best-effort persists the budget
// without waiting for any loop to drain.
func (o *Orchestrator) EmergencyStop() {
	o.mu.Lock()
	o.stopCleanupTimerLocked()
	loops := o.loops
	o.loops = make(map[int]*agentloop.Loop)
	o.started = false
	o.mu.Unlock()

	for _, l := range loops {
		go l.Stop()
	}
	go func() {
		if err := o.budget.PersistToFile(); err != nil {
			log.Printf("[orchestrator] emergencyStop: persisting budget: %v", err)
		}
	}()
}

// GetStatus returns a snapshot of the pool.
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	ids := sortedIDsAsc(o.loops)
	agents := make([]AgentStatus, 0, len(ids))
	active := 0
	for _, id := range ids {
		state := o.loops[id].State()
		agents = append(agents, AgentStatus{ID: id, State: state})
		if state == fsm.Working || state == fsm.Reviewing {
			active++
		}
	}
	desired := o.desiredInstances
	o.mu.Unlock()

	return Status{
		Agents:           agents,
		BudgetStatus:     o.budget.GetBudgetStatus(),
		ActiveWorktrees:  active,
		DesiredInstances: desired,
	}
}

// SnapshotFor returns the current AgentSession for agentID, or a bare idle
// snapshot if no loop with that ID is currently in the pool. Used by
// internal/hooks as the Snapshot collaborator, so hooks never hold a
// reference into a loop's own mutable state.
func (o *Orchestrator) SnapshotFor(agentID string) domain.AgentSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, l := range o.loops {
		if l.AgentID() == agentID {
			return l.Snapshot()
		}
	}
	return domain.AgentSession{AgentID: agentID, Status: domain.StatusIdle, LastHeartbeat: domain.NowISO8601()}
}

func (o *Orchestrator) startCleanupTimer(ctx context.Context) {
	ticker := time.NewTicker(o.cleanupInterval)
	stop := make(chan struct{})

	o.mu.Lock()
	o.cleanupTicker = ticker
	o.cleanupStopCh = stop
	o.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				if removed := o.worktrees.CleanupOrphanedWorktrees(ctx); removed > 0 {
					log.Printf("[orchestrator] periodic cleanup removed %d orphaned worktrees", removed)
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// stopCleanupTimerLocked must be called with o.mu held.
func (o *Orchestrator) stopCleanupTimerLocked() {
	if o.cleanupTicker != nil {
		o.cleanupTicker.Stop()
		o.cleanupTicker = nil
	}
	if o.cleanupStopCh != nil {
		close(o.cleanupStopCh)
		o.cleanupStopCh = nil
	}
}

func sortedIDsAsc(m map[int]*agentloop.Loop) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func sortedIDsDesc(m map[int]*agentloop.Loop) []int {
	ids := sortedIDsAsc(m)
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	return ids
}
