// Package agentloop implements the per-worker driver: it owns one
// fsm.Machine and one current work item, dispatching a table of per-state
// handlers and invoking the worktree manager and the
// execution/review/ideation agents along the way.
package agentloop

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/eventsink"
	"github.com/forgehq/foreman/internal/execagent"
	"github.com/forgehq/foreman/internal/fsm"
	"github.com/forgehq/foreman/internal/ideationagent"
	"github.com/forgehq/foreman/internal/llmsession"
	"github.com/forgehq/foreman/internal/queue"
	"github.com/forgehq/foreman/internal/reviewagent"
	"github.com/forgehq/foreman/internal/template"
	"github.com/forgehq/foreman/internal/worktree"
)

const (
	// DefaultIdlePollInterval is the wait between empty queue polls.
	DefaultIdlePollInterval = 30 * time.Second
	// DefaultCooldownDuration is the post-error quiet period.
	DefaultCooldownDuration = 60 * time.Second
	// maxReviewRetries caps Reviewing→Working bounces before the item is
	// abandoned.
	maxReviewRetries = 2
)

// Budget is the subset of internal/budget.Tracker the loop consumes.
type Budget interface {
	IsWithinBudget() bool
	RecordCost(agentID string, costUSD float64, projectNumber int)
}

// IssueTitleLister supplies existing issue titles for the ideation agent's
// duplicate filter. Not part of the queue.Adapter contract, so it is wired
// as a separate, optional collaborator.
type IssueTitleLister interface {
	ListIssueTitles(ctx context.Context, owner, repo string) ([]string, error)
}

// WorktreeObserver is notified around worktree create/remove, for an
// optional metrics sink (internal/telemetry's active-worktree gauge). Not
// part of the eventsink.Sink contract, so it is wired as a separate,
// optional collaborator, same as IssueTitleLister.
type WorktreeObserver interface {
	WorktreeCreated(ctx context.Context)
	WorktreeRemoved(ctx context.Context)
}

// Deps bundles every collaborator an Agent Loop needs. Queue, Worktrees,
// Budget, ExecAgent and ReviewAgent are required; IdeationAgent and
// Templates are used only when EnabledCategories is non-empty; Events,
// IssueTitles, WorktreeObserver and Rand may be nil.
type Deps struct {
	Queue            queue.Adapter
	Worktrees        *worktree.Manager
	Budget           Budget
	ExecAgent        *execagent.Agent
	ReviewAgent      *reviewagent.Agent
	IdeationAgent    *ideationagent.Agent
	Templates        *template.Loader
	Events           eventsink.Sink
	IssueTitles      IssueTitleLister // optional
	WorktreeObserver WorktreeObserver // optional

	Owner, Repo       string
	EnabledCategories []string

	MaxBudgetPerTaskUSD     float64
	MaxBudgetPerReviewUSD   float64
	MaxBudgetPerIdeationUSD float64
	MaxTurnsPerTask         int

	IdlePollInterval time.Duration
	CooldownDuration time.Duration

	// Rand supplies category selection randomness; defaults to the package
	// rand source when nil so tests can inject a deterministic one.
	Rand *rand.Rand
}

func (d *Deps) idlePoll() time.Duration {
	if d.IdlePollInterval > 0 {
		return d.IdlePollInterval
	}
	return DefaultIdlePollInterval
}

func (d *Deps) cooldown() time.Duration {
	if d.CooldownDuration > 0 {
		return d.CooldownDuration
	}
	return DefaultCooldownDuration
}

// handler is one state's atomic step. ok=false means "no event to apply
// this round" (a suspension point returned without a terminal outcome).
type handler func(ctx context.Context) (event fsm.Event, ok bool)

// Loop drives one agent's fsm.Machine through the per-state handlers. Safe
// for concurrent use: Pause/Resume/Stop may be called from any goroutine
// while Run executes the dispatch loop.
type Loop struct {
	agentID string
	deps    Deps
	machine *fsm.Machine

	mu              sync.Mutex
	currentItem     *queue.Item
	currentWorktree *domain.WorktreeInfo
	retryCount      int
	abort           *llmsession.AbortHandle
	stashedIdea     *domain.ParsedIdea
	stashedCategory string
	tasksCompleted  int
	errorCount      int
	lastError       string
	resumeCh        chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a Loop for agentID, wired to deps. The fsm starts in Idle.
func New(agentID string, deps Deps) *Loop {
	l := &Loop{
		agentID: agentID,
		deps:    deps,
		machine: fsm.New(agentID),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	l.machine.OnTransition(func(agentID string, from, to fsm.State, event fsm.Event) {
		if l.deps.Events != nil {
			l.deps.Events.OnStatusChange(agentID, from, to)
		}
	})
	return l
}

// AgentID returns the loop's agent identifier.
func (l *Loop) AgentID() string { return l.agentID }

// State returns the current FSM state.
func (l *Loop) State() fsm.State { return l.machine.State() }

// Snapshot returns the current durable AgentSession view, consumed by
// internal/hooks to mirror state to disk without holding a reference into
// the loop's own mutable fields.
func (l *Loop) Snapshot() domain.AgentSession {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess := domain.AgentSession{
		AgentID:        l.agentID,
		Status:         statusFor(l.machine.State()),
		TasksCompleted: l.tasksCompleted,
		ErrorCount:     l.errorCount,
		LastHeartbeat:  domain.NowISO8601(),
	}
	if l.lastError != "" {
		lastError := l.lastError
		sess.LastError = &lastError
	}
	if l.currentItem != nil {
		projectNumber := l.currentItem.ProjectNumber
		title := l.currentItem.IssueTitle
		sess.CurrentProjectNumber = &projectNumber
		sess.CurrentTaskDescription = &title
	}
	if l.currentWorktree != nil {
		branch := l.currentWorktree.Branch
		sess.BranchName = &branch
	}
	return sess
}

func statusFor(s fsm.State) domain.AgentStatus {
	switch s {
	case fsm.Working:
		return domain.StatusWorking
	case fsm.Reviewing:
		return domain.StatusReviewing
	case fsm.Ideating, fsm.CreatingProject:
		return domain.StatusIdeating
	case fsm.Paused:
		return domain.StatusPaused
	default:
		return domain.StatusIdle
	}
}

// Pause cancels any in-flight LLM call and transitions to Paused. If the
// current state has no Pause edge in the table (only Idle and Working do),
// the transition failure is logged, but the in-flight call is still
// cancelled.
func (l *Loop) Pause() {
	l.mu.Lock()
	if l.abort != nil {
		l.abort.Cancel()
	}
	if l.resumeCh == nil {
		l.resumeCh = make(chan struct{})
	}
	l.mu.Unlock()

	if _, err := l.machine.Transition(fsm.Pause); err != nil {
		log.Printf("[agentloop] agent %s: pause: %v", l.agentID, err)
	}
}

// Resume releases the pause barrier and transitions to Idle.
func (l *Loop) Resume() {
	l.mu.Lock()
	ch := l.resumeCh
	l.resumeCh = nil
	l.mu.Unlock()
	if ch != nil {
		close(ch)
	}

	if _, err := l.machine.Transition(fsm.Resume); err != nil {
		log.Printf("[agentloop] agent %s: resume: %v", l.agentID, err)
	}
}

// Stop aborts any in-flight LLM call, releases the pause barrier,
// transitions to Stopped, and blocks until the dispatch loop has exited.
// Transitioning to Stopped may legitimately fail if the loop is currently
// in Error or Cooldown, which have no Stop edge; the dispatch loop itself
// re-applies Stop the next time it reaches a state that accepts it.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })

	l.mu.Lock()
	if l.abort != nil {
		l.abort.Cancel()
	}
	ch := l.resumeCh
	l.resumeCh = nil
	l.mu.Unlock()
	if ch != nil {
		close(ch)
	}

	l.machine.Transition(fsm.Stop) //nolint:errcheck // best-effort; see doc comment
	<-l.done
}

// Run executes the dispatch loop until the machine reaches Stopped. It
// blocks; callers typically run it in its own goroutine.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	for {
		state := l.machine.State()
		if state == fsm.Stopped {
			return
		}

		select {
		case <-l.stopCh:
			if _, err := l.machine.Transition(fsm.Stop); err == nil {
				continue
			}
		default:
		}

		event, ok := l.handlerFor(state)(ctx)
		if !ok {
			continue
		}
		if _, err := l.machine.Transition(event); err != nil {
			log.Printf("[agentloop] agent %s: %v", l.agentID, err)
		}
	}
}

func (l *Loop) handlerFor(state fsm.State) handler {
	switch state {
	case fsm.Idle:
		return l.handleIdle
	case fsm.Claiming:
		return l.handleClaiming
	case fsm.Working:
		return l.handleWorking
	case fsm.Reviewing:
		return l.handleReviewing
	case fsm.Ideating:
		return l.handleIdeating
	case fsm.CreatingProject:
		return l.handleCreatingProject
	case fsm.Error:
		return l.handleError
	case fsm.Cooldown:
		return l.handleCooldown
	case fsm.Paused:
		return l.handlePaused
	default:
		return l.handleUnknown
	}
}

func (l *Loop) handleUnknown(ctx context.Context) (fsm.Event, bool) {
	log.Printf("[agentloop] agent %s: no handler for state %q", l.agentID, l.machine.State())
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
	}
	return "", false
}

// --- Idle ---

func (l *Loop) handleIdle(ctx context.Context) (fsm.Event, bool) {
	if !l.deps.Budget.IsWithinBudget() {
		l.Pause()
		return "", false
	}

	item, err := l.deps.Queue.FindNextWorkItem(ctx, l.agentID)
	if err != nil {
		log.Printf("[agentloop] agent %s: finding next work item: %v", l.agentID, err)
		item = nil
	}
	if item != nil {
		l.setCurrentItem(item)
		return fsm.QueueHasWork, true
	}

	if len(l.deps.EnabledCategories) > 0 {
		return fsm.QueueEmptyIdeate, true
	}

	select {
	case <-time.After(l.deps.idlePoll()):
	case <-l.stopCh:
	case <-ctx.Done():
	}
	return "", false
}

// --- Claiming ---

func (l *Loop) handleClaiming(ctx context.Context) (fsm.Event, bool) {
	item := l.getCurrentItem()
	if item == nil {
		return fsm.ClaimFailed, true
	}

	if !l.deps.Queue.ClaimIssue(ctx, item.ProjectID, item.ItemID, l.agentID) {
		l.setCurrentItem(nil)
		return fsm.ClaimFailed, true
	}

	wt, err := l.deps.Worktrees.CreateWorktree(ctx, l.agentID, item.IssueNumber)
	if err != nil {
		l.recordError(fmt.Errorf("claiming: creating worktree: %w", err))
		l.setCurrentItem(nil)
		return fsm.ClaimFailed, true
	}

	l.setCurrentWorktree(&wt)
	if l.deps.WorktreeObserver != nil {
		l.deps.WorktreeObserver.WorktreeCreated(ctx)
	}
	return fsm.ClaimSuccess, true
}

// --- Working ---

func (l *Loop) handleWorking(ctx context.Context) (fsm.Event, bool) {
	item := l.getCurrentItem()
	wt := l.getCurrentWorktree()
	if item == nil || wt == nil {
		l.recordError(fmt.Errorf("working: missing current item or worktree"))
		return fsm.ExecutionError, true
	}

	abort := llmsession.NewAbortHandle(ctx)
	l.setAbort(abort)
	defer l.setAbort(nil)

	result := l.deps.ExecAgent.Run(abort.Context(), wt.Path, buildExecutionPrompt(item.WorkItem),
		l.deps.MaxBudgetPerTaskUSD, l.deps.MaxTurnsPerTask, abort, l.onToolUse)

	if result.CostUSD > 0 {
		l.deps.Budget.RecordCost(l.agentID, result.CostUSD, item.ProjectNumber)
		if l.deps.Events != nil {
			l.deps.Events.OnCostUpdate(l.agentID, result.CostUSD)
		}
	}

	if !result.Success {
		l.recordError(fmt.Errorf("execution: %s", result.Error))
		return fsm.ExecutionError, true
	}

	message := fmt.Sprintf("Implement #%d: %s", item.IssueNumber, item.IssueTitle)
	if err := l.deps.Worktrees.CommitAndPush(ctx, wt.Path, message); err != nil {
		l.recordError(fmt.Errorf("working: commit and push: %w", err))
		return fsm.ExecutionError, true
	}
	return fsm.ExecutionComplete, true
}

// --- Reviewing ---

func (l *Loop) handleReviewing(ctx context.Context) (fsm.Event, bool) {
	item := l.getCurrentItem()
	wt := l.getCurrentWorktree()
	if item == nil || wt == nil {
		l.recordError(fmt.Errorf("reviewing: missing current item or worktree"))
		return fsm.ReviewError, true
	}

	abort := llmsession.NewAbortHandle(ctx)
	l.setAbort(abort)
	defer l.setAbort(nil)

	outcome, err := l.deps.ReviewAgent.Run(abort.Context(), wt.Path, item.WorkItem,
		l.deps.MaxBudgetPerReviewUSD, l.deps.MaxTurnsPerTask, abort, l.onToolUse)
	if err != nil {
		l.recordError(fmt.Errorf("reviewing: %w", err))
		l.finalizeItem(ctx)
		return fsm.ReviewError, true
	}

	if outcome.Approved {
		l.mu.Lock()
		l.tasksCompleted++
		l.retryCount = 0
		l.mu.Unlock()
		l.finalizeItem(ctx)
		return fsm.ReviewApproved, true
	}

	if l.incrementRetryCount() <= maxReviewRetries {
		return fsm.ReviewRejected, true
	}

	l.recordError(fmt.Errorf("reviewing: rejected after %d retries: %s", maxReviewRetries, outcome.Summary))
	l.finalizeItem(ctx)
	return fsm.ReviewError, true
}

// finalizeItem removes the current worktree and clears current-item state,
// run both on approval and on terminal rejection.
func (l *Loop) finalizeItem(ctx context.Context) {
	wt := l.getCurrentWorktree()
	if wt != nil {
		if err := l.deps.Worktrees.RemoveWorktree(ctx, wt.Path); err != nil {
			log.Printf("[agentloop] agent %s: removing worktree: %v", l.agentID, err)
		}
		if l.deps.WorktreeObserver != nil {
			l.deps.WorktreeObserver.WorktreeRemoved(ctx)
		}
	}
	l.setCurrentWorktree(nil)
	l.setCurrentItem(nil)
	l.mu.Lock()
	l.retryCount = 0
	l.mu.Unlock()
}

// --- Ideating ---

func (l *Loop) handleIdeating(ctx context.Context) (fsm.Event, bool) {
	categories := l.deps.EnabledCategories
	if len(categories) == 0 {
		return fsm.NoIdea, true
	}
	category := categories[l.randIndex(len(categories))]

	tctx, err := l.deps.Templates.BuildContext(ctx, l.deps.Owner, l.deps.Repo)
	if err != nil {
		l.recordError(fmt.Errorf("ideating: building template context: %w", err))
		return fsm.IdeationError, true
	}
	prompt, _, err := l.deps.Templates.Load(category, tctx)
	if err != nil {
		l.recordError(fmt.Errorf("ideating: loading prompt: %w", err))
		return fsm.IdeationError, true
	}

	var existingTitles []string
	if l.deps.IssueTitles != nil {
		existingTitles, err = l.deps.IssueTitles.ListIssueTitles(ctx, l.deps.Owner, l.deps.Repo)
		if err != nil {
			log.Printf("[agentloop] agent %s: listing existing issue titles: %v", l.agentID, err)
			existingTitles = nil
		}
	}

	abort := llmsession.NewAbortHandle(ctx)
	l.setAbort(abort)
	defer l.setAbort(nil)

	outcome := l.deps.IdeationAgent.Run(abort.Context(), category, prompt, existingTitles,
		l.deps.MaxBudgetPerIdeationUSD, l.deps.MaxTurnsPerTask, abort, l.onToolUse)

	if outcome.NoIdeaAvailable || outcome.Idea == nil {
		return fsm.NoIdea, true
	}

	l.mu.Lock()
	l.stashedIdea = outcome.Idea
	l.stashedCategory = category
	l.mu.Unlock()
	return fsm.IdeaGenerated, true
}

// --- CreatingProject ---

func (l *Loop) handleCreatingProject(ctx context.Context) (fsm.Event, bool) {
	l.mu.Lock()
	idea := l.stashedIdea
	category := l.stashedCategory
	l.mu.Unlock()

	if idea == nil {
		return fsm.CreationError, true
	}

	body := buildIssueBody(*idea)
	labels := []string{"ai-generated", category}
	if _, err := l.deps.Queue.CreateIssue(ctx, l.deps.Owner, l.deps.Repo, idea.Title, body, labels); err != nil {
		l.recordError(fmt.Errorf("creating project: %w", err))
		return fsm.CreationError, true
	}

	l.mu.Lock()
	l.stashedIdea = nil
	l.stashedCategory = ""
	l.mu.Unlock()
	return fsm.ProjectCreated, true
}

// --- Error / Cooldown / Paused ---

func (l *Loop) handleError(ctx context.Context) (fsm.Event, bool) {
	return fsm.ErrorAcknowledged, true
}

func (l *Loop) handleCooldown(ctx context.Context) (fsm.Event, bool) {
	select {
	case <-time.After(l.deps.cooldown()):
	case <-l.stopCh:
	case <-ctx.Done():
	}
	return fsm.CooldownComplete, true
}

func (l *Loop) handlePaused(ctx context.Context) (fsm.Event, bool) {
	l.mu.Lock()
	ch := l.resumeCh
	if ch == nil {
		ch = make(chan struct{})
		l.resumeCh = ch
	}
	l.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
	}
	return "", false
}

// --- helpers ---

func (l *Loop) onToolUse(name string, filesAffected []string) {
	if l.deps.Events == nil {
		return
	}
	l.deps.Events.OnActivity(l.agentID, eventsink.Activity{
		ToolName:      name,
		FilesAffected: filesAffected,
		Timestamp:     domain.NowISO8601(),
	})
}

func (l *Loop) recordError(err error) {
	l.mu.Lock()
	l.errorCount++
	l.lastError = err.Error()
	l.mu.Unlock()
	if l.deps.Events != nil {
		l.deps.Events.OnError(l.agentID, err)
	}
}

func (l *Loop) setCurrentItem(item *queue.Item) {
	l.mu.Lock()
	l.currentItem = item
	l.mu.Unlock()
}

func (l *Loop) getCurrentItem() *queue.Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentItem
}

func (l *Loop) setCurrentWorktree(wt *domain.WorktreeInfo) {
	l.mu.Lock()
	l.currentWorktree = wt
	l.mu.Unlock()
}

func (l *Loop) getCurrentWorktree() *domain.WorktreeInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentWorktree
}

func (l *Loop) setAbort(a *llmsession.AbortHandle) {
	l.mu.Lock()
	l.abort = a
	l.mu.Unlock()
}

func (l *Loop) incrementRetryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retryCount++
	return l.retryCount
}

func (l *Loop) randIndex(n int) int {
	if l.deps.Rand != nil {
		return l.deps.Rand.Intn(n)
	}
	return rand.Intn(n)
}

func buildExecutionPrompt(item domain.WorkItem) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Implement issue #%d: %s\n\n%s\n\n", item.IssueNumber, item.IssueTitle, item.IssueBody)
	if len(item.AcceptanceCriteria) > 0 {
		sb.WriteString("Acceptance criteria:\n")
		for i, c := range item.AcceptanceCriteria {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, c)
		}
	}
	return sb.String()
}

func buildIssueBody(idea domain.ParsedIdea) string {
	var sb strings.Builder
	sb.WriteString(idea.Description)
	sb.WriteString("\n\n**Technical approach**\n\n")
	sb.WriteString(idea.TechnicalApproach)
	sb.WriteString("\n\n**Acceptance criteria**\n\n")
	for _, c := range idea.AcceptanceCriteria {
		fmt.Fprintf(&sb, "- [ ] %s\n", c)
	}
	fmt.Fprintf(&sb, "\n_category: %s, estimated effort: %dh_\n", idea.Category, idea.EffortHours)
	return sb.String()
}
