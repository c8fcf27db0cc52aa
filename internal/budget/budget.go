// Package budget implements the per-agent cost ledger: UTC-calendar
// daily/monthly accounting, atomic file persistence, and synchronous
// exceeded-callback dispatch. Persistence goes through temp-file+rename so
// the ledger survives a crash mid-write without ever handing a reader a
// half-written file.
package budget

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/forgehq/foreman/internal/domain"
)

// ExceededCallback is invoked synchronously, with the ledger lock released,
// whenever a recordCost call leaves the tracker over budget.
type ExceededCallback func(status domain.BudgetStatus)

const costLogFileName = "cost-log.json"

// Tracker is the budget tracker. Safe for concurrent use; all mutating
// operations are serialized by mu, and writes of cost-log.json are
// additionally guarded by a flock-based file lock so that two foreman
// processes sharing a session directory never interleave them.
type Tracker struct {
	dailyLimit   float64
	monthlyLimit float64
	sessionDir   string

	mu        sync.Mutex
	entries   []domain.CostEntry
	callbacks []ExceededCallback

	fileLock *flock.Flock
}

// New creates a Tracker rooted at sessionDir. The directory is created
// lazily on first persist.
func New(dailyLimit, monthlyLimit float64, sessionDir string) *Tracker {
	return &Tracker{
		dailyLimit:   dailyLimit,
		monthlyLimit: monthlyLimit,
		sessionDir:   sessionDir,
		fileLock:     flock.New(filepath.Join(sessionDir, costLogFileName+".lock")),
	}
}

// RecordCost appends a cost entry with a fresh UTC timestamp. If the insert
// leaves the tracker over budget, every registered callback fires
// synchronously — once per insert that is over budget, not just on the
// crossing edge.
func (t *Tracker) RecordCost(agentID string, costUSD float64, projectNumber int) {
	t.mu.Lock()
	entry := domain.CostEntry{
		AgentID:       agentID,
		CostUSD:       costUSD,
		ProjectNumber: projectNumber,
		Timestamp:     domain.NowISO8601(),
	}
	t.entries = append(t.entries, entry)
	overBudget := !t.isWithinBudgetLocked()
	status := t.statusLocked()
	callbacks := append([]ExceededCallback(nil), t.callbacks...)
	t.mu.Unlock()

	if overBudget {
		for _, cb := range callbacks {
			cb(status)
		}
	}
}

// IsWithinBudget reports dailySpend<dailyLimit && monthlySpend<monthlyLimit.
func (t *Tracker) IsWithinBudget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isWithinBudgetLocked()
}

func (t *Tracker) isWithinBudgetLocked() bool {
	daily, monthly := t.spendLocked(time.Now().UTC())
	return daily < t.dailyLimit && monthly < t.monthlyLimit
}

// GetBudgetStatus returns a derived snapshot with remaining values clamped
// to zero.
func (t *Tracker) GetBudgetStatus() domain.BudgetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *Tracker) statusLocked() domain.BudgetStatus {
	daily, monthly := t.spendLocked(time.Now().UTC())
	dailyRemaining := t.dailyLimit - daily
	if dailyRemaining < 0 {
		dailyRemaining = 0
	}
	monthlyRemaining := t.monthlyLimit - monthly
	if monthlyRemaining < 0 {
		monthlyRemaining = 0
	}
	return domain.BudgetStatus{
		DailySpend:       daily,
		MonthlySpend:     monthly,
		DailyLimit:       t.dailyLimit,
		MonthlyLimit:     t.monthlyLimit,
		DailyRemaining:   dailyRemaining,
		MonthlyRemaining: monthlyRemaining,
		IsWithinBudget:   daily < t.dailyLimit && monthly < t.monthlyLimit,
	}
}

// GetDailySpend sums entries whose timestamp falls in today's UTC day.
func (t *Tracker) GetDailySpend() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	daily, _ := t.spendLocked(time.Now().UTC())
	return daily
}

// GetMonthlySpend sums entries whose timestamp falls in this UTC month.
func (t *Tracker) GetMonthlySpend() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, monthly := t.spendLocked(time.Now().UTC())
	return monthly
}

func (t *Tracker) spendLocked(now time.Time) (daily, monthly float64) {
	dayPrefix := now.Format("2006-01-02")
	monthPrefix := now.Format("2006-01")
	for _, e := range t.entries {
		if len(e.Timestamp) >= len(dayPrefix) && e.Timestamp[:len(dayPrefix)] == dayPrefix {
			daily += e.CostUSD
		}
		if len(e.Timestamp) >= len(monthPrefix) && e.Timestamp[:len(monthPrefix)] == monthPrefix {
			monthly += e.CostUSD
		}
	}
	return daily, monthly
}

// OnExceeded registers a callback fired from RecordCost.
func (t *Tracker) OnExceeded(cb ExceededCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// PersistToFile writes the entry ledger to <sessionDir>/cost-log.json as a
// bare JSON array, atomically via temp-file+rename, guarded by an
// inter-process flock so two foreman instances never interleave writes.
func (t *Tracker) PersistToFile() error {
	if err := os.MkdirAll(t.sessionDir, 0o755); err != nil {
		return fmt.Errorf("budget: creating session dir: %w", err)
	}

	if err := t.fileLock.Lock(); err != nil {
		return fmt.Errorf("budget: acquiring file lock: %w", err)
	}
	defer t.fileLock.Unlock()

	t.mu.Lock()
	entries := append([]domain.CostEntry(nil), t.entries...)
	t.mu.Unlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("budget: marshaling ledger: %w", err)
	}

	target := filepath.Join(t.sessionDir, costLogFileName)
	tmp, err := os.CreateTemp(t.sessionDir, costLogFileName+".tmp-"+uuid.NewString())
	if err != nil {
		return fmt.Errorf("budget: creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("budget: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("budget: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("budget: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("budget: renaming temp file: %w", err)
	}
	return nil
}

// LoadFromFile loads the ledger from disk. A missing file is a no-op; a
// corrupt file logs a warning and resets to empty. It never returns an
// error.
func (t *Tracker) LoadFromFile() {
	target := filepath.Join(t.sessionDir, costLogFileName)
	data, err := os.ReadFile(target)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[budget] warning: reading cost log: %v", err)
		}
		return
	}

	var entries []domain.CostEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Printf("[budget] warning: parsing cost log, resetting to empty: %v", err)
		t.mu.Lock()
		t.entries = nil
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
}
