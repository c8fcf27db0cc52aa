// Package hooks implements the session hooks: a per-tool-use observer that
// mirrors an agent's runtime state to disk as a pair of atomically-written
// files external tooling can poll — a `.session` file with the full
// AgentSession snapshot, and a `.signal` liveness marker — plus a shared,
// capped activity log.
package hooks

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/eventsink"
	"github.com/forgehq/foreman/internal/fsm"
)

// sessionsDirName is the workspace-relative directory session/signal files
// are written into.
const sessionsDirName = ".claude-sessions"

const (
	activityLogFileName = "activity-log.json"
	activityLogCap      = 50
)

// Snapshot returns the current AgentSession state for an agent. Hooks read
// state through this function only, never by holding a reference to the
// agent loop's own mutable struct.
type Snapshot func(agentID string) domain.AgentSession

// Writer implements eventsink.Sink by writing session/signal files. Safe
// for concurrent use across agents; writes for a single agent are never
// concurrent with each other because each agent loop drives its own hook
// fires sequentially.
type Writer struct {
	workspaceRoot string
	snapshot      Snapshot

	// actMu serializes activity-log updates: unlike the per-agent
	// session/signal pair, activity-log.json is shared by every agent.
	actMu sync.Mutex
}

var _ eventsink.Sink = (*Writer)(nil)

// New creates a Writer rooted at workspaceRoot, using snapshot to read each
// agent's current state at fire time.
func New(workspaceRoot string, snapshot Snapshot) *Writer {
	return &Writer{workspaceRoot: workspaceRoot, snapshot: snapshot}
}

func (w *Writer) sessionsDir() string {
	return filepath.Join(w.workspaceRoot, sessionsDirName)
}

// writeAtomic writes data to <sessionsDir>/name via temp-file+rename.
// Errors are logged and swallowed: a hook write must never block or fail
// the session it observes.
func (w *Writer) writeAtomic(name string, data []byte) {
	dir := w.sessionsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("[hooks] warning: creating session dir: %v", err)
		return
	}

	tmp, err := os.CreateTemp(dir, name+".tmp-"+uuid.NewString())
	if err != nil {
		log.Printf("[hooks] warning: creating temp file for %s: %v", name, err)
		return
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		log.Printf("[hooks] warning: writing %s: %v", name, err)
		return
	}
	if err := tmp.Close(); err != nil {
		log.Printf("[hooks] warning: closing %s: %v", name, err)
		return
	}

	target := filepath.Join(dir, name)
	if err := os.Rename(tmpName, target); err != nil {
		log.Printf("[hooks] warning: renaming into place %s: %v", name, err)
	}
}

// fire writes the session file (snapshot merged with a fresh heartbeat) and
// the signal file (identical timestamp) for agentID.
func (w *Writer) fire(agentID string, signalState domain.SignalState) {
	ts := domain.NowISO8601()

	sess := w.snapshot(agentID)
	sess.LastHeartbeat = ts

	sessionData, err := json.Marshal(sess)
	if err != nil {
		log.Printf("[hooks] warning: marshaling session for %s: %v", agentID, err)
		return
	}
	w.writeAtomic(sessionFileName(agentID), sessionData)

	signal := domain.SignalFile{State: signalState, Timestamp: ts}
	signalData, err := json.Marshal(signal)
	if err != nil {
		log.Printf("[hooks] warning: marshaling signal for %s: %v", agentID, err)
		return
	}
	w.writeAtomic(signalFileName(agentID), signalData)
}

// agentID already carries the "agent-<n>" prefix assigned by the
// orchestrator, so these just append the extension rather than prefixing
// it again.
func sessionFileName(agentID string) string { return fmt.Sprintf("%s.session", agentID) }
func signalFileName(agentID string) string  { return fmt.Sprintf("%s.signal", agentID) }

// OnStatusChange fires a hook on every FSM transition: a stopped signal for a
// transition into Stopped, a responding signal for any other.
func (w *Writer) OnStatusChange(agentID string, from, to fsm.State) {
	if to == fsm.Stopped {
		w.fire(agentID, domain.SignalStopped)
		return
	}
	w.fire(agentID, domain.SignalResponding)
}

// OnActivity fires a responding hook on every tool-use event and appends
// the event to the shared activity log.
func (w *Writer) OnActivity(agentID string, activity eventsink.Activity) {
	w.fire(agentID, domain.SignalResponding)
	w.appendActivity(agentID, activity)
}

// activityLog is the on-disk shape of activity-log.json: versioned, with
// events capped to the most recent activityLogCap (FIFO).
type activityLog struct {
	Version int             `json:"version"`
	Events  []activityEvent `json:"events"`
}

type activityEvent struct {
	AgentID       string   `json:"agentId"`
	ToolName      string   `json:"toolName"`
	FilesAffected []string `json:"filesAffected,omitempty"`
	Timestamp     string   `json:"timestamp"`
}

func (w *Writer) appendActivity(agentID string, activity eventsink.Activity) {
	w.actMu.Lock()
	defer w.actMu.Unlock()

	entries := activityLog{Version: 1}
	path := filepath.Join(w.sessionsDir(), activityLogFileName)
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &entries); err != nil {
			log.Printf("[hooks] warning: parsing activity log, resetting: %v", err)
			entries = activityLog{Version: 1}
		}
	}

	entries.Version = 1
	entries.Events = append(entries.Events, activityEvent{
		AgentID:       agentID,
		ToolName:      activity.ToolName,
		FilesAffected: activity.FilesAffected,
		Timestamp:     activity.Timestamp,
	})
	if len(entries.Events) > activityLogCap {
		entries.Events = entries.Events[len(entries.Events)-activityLogCap:]
	}

	data, err := json.Marshal(entries)
	if err != nil {
		log.Printf("[hooks] warning: marshaling activity log: %v", err)
		return
	}
	w.writeAtomic(activityLogFileName, data)
}

// OnCostUpdate fires a responding hook so lastHeartbeat advances even
// during a long tool-free LLM turn.
func (w *Writer) OnCostUpdate(agentID string, costUSD float64) {
	w.fire(agentID, domain.SignalResponding)
}

// OnError fires a responding hook; the error itself is surfaced through the
// AgentSession snapshot's errorCount/lastError fields, not the signal file.
func (w *Writer) OnError(agentID string, err error) {
	w.fire(agentID, domain.SignalResponding)
}

// OnHeartbeat fires a responding hook with no other state change.
func (w *Writer) OnHeartbeat(agentID string) {
	w.fire(agentID, domain.SignalResponding)
}
