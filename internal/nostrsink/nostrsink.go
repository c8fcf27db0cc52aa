// Package nostrsink is an optional second event-sink transport: it mirrors
// agent lifecycle notifications onto a set of Nostr relays as replaceable
// events, one per agent keyed by a "d" tag, so an external dashboard can
// subscribe instead of polling the session files directly.
package nostrsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"fiatjaf.com/nostr"

	"github.com/forgehq/foreman/internal/config"
	"github.com/forgehq/foreman/internal/domain"
	"github.com/forgehq/foreman/internal/eventsink"
	"github.com/forgehq/foreman/internal/fsm"
)

// KindAgentLifecycle is the replaceable event kind this sink publishes
// under.
const KindAgentLifecycle nostr.Kind = 30316

// Sink publishes agent lifecycle notifications to a pool of write relays.
// Safe for concurrent use; relay connections are guarded by mu.
type Sink struct {
	secretKey nostr.SecretKey

	mu    sync.RWMutex
	relays []*nostr.Relay
	urls   []string
	closed bool

	stateMu sync.Mutex
	state   map[string]*domain.AgentSession
}

// New connects to every write relay in cfg and returns a Sink. Relays that
// fail to connect are skipped with a warning; if none connects, New returns
// an error.
func New(ctx context.Context, cfg *config.NostrConfig, secretKeyHex string) (*Sink, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, fmt.Errorf("nostrsink: config disabled")
	}
	if len(cfg.WriteRelays) == 0 {
		return nil, fmt.Errorf("nostrsink: no write relays configured")
	}
	secretKey, err := nostr.SecretKeyFromHex(secretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("nostrsink: invalid secret key: %w", err)
	}

	s := &Sink{
		secretKey: secretKey,
		state:     make(map[string]*domain.AgentSession),
	}

	for _, url := range cfg.WriteRelays {
		relay, err := nostr.RelayConnect(ctx, url, nostr.RelayOptions{})
		if err != nil {
			log.Printf("[nostrsink] warning: failed to connect to %s: %v", url, err)
			continue
		}
		s.relays = append(s.relays, relay)
		s.urls = append(s.urls, url)
	}

	if len(s.relays) == 0 {
		return nil, fmt.Errorf("nostrsink: failed to connect to any write relay")
	}
	return s, nil
}

// Close disconnects from every relay.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, r := range s.relays {
		r.Close()
	}
	s.relays = nil
}

// publish signs and broadcasts event to every connected relay, tolerating
// individual relay failures; the event is only reported dropped once every
// relay has failed.
func (s *Sink) publish(ctx context.Context, event *nostr.Event) {
	if err := event.Sign(s.secretKey); err != nil {
		log.Printf("[nostrsink] warning: signing event: %v", err)
		return
	}

	s.mu.RLock()
	relays := append([]*nostr.Relay(nil), s.relays...)
	closed := s.closed
	s.mu.RUnlock()
	if closed || len(relays) == 0 {
		return
	}

	successes := 0
	for _, relay := range relays {
		if err := relay.Publish(ctx, *event); err != nil {
			log.Printf("[nostrsink] publish to %s failed: %v", relay.URL, err)
			continue
		}
		successes++
	}
	if successes == 0 {
		log.Printf("[nostrsink] warning: event %s dropped, all relays failed", event.ID)
	}
}

func (s *Sink) session(agentID string) *domain.AgentSession {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	sess, ok := s.state[agentID]
	if !ok {
		sess = &domain.AgentSession{AgentID: agentID, Status: domain.StatusIdle}
		s.state[agentID] = sess
	}
	return sess
}

func (s *Sink) publishSession(agentID string) {
	sess := s.session(agentID)

	s.stateMu.Lock()
	snapshot := *sess
	s.stateMu.Unlock()

	content, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("[nostrsink] warning: marshaling session for %s: %v", agentID, err)
		return
	}

	event := &nostr.Event{
		Kind:      KindAgentLifecycle,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags: nostr.Tags{
			{"d", agentID},
			{"status", string(snapshot.Status)},
		},
		Content: string(content),
	}
	s.publish(context.Background(), event)
}

// OnStatusChange mirrors an FSM transition into the agent's replaceable
// session event.
func (s *Sink) OnStatusChange(agentID string, from, to fsm.State) {
	sess := s.session(agentID)
	s.stateMu.Lock()
	sess.Status = statusForState(to)
	sess.LastHeartbeat = domain.NowISO8601()
	s.stateMu.Unlock()
	s.publishSession(agentID)
}

// OnActivity records the most recent tool use in the task description.
func (s *Sink) OnActivity(agentID string, activity eventsink.Activity) {
	sess := s.session(agentID)
	desc := fmt.Sprintf("%s: %v", activity.ToolName, activity.FilesAffected)
	s.stateMu.Lock()
	sess.CurrentTaskDescription = &desc
	sess.LastHeartbeat = domain.NowISO8601()
	s.stateMu.Unlock()
	s.publishSession(agentID)
}

// OnCostUpdate is currently a no-op for the replaceable session event:
// cost is authoritative in internal/budget's cost-log.json, not mirrored
// per-entry to relays (that would be one event per LLM turn).
func (s *Sink) OnCostUpdate(agentID string, costUSD float64) {}

// OnError records the most recent error and bumps the error counter.
func (s *Sink) OnError(agentID string, agentErr error) {
	sess := s.session(agentID)
	s.stateMu.Lock()
	sess.ErrorCount++
	if agentErr != nil {
		errMsg := agentErr.Error()
		sess.LastError = &errMsg
	}
	sess.LastHeartbeat = domain.NowISO8601()
	s.stateMu.Unlock()
	s.publishSession(agentID)
}

// OnHeartbeat refreshes lastHeartbeat without changing status.
func (s *Sink) OnHeartbeat(agentID string) {
	sess := s.session(agentID)
	s.stateMu.Lock()
	sess.LastHeartbeat = domain.NowISO8601()
	s.stateMu.Unlock()
	s.publishSession(agentID)
}

func statusForState(state fsm.State) domain.AgentStatus {
	switch state {
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
