// Package eventsink defines the event-sink contract injected into the
// orchestrator: the external observer hook fired on every agent lifecycle
// transition, tool activity, cost update, error, and heartbeat. Two
// concrete sinks are provided: Callbacks (direct in-process function
// pointers) and Multi (fan-out to several sinks, e.g. a callback sink plus
// the optional Nostr sink in internal/nostrsink).
package eventsink

import "github.com/forgehq/foreman/internal/fsm"

// Activity describes one tool-use event surfaced to observers.
type Activity struct {
	ToolName      string
	FilesAffected []string
	Timestamp     string
}

// Sink receives lifecycle notifications for every agent in the pool.
type Sink interface {
	OnStatusChange(agentID string, from, to fsm.State)
	OnActivity(agentID string, activity Activity)
	OnCostUpdate(agentID string, costUSD float64)
	OnError(agentID string, err error)
	OnHeartbeat(agentID string)
}

// Callbacks adapts a set of plain function values to Sink. A nil field is
// simply not invoked.
type Callbacks struct {
	StatusChange func(agentID string, from, to fsm.State)
	Activity     func(agentID string, activity Activity)
	CostUpdate   func(agentID string, costUSD float64)
	Error        func(agentID string, err error)
	Heartbeat    func(agentID string)
}

func (c Callbacks) OnStatusChange(agentID string, from, to fsm.State) {
	if c.StatusChange != nil {
		c.StatusChange(agentID, from, to)
	}
}

func (c Callbacks) OnActivity(agentID string, activity Activity) {
	if c.Activity != nil {
		c.Activity(agentID, activity)
	}
}

func (c Callbacks) OnCostUpdate(agentID string, costUSD float64) {
	if c.CostUpdate != nil {
		c.CostUpdate(agentID, costUSD)
	}
}

func (c Callbacks) OnError(agentID string, err error) {
	if c.Error != nil {
		c.Error(agentID, err)
	}
}

func (c Callbacks) OnHeartbeat(agentID string) {
	if c.Heartbeat != nil {
		c.Heartbeat(agentID)
	}
}

// Multi fans every notification out to each sink in order. Sinks are
// side-effect only and must not panic back into the dispatcher; Multi does
// not recover from a panicking sink on purpose, so a misbehaving sink is
// visible during development rather than swallowed.
type Multi []Sink

func (m Multi) OnStatusChange(agentID string, from, to fsm.State) {
	for _, s := range m {
		s.OnStatusChange(agentID, from, to)
	}
}

func (m Multi) OnActivity(agentID string, activity Activity) {
	for _, s := range m {
		s.OnActivity(agentID, activity)
	}
}

func (m Multi) OnCostUpdate(agentID string, costUSD float64) {
	for _, s := range m {
		s.OnCostUpdate(agentID, costUSD)
	}
}

func (m Multi) OnError(agentID string, err error) {
	for _, s := range m {
		s.OnError(agentID, err)
	}
}

func (m Multi) OnHeartbeat(agentID string) {
	for _, s := range m {
		s.OnHeartbeat(agentID)
	}
}
