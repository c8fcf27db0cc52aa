package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionTableExact(t *testing.T) {
	cases := []struct {
		from  State
		event Event
		to    State
	}{
		{Idle, QueueHasWork, Claiming},
		{Idle, QueueEmptyIdeate, Ideating},
		{Claiming, ClaimSuccess, Working},
		{Claiming, ClaimFailed, Idle},
		{Working, ExecutionComplete, Reviewing},
		{Working, ExecutionError, Error},
		{Reviewing, ReviewApproved, Idle},
		{Reviewing, ReviewRejected, Working},
		{Reviewing, ReviewError, Error},
		{Ideating, IdeaGenerated, CreatingProject},
		{Ideating, NoIdea, Idle},
		{CreatingProject, ProjectCreated, Idle},
		{CreatingProject, CreationError, Error},
		{Error, ErrorAcknowledged, Cooldown},
		{Cooldown, CooldownComplete, Idle},
		{Paused, Resume, Idle},
	}

	for _, tc := range cases {
		m := New("agent-1")
		m.state = tc.from
		got, err := m.Transition(tc.event)
		require.NoError(t, err)
		require.Equal(t, tc.to, got)
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	m := New("agent-1")
	_, err := m.Transition(ReviewApproved)
	require.Error(t, err)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, Idle, m.State())
}

func TestStoppedIsTerminal(t *testing.T) {
	m := New("agent-1")
	_, err := m.Transition(Stop)
	require.NoError(t, err)
	require.Equal(t, Stopped, m.State())

	for _, ev := range []Event{QueueHasWork, Resume, Pause, Stop} {
		require.False(t, m.CanTransition(ev))
	}
}

func TestObserversFireInRegistrationOrderAfterStateChange(t *testing.T) {
	m := New("agent-1")
	var order []string
	m.OnTransition(func(agentID string, from, to State, event Event) {
		order = append(order, "first")
		require.Equal(t, Claiming, to)
	})
	m.OnTransition(func(agentID string, from, to State, event Event) {
		order = append(order, "second")
	})

	_, err := m.Transition(QueueHasWork)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, order)
}

func TestResetNeverFiresObservers(t *testing.T) {
	m := New("agent-1")
	fired := false
	m.OnTransition(func(string, State, State, Event) { fired = true })
	_, _ = m.Transition(QueueHasWork)
	fired = false

	m.Reset()
	require.False(t, fired)
	require.Equal(t, Idle, m.State())
}
