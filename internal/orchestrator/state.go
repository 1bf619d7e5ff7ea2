package orchestrator

import (
	"fmt"
	"time"
)

// State is one step of an adapter's run within a cycle.
type State string

// Adapter run states.
const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateNormalizing State = "normalizing"
	StatePersisting  State = "persisting"
	StateEnriching   State = "enriching"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

var transitions = map[State][]State{
	StateIdle:        {StateFetching, StateFailed},
	StateFetching:    {StateNormalizing, StateFailed},
	StateNormalizing: {StatePersisting, StateFailed},
	StatePersisting:  {StateEnriching, StateFailed},
	StateEnriching:   {StateDone, StateFailed},
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Transition records one state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// machine validates and records an adapter's state changes.
type machine struct {
	state   State
	history []Transition
	now     func() time.Time
}

func newMachine(now func() time.Time) *machine {
	return &machine{state: StateIdle, now: now}
}

func (m *machine) advance(to State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == to {
			m.history = append(m.history, Transition{From: m.state, To: to, At: m.now()})
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", m.state, to)
}

// fail moves to Failed from any non-terminal state.
func (m *machine) fail() {
	if !m.state.Terminal() {
		_ = m.advance(StateFailed)
	}
}
