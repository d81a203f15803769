package models

// State is one FSM node from the catalog. The catalog is loaded from the
// store and immutable within a run; a terminal state halts signal
// consumption.
type State struct {
	ID         int64  `json:"id"`
	Key        string `json:"key"`
	Name       string `json:"name,omitempty"`
	IsTerminal bool   `json:"is_terminal,omitempty"`
	IsEnabled  bool   `json:"is_enabled"`
}

// SignalDef declares a signal type the machine understands.
type SignalDef struct {
	ID          int64  `json:"id"`
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

// Transition is one edge of the data-defined state machine. For a given
// (state, signal) the enabled candidates are ordered by
// (match_any_state ASC, priority ASC, id ASC); guards filter candidates
// in that order and the first survivor fires.
type Transition struct {
	ID            int64  `json:"id"`
	StateKey      string `json:"state_key,omitempty"`
	SignalKey     string `json:"signal_key"`
	NextStateKey  string `json:"next_state_key"`
	Priority      int    `json:"priority"`
	IsEnabled     bool   `json:"is_enabled"`
	GuardKey      string `json:"guard_key,omitempty"`
	ActionKey     string `json:"action_key,omitempty"`
	MatchAnyState bool   `json:"match_any_state,omitempty"`
}

// Sense is an intake adapter registration: the catalog names it, declares
// the signal types it may emit, and can disable it without a redeploy.
type Sense struct {
	ID        int64    `json:"id"`
	Key       string   `json:"key"`
	Signals   []string `json:"signals,omitempty"`
	IsEnabled bool     `json:"is_enabled"`
}

// Catalog bundles the whole machine definition for validation and the
// gateway's catalog endpoint.
type Catalog struct {
	States      []State      `json:"states"`
	Signals     []SignalDef  `json:"signals"`
	Transitions []Transition `json:"transitions"`
	Senses      []Sense      `json:"senses"`
}

// SignalKeys returns the set of declared signal type keys.
func (c Catalog) SignalKeys() map[string]bool {
	keys := make(map[string]bool, len(c.Signals))
	for _, s := range c.Signals {
		keys[s.Key] = true
	}
	return keys
}

// StateKeys returns the set of declared state keys.
func (c Catalog) StateKeys() map[string]bool {
	keys := make(map[string]bool, len(c.States))
	for _, s := range c.States {
		keys[s.Key] = true
	}
	return keys
}
