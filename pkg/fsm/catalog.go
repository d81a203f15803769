package fsm

import (
	"context"
	"errors"
	"fmt"

	"github.com/alphonse-agent/nerve/pkg/models"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// Core state keys. The catalog can add more; these are the ones the
// default machine and the always-installed transitions rely on.
const (
	StateIdle         = "idle"
	StateError        = "error"
	StateShuttingDown = "shutting_down"
)

// Required action keys. Boot fails if the registry is missing any.
const (
	ActionShutdown        = "shutdown"
	ActionIncomingMessage = "handle_incoming_message"
	ActionTimerFired      = "handle_timer_fired"
	ActionFailure         = "handle_action_failure"
	ActionStatus          = "handle_status"
	ActionTimedSignals    = "handle_timed_signals"
	ActionSliceRequest    = "handle_slice_request"
	ActionPlanRun         = "handle_plan_run"
	ActionResume          = "handle_resume"
)

// shutdownPriority sorts the always-installed shutdown edge after every
// catalog-authored transition (lower priority values win).
const shutdownPriority = 10000

// SeedCatalog installs the default machine: states, signal types, and
// transitions, all with keep-existing semantics so operator edits
// survive restarts. The runtime state marker is initialized to
// initialState only on a fresh database.
func SeedCatalog(ctx context.Context, stores *store.Stores, initialState string) error {
	states := []models.State{
		{Key: StateIdle, Name: "Idle", IsEnabled: true},
		{Key: StateError, Name: "Error", IsEnabled: true},
		{Key: StateShuttingDown, Name: "Shutting down", IsTerminal: true, IsEnabled: true},
	}
	if initialState != "" && initialState != StateIdle {
		states = append(states, models.State{Key: initialState, Name: initialState, IsEnabled: true})
	}

	signals := []models.SignalDef{
		{Key: models.SignalAPIMessageReceived, Description: "Message arrived through the HTTP gateway"},
		{Key: models.SignalAPIStatusRequested, Description: "Status requested through the HTTP gateway"},
		{Key: models.SignalAPITimedSigsRequested, Description: "Timed-signal management requested through the HTTP gateway"},
		{Key: models.SignalCLIMessageReceived, Description: "Message arrived on the local console"},
		{Key: models.SignalTimerFired, Description: "Internal timer elapsed"},
		{Key: models.SignalTimedSignalFired, Description: "Scheduled signal dispatched"},
		{Key: models.SignalActionSucceeded, Description: "Action completed"},
		{Key: models.SignalActionFailed, Description: "Action failed; routed to the error state"},
		{Key: models.SignalShutdownRequested, Description: "Orderly shutdown requested"},
		{Key: models.SignalPlanRun, Description: "Plan instance ready to run"},
		{Key: models.SignalPlanFinished, Description: "Plan instance finished"},
		{Key: models.SignalSliceRequested, Description: "Cooperative task slice requested"},
		{Key: models.SignalSliceDone, Description: "Cooperative task slice finished"},
		{Key: models.SignalResumeRequested, Description: "Parked task resume requested"},
	}

	transitions := []models.Transition{
		{StateKey: StateIdle, SignalKey: models.SignalAPIMessageReceived, NextStateKey: StateIdle, Priority: 100, IsEnabled: true, ActionKey: ActionIncomingMessage},
		{StateKey: StateIdle, SignalKey: models.SignalCLIMessageReceived, NextStateKey: StateIdle, Priority: 100, IsEnabled: true, ActionKey: ActionIncomingMessage},
		{StateKey: StateIdle, SignalKey: models.SignalTimerFired, NextStateKey: StateIdle, Priority: 100, IsEnabled: true, ActionKey: ActionTimerFired},
		{StateKey: StateIdle, SignalKey: models.SignalTimedSignalFired, NextStateKey: StateIdle, Priority: 100, IsEnabled: true, ActionKey: ActionTimerFired},
		{StateKey: StateIdle, SignalKey: models.SignalAPIStatusRequested, NextStateKey: StateIdle, Priority: 100, IsEnabled: true, ActionKey: ActionStatus},
		{StateKey: StateIdle, SignalKey: models.SignalAPITimedSigsRequested, NextStateKey: StateIdle, Priority: 100, IsEnabled: true, ActionKey: ActionTimedSignals},
		{StateKey: StateIdle, SignalKey: models.SignalSliceRequested, NextStateKey: StateIdle, Priority: 100, IsEnabled: true, ActionKey: ActionSliceRequest},
		{StateKey: StateIdle, SignalKey: models.SignalPlanRun, NextStateKey: StateIdle, Priority: 100, IsEnabled: true, ActionKey: ActionPlanRun},
		{StateKey: StateIdle, SignalKey: models.SignalResumeRequested, NextStateKey: StateIdle, Priority: 100, IsEnabled: true, ActionKey: ActionResume},

		// Failures drop the machine into the error state from anywhere.
		{SignalKey: models.SignalActionFailed, NextStateKey: StateError, Priority: 50, IsEnabled: true, ActionKey: ActionFailure, MatchAnyState: true},

		// A fresh human message pulls the machine out of error.
		{StateKey: StateError, SignalKey: models.SignalAPIMessageReceived, NextStateKey: StateIdle, Priority: 10, IsEnabled: true, ActionKey: ActionIncomingMessage},
		{StateKey: StateError, SignalKey: models.SignalCLIMessageReceived, NextStateKey: StateIdle, Priority: 10, IsEnabled: true, ActionKey: ActionIncomingMessage},
		{StateKey: StateError, SignalKey: models.SignalAPIStatusRequested, NextStateKey: StateError, Priority: 100, IsEnabled: true, ActionKey: ActionStatus},

		// Always installed: orderly shutdown wins from any state, last in
		// resolution order so catalog-authored edges can override.
		{SignalKey: models.SignalShutdownRequested, NextStateKey: StateShuttingDown, Priority: shutdownPriority, IsEnabled: true, ActionKey: ActionShutdown, MatchAnyState: true},
	}

	return stores.InTx(ctx, func(txs *store.Stores) error {
		for _, st := range states {
			if err := txs.Catalog.EnsureState(ctx, st); err != nil {
				return err
			}
		}
		for _, sig := range signals {
			if err := txs.Catalog.EnsureSignal(ctx, sig); err != nil {
				return err
			}
		}
		for _, tr := range transitions {
			if err := txs.Catalog.EnsureTransition(ctx, tr); err != nil {
				return err
			}
		}
		if initialState == "" {
			initialState = StateIdle
		}
		return txs.Runtime.InitCurrentState(ctx, initialState)
	})
}

// ValidateCatalog checks the loaded catalog against the code-side
// registries. An empty machine or an unresolvable key is fatal: the
// agent must not boot half-wired.
func ValidateCatalog(cat models.Catalog, guards *GuardRegistry, actions *ActionRegistry) error {
	var errs []error

	if len(cat.States) == 0 {
		errs = append(errs, fmt.Errorf("catalog has no states"))
	}
	if len(cat.Transitions) == 0 {
		errs = append(errs, fmt.Errorf("catalog has no transitions"))
	}

	stateKeys := make(map[string]bool, len(cat.States))
	for _, st := range cat.States {
		stateKeys[st.Key] = true
	}
	signalKeys := cat.SignalKeys()

	for _, tr := range cat.Transitions {
		edge := fmt.Sprintf("%s -[%s]-> %s", tr.StateKey, tr.SignalKey, tr.NextStateKey)
		if !tr.MatchAnyState && !stateKeys[tr.StateKey] {
			errs = append(errs, fmt.Errorf("transition %s: unknown source state", edge))
		}
		if !stateKeys[tr.NextStateKey] {
			errs = append(errs, fmt.Errorf("transition %s: unknown next state", edge))
		}
		if !signalKeys[tr.SignalKey] {
			errs = append(errs, fmt.Errorf("transition %s: undeclared signal", edge))
		}
		if tr.GuardKey != "" {
			if _, ok := guards.Get(tr.GuardKey); !ok {
				errs = append(errs, fmt.Errorf("transition %s: unknown guard %s", edge, tr.GuardKey))
			}
		}
		if tr.ActionKey != "" {
			if _, ok := actions.Get(tr.ActionKey); !ok {
				errs = append(errs, fmt.Errorf("transition %s: unknown action %s", edge, tr.ActionKey))
			}
		}
	}

	required := []string{
		ActionShutdown, ActionIncomingMessage, ActionTimerFired,
		ActionFailure, ActionStatus, ActionTimedSignals,
	}
	for _, key := range required {
		if _, ok := actions.Get(key); !ok {
			errs = append(errs, fmt.Errorf("required action not registered: %s", key))
		}
	}

	return errors.Join(errs...)
}
