package fsm

import (
	"github.com/librescoot/librefsm"
)

// NewDefinition creates the system mode machine definition.
// The actions parameter provides the implementation for mode entry
// and guards.
func NewDefinition(actions Actions) *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateInit).
		State(StateRunning,
			librefsm.WithOnEnter(actions.EnterRunning),
		).
		State(StateSafeMode,
			librefsm.WithOnEnter(actions.EnterSafeMode),
		).
		State(StateShuttingDown,
			librefsm.WithOnEnter(actions.EnterShuttingDown),
		).

		// From Init
		Transition(StateInit, EvStarted, StateRunning).

		// From Running
		Transition(StateRunning, EvFault, StateSafeMode).
		Transition(StateRunning, EvShutdown, StateShuttingDown).

		// From SafeMode - recovery requires the latches to be clear
		Transition(StateSafeMode, EvRecover, StateRunning,
			librefsm.WithGuard(actions.CanResumeOperation),
		).
		Transition(StateSafeMode, EvShutdown, StateShuttingDown).

		// Initial state
		Initial(StateInit)
}
