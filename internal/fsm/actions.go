package fsm

import "github.com/librescoot/librefsm"

// Actions defines the interface for system mode machine actions.
// SplitterSystem implements this interface to handle mode entry and
// provide guards for conditional transitions.
type Actions interface {
	// Mode entry actions
	EnterRunning(c *librefsm.Context) error
	EnterSafeMode(c *librefsm.Context) error
	EnterShuttingDown(c *librefsm.Context) error

	// Guards for conditional transitions
	CanResumeOperation(c *librefsm.Context) bool // True once safety and E-stop latches are clear
}
