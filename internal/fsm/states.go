package fsm

import "github.com/librescoot/librefsm"

// System modes
const (
	StateInit         librefsm.StateID = "init"
	StateRunning      librefsm.StateID = "running"
	StateSafeMode     librefsm.StateID = "safe-mode"
	StateShuttingDown librefsm.StateID = "shutting-down"
)

// Mode events
const (
	// EvStarted fires once hardware init completes.
	EvStarted librefsm.EventID = "started"
	// EvFault fires on a control-loop watchdog overrun or an operator
	// "safe" command.
	EvFault librefsm.EventID = "fault"
	// EvRecover is the operator request to leave safe mode.
	EvRecover librefsm.EventID = "recover"
	// EvShutdown fires on SIGINT/SIGTERM.
	EvShutdown librefsm.EventID = "shutdown"
)
