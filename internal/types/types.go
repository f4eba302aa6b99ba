package types

// SequenceState is the state of the hydraulic splitting sequencer.
type SequenceState string

const (
	SeqIdle               SequenceState = "idle"
	SeqWaitStartDebounce  SequenceState = "wait-start-debounce"
	SeqStage1Active       SequenceState = "stage1-active"
	SeqStage1WaitLimit    SequenceState = "stage1-wait-limit"
	SeqStage2Active       SequenceState = "stage2-active"
	SeqStage2WaitLimit    SequenceState = "stage2-wait-limit"
	SeqComplete           SequenceState = "complete"
	SeqAbort              SequenceState = "abort"
	SeqManualExtend       SequenceState = "manual-extend"
	SeqManualRetract      SequenceState = "manual-retract"
)

// SequenceType classifies what kind of cycle is running.
type SequenceType string

const (
	SeqTypeAutomatic     SequenceType = "automatic"
	SeqTypeManualExtend  SequenceType = "manual-extend"
	SeqTypeManualRetract SequenceType = "manual-retract"
)

// SystemMode is the top-level operating mode of the service.
type SystemMode string

const (
	ModeInit         SystemMode = "init"
	ModeRunning      SystemMode = "running"
	ModeSafeMode     SystemMode = "safe-mode"
	ModeShuttingDown SystemMode = "shutting-down"
)

// Logical input pin assignments on the splitter control board.
const (
	PinManualRetract    = 2
	PinManualExtend     = 3
	PinSafetyClear      = 4
	PinSequenceStart    = 5
	PinLimitExtend      = 6
	PinLimitRetract     = 7
	PinOperatorPresence = 8
	PinEStop            = 12
)

// WatchPins lists every digital input the control loop polls, in
// routing priority order. Edges commit in this order within a tick, so
// the E-stop is always routed before any button that could start a
// cycle, and the limit switches before the sequencer sees them.
var WatchPins = []int{
	PinEStop,
	PinLimitExtend,
	PinLimitRetract,
	PinSafetyClear,
	PinSequenceStart,
	PinManualRetract,
	PinManualExtend,
	PinOperatorPresence,
}

// Relay bank assignments. Relay 8 is inverted (energized = engine
// running), relay 9 is inverted board power (OFF energizes the board)
// and doubles as the E-stop indicator.
const (
	RelayExtend       = 1
	RelayRetract      = 2
	RelayEngineStop   = 8
	RelayPowerControl = 9
	MaxRelays         = 9
)

// PinSnapshot is a debounced reading of every watched pin, true meaning
// logically active after polarity normalization.
type PinSnapshot struct {
	active map[int]bool
}

// NewPinSnapshot returns an empty snapshot covering WatchPins.
func NewPinSnapshot() PinSnapshot {
	return PinSnapshot{active: make(map[int]bool, len(WatchPins))}
}

// Get reports whether pin is active. Unknown pins read inactive.
func (s PinSnapshot) Get(pin int) bool {
	return s.active[pin]
}

// Set records the state of pin.
func (s *PinSnapshot) Set(pin int, state bool) {
	if s.active == nil {
		s.active = make(map[int]bool, len(WatchPins))
	}
	s.active[pin] = state
}

// Clone returns an independent copy of the snapshot.
func (s PinSnapshot) Clone() PinSnapshot {
	c := NewPinSnapshot()
	for pin, state := range s.active {
		c.active[pin] = state
	}
	return c
}
