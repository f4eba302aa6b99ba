package sequence

import (
	"fmt"
	"time"

	"splitter-service/internal/errmgr"
	"splitter-service/internal/logger"
	"splitter-service/internal/types"
)

// Pressure limits that substitute for a missed limit switch, in PSI.
const (
	ExtendPressureLimitPSI  = 2300.0
	RetractPressureLimitPSI = 2300.0
)

// Timing holds the cycle timing parameters. Changes apply on the next
// cycle, never mid-cycle.
type Timing struct {
	// Stable is how long a limit reading must hold before it counts.
	Stable time.Duration
	// StartStable is how long the start button must hold before the
	// cycle begins.
	StartStable time.Duration
	// Timeout bounds any non-idle state. Expiry aborts and latches the
	// sequence lockout.
	Timeout time.Duration
}

// DefaultTiming matches the shipped board calibration.
func DefaultTiming() Timing {
	return Timing{
		Stable:      15 * time.Millisecond,
		StartStable: 100 * time.Millisecond,
		Timeout:     30 * time.Second,
	}
}

// RelayBank is the slice of the relay controller the sequencer drives.
type RelayBank interface {
	SetRelay(relay int, on bool) error
}

// LimitMarker records that a cycle stage ended on pressure rather than
// a limit switch.
type LimitMarker interface {
	MarkPressureLimitUsed()
}

// ErrorSink receives the sequence timeout report.
type ErrorSink interface {
	Set(flag errmgr.Flag, description string)
}

// Controller runs the two-stage splitting cycle and the manual jog
// operations. It is tick-driven: Update and HandleInputChange receive
// the current time explicitly and no timers run in the background. All
// methods are control-loop only.
type Controller struct {
	log    *logger.Logger
	relays RelayBank
	marker LimitMarker
	sink   ErrorSink

	timing  Timing
	pending *Timing

	state      types.SequenceState
	seqType    types.SequenceType
	stateEntry time.Time

	// limitStableSince is the single stability timestamp. Zero means
	// the limit condition is not currently observed.
	limitStableSince time.Time

	// allowButtonRelease flips true once stage 1 engages. Before that
	// the operator must hold the start button; after, releasing is fine
	// but any new press aborts.
	allowButtonRelease bool
	buttonsAtStart     types.PinSnapshot

	// disabled latches after a cycle timeout until explicitly
	// re-enabled.
	disabled bool

	// OnStateChange fires on every state transition.
	OnStateChange func(from, to types.SequenceState)
}

func NewController(relays RelayBank, marker LimitMarker, sink ErrorSink, timing Timing, l *logger.Logger) *Controller {
	return &Controller{
		log:     l.WithTag("sequence"),
		relays:  relays,
		marker:  marker,
		sink:    sink,
		timing:  timing,
		state:   types.SeqIdle,
		seqType: types.SeqTypeAutomatic,
	}
}

func (c *Controller) enterState(now time.Time, state types.SequenceState) {
	if state == c.state {
		return
	}
	from := c.state
	c.log.Debugf("State %s -> %s", from, state)
	c.state = state
	c.stateEntry = now
	c.limitStableSince = time.Time{}
	if state == types.SeqIdle && c.pending != nil {
		c.timing = *c.pending
		c.pending = nil
		c.log.Infof("Applied new timing: stable=%v startStable=%v timeout=%v",
			c.timing.Stable, c.timing.StartStable, c.timing.Timeout)
	}
	if c.OnStateChange != nil {
		c.OnStateChange(from, state)
	}
}

// Update advances the sequencer one tick. Pressure readings are only
// trusted when pressureReady is true.
func (c *Controller) Update(now time.Time, in types.PinSnapshot, pressure float64, pressureReady bool) {
	if c.checkTimeout(now) {
		return
	}

	switch c.state {
	case types.SeqWaitStartDebounce:
		if now.Sub(c.stateEntry) >= c.timing.StartStable {
			c.log.Infof("Start held %v, beginning stage 1", c.timing.StartStable)
			c.enterState(now, types.SeqStage1Active)
			c.setHydraulics(true, false)
			c.allowButtonRelease = true
		}

	case types.SeqStage1Active, types.SeqStage1WaitLimit:
		c.updateStage(now, c.extendLimitReached(in, pressure, pressureReady),
			types.SeqStage2Active, func() {
				c.log.Infof("Extend limit stable, beginning stage 2")
				c.setHydraulics(false, true)
			})

	case types.SeqStage2Active, types.SeqStage2WaitLimit:
		c.updateStage(now, c.retractLimitReached(in, pressure, pressureReady),
			types.SeqComplete, func() {
				c.log.Infof("Retract limit stable, cycle complete")
				c.setHydraulics(false, false)
				c.allowButtonRelease = false
				c.seqType = types.SeqTypeAutomatic
			})
		// Complete is transient; it exists so state reporting shows the
		// cycle finished rather than jumping straight to idle.
		if c.state == types.SeqComplete {
			c.enterState(now, types.SeqIdle)
		}

	case types.SeqManualExtend:
		if c.extendLimitReached(in, pressure, pressureReady) {
			c.log.Infof("Manual extend reached limit")
			c.StopManualOperation(now)
		}

	case types.SeqManualRetract:
		if c.retractLimitReached(in, pressure, pressureReady) {
			c.log.Infof("Manual retract reached limit")
			c.StopManualOperation(now)
		}
	}
}

// updateStage runs the limit stability window for an automatic stage.
// Any tick where the limit reads false resets the window to zero.
func (c *Controller) updateStage(now time.Time, limit bool, next types.SequenceState, onStable func()) {
	if !limit {
		c.limitStableSince = time.Time{}
		return
	}
	if c.limitStableSince.IsZero() {
		c.limitStableSince = now
		return
	}
	if now.Sub(c.limitStableSince) >= c.timing.Stable {
		onStable()
		c.enterState(now, next)
	}
}

func (c *Controller) extendLimitReached(in types.PinSnapshot, pressure float64, ready bool) bool {
	if in.Get(types.PinLimitExtend) {
		return true
	}
	if ready && pressure >= ExtendPressureLimitPSI {
		if c.seqType == types.SeqTypeAutomatic && c.marker != nil {
			c.marker.MarkPressureLimitUsed()
		}
		return true
	}
	return false
}

func (c *Controller) retractLimitReached(in types.PinSnapshot, pressure float64, ready bool) bool {
	if in.Get(types.PinLimitRetract) {
		return true
	}
	if ready && pressure >= RetractPressureLimitPSI {
		if c.seqType == types.SeqTypeAutomatic && c.marker != nil {
			c.marker.MarkPressureLimitUsed()
		}
		return true
	}
	return false
}

func (c *Controller) checkTimeout(now time.Time) bool {
	if c.state == types.SeqIdle || c.stateEntry.IsZero() {
		return false
	}
	if now.Sub(c.stateEntry) <= c.timing.Timeout {
		return false
	}
	c.log.Errorf("Sequence timed out in %s after %v", c.state, c.timing.Timeout)
	c.abortSequence(now, "timeout")
	return true
}

// HandleInputChange processes a debounced input edge. Returns true when
// the sequencer consumed the edge.
func (c *Controller) HandleInputChange(now time.Time, pin int, state bool, all types.PinSnapshot) bool {
	switch c.state {
	case types.SeqIdle:
		if !all.Get(types.PinSequenceStart) {
			return false
		}
		if c.disabled {
			c.log.Warnf("Start pressed but sequence is disabled, clear errors first")
			return false
		}
		c.buttonsAtStart = all.Clone()
		c.log.Infof("Start pressed, debouncing")
		c.enterState(now, types.SeqWaitStartDebounce)
		return true

	case types.SeqWaitStartDebounce:
		if !all.Get(types.PinSequenceStart) {
			c.abortSequence(now, "released_during_debounce")
		}
		return true

	case types.SeqStage1Active, types.SeqStage1WaitLimit:
		if c.abortOnButtons(now, pin, state, all) {
			return true
		}
		if pin == types.PinLimitExtend && state {
			if c.state == types.SeqStage1Active {
				c.enterState(now, types.SeqStage1WaitLimit)
			}
			c.limitStableSince = now
		}
		return true

	case types.SeqStage2Active, types.SeqStage2WaitLimit:
		if c.abortOnButtons(now, pin, state, all) {
			return true
		}
		if pin == types.PinLimitRetract && state {
			if c.state == types.SeqStage2Active {
				c.enterState(now, types.SeqStage2WaitLimit)
			}
			c.limitStableSince = now
		}
		return true
	}
	return false
}

// abortOnButtons applies the operator button rules during the
// automatic stages. Before release is allowed, letting go of start
// aborts. After, any press of a control button that was not already
// held at sequence start aborts.
func (c *Controller) abortOnButtons(now time.Time, pin int, state bool, all types.PinSnapshot) bool {
	if c.allowButtonRelease {
		if state && pin >= types.PinManualRetract && pin <= types.PinSequenceStart &&
			!c.buttonsAtStart.Get(pin) {
			c.log.Warnf("New press on pin %d during cycle", pin)
			c.abortSequence(now, "new_press")
			return true
		}
		return false
	}
	if !all.Get(types.PinSequenceStart) {
		c.abortSequence(now, "start_released")
		return true
	}
	return false
}

func (c *Controller) abortSequence(now time.Time, reason string) {
	c.log.Warnf("Aborting sequence in %s: %s", c.state, reason)
	c.setHydraulics(false, false)
	c.seqType = types.SeqTypeAutomatic
	c.allowButtonRelease = false
	c.buttonsAtStart = types.NewPinSnapshot()
	c.enterState(now, types.SeqAbort)
	c.enterState(now, types.SeqIdle)

	if reason == "timeout" {
		c.disabled = true
		if c.sink != nil {
			c.sink.Set(errmgr.ErrSequenceTimeout, "hydraulic sequence timed out")
		}
		c.log.Warnf("Sequence disabled until errors are cleared")
	}
}

func (c *Controller) setHydraulics(extend, retract bool) {
	if err := c.relays.SetRelay(types.RelayExtend, extend); err != nil {
		c.log.Errorf("Failed to set extend relay: %v", err)
	}
	if err := c.relays.SetRelay(types.RelayRetract, retract); err != nil {
		c.log.Errorf("Failed to set retract relay: %v", err)
	}
}

// StartManualExtend begins a manual extend jog. Refused unless idle,
// enabled, off the extend limit and below the extend pressure limit.
func (c *Controller) StartManualExtend(now time.Time, in types.PinSnapshot, pressure float64, ready bool) bool {
	if !c.canStartManual("extend") {
		return false
	}
	if in.Get(types.PinLimitExtend) {
		c.log.Warnf("Manual extend refused: already at extend limit")
		return false
	}
	if ready && pressure >= ExtendPressureLimitPSI {
		c.log.Warnf("Manual extend refused: pressure %.1f PSI at limit", pressure)
		return false
	}
	c.seqType = types.SeqTypeManualExtend
	c.enterState(now, types.SeqManualExtend)
	if err := c.relays.SetRelay(types.RelayExtend, true); err != nil {
		c.log.Errorf("Failed to start manual extend: %v", err)
	}
	c.log.Infof("Manual extend started")
	return true
}

// StartManualRetract begins a manual retract jog with the mirrored
// pre-checks.
func (c *Controller) StartManualRetract(now time.Time, in types.PinSnapshot, pressure float64, ready bool) bool {
	if !c.canStartManual("retract") {
		return false
	}
	if in.Get(types.PinLimitRetract) {
		c.log.Warnf("Manual retract refused: already at retract limit")
		return false
	}
	if ready && pressure >= RetractPressureLimitPSI {
		c.log.Warnf("Manual retract refused: pressure %.1f PSI at limit", pressure)
		return false
	}
	c.seqType = types.SeqTypeManualRetract
	c.enterState(now, types.SeqManualRetract)
	if err := c.relays.SetRelay(types.RelayRetract, true); err != nil {
		c.log.Errorf("Failed to start manual retract: %v", err)
	}
	c.log.Infof("Manual retract started")
	return true
}

func (c *Controller) canStartManual(op string) bool {
	if c.state != types.SeqIdle {
		c.log.Warnf("Manual %s refused: sequencer not idle (%s)", op, c.state)
		return false
	}
	if c.disabled {
		c.log.Warnf("Manual %s refused: sequence disabled", op)
		return false
	}
	return true
}

// StopManualOperation ends a manual jog and returns to idle.
func (c *Controller) StopManualOperation(now time.Time) {
	switch c.state {
	case types.SeqManualExtend:
		if err := c.relays.SetRelay(types.RelayExtend, false); err != nil {
			c.log.Errorf("Failed to stop manual extend: %v", err)
		}
	case types.SeqManualRetract:
		if err := c.relays.SetRelay(types.RelayRetract, false); err != nil {
			c.log.Errorf("Failed to stop manual retract: %v", err)
		}
	default:
		return
	}
	c.seqType = types.SeqTypeAutomatic
	c.enterState(now, types.SeqIdle)
	c.log.Infof("Manual operation stopped")
}

// Abort ends whatever is running and returns to idle.
func (c *Controller) Abort() {
	c.AbortAt(time.Now())
}

// AbortAt is Abort with an explicit clock for the control loop.
func (c *Controller) AbortAt(now time.Time) {
	if c.state == types.SeqIdle {
		return
	}
	c.abortSequence(now, "manual_abort")
}

// Reset aborts and additionally clears the timeout lockout.
func (c *Controller) Reset(now time.Time) {
	if c.state != types.SeqIdle {
		c.abortSequence(now, "manual_reset")
	}
	c.Enable()
}

// Enable clears the timeout lockout.
func (c *Controller) Enable() {
	if c.disabled {
		c.log.Infof("Sequence enabled")
	}
	c.disabled = false
}

// Disable latches the lockout. No cycle or jog starts until Enable.
func (c *Controller) Disable() {
	if !c.disabled {
		c.log.Warnf("Sequence disabled")
	}
	c.disabled = true
}

// Enabled reports whether cycles may start.
func (c *Controller) Enabled() bool {
	return !c.disabled
}

// SetTiming schedules new timing parameters. Applied immediately when
// idle, otherwise when the current cycle ends.
func (c *Controller) SetTiming(t Timing) {
	if c.state == types.SeqIdle {
		c.timing = t
		c.log.Infof("Applied new timing: stable=%v startStable=%v timeout=%v",
			t.Stable, t.StartStable, t.Timeout)
		return
	}
	c.pending = &t
	c.log.Infof("Timing change queued until cycle ends")
}

// Timing returns the parameters in effect for the current cycle.
func (c *Controller) Timing() Timing {
	return c.timing
}

// State returns the current sequencer state.
func (c *Controller) State() types.SequenceState {
	return c.state
}

// Type returns the kind of operation in progress.
func (c *Controller) Type() types.SequenceType {
	return c.seqType
}

// Active reports whether anything other than idle is in progress.
func (c *Controller) Active() bool {
	return c.state != types.SeqIdle
}

// ManualActive reports whether a manual jog is in progress.
func (c *Controller) ManualActive() bool {
	return c.state == types.SeqManualExtend || c.state == types.SeqManualRetract
}

// Stage returns 1 or 2 during the automatic stages, 0 otherwise.
func (c *Controller) Stage() int {
	switch c.state {
	case types.SeqStage1Active, types.SeqStage1WaitLimit:
		return 1
	case types.SeqStage2Active, types.SeqStage2WaitLimit:
		return 2
	}
	return 0
}

// Elapsed returns time spent in the current state, zero when idle.
func (c *Controller) Elapsed(now time.Time) time.Duration {
	if c.state == types.SeqIdle || c.stateEntry.IsZero() {
		return 0
	}
	return now.Sub(c.stateEntry)
}

// Status renders the sequencer state in its stable key=value form.
func (c *Controller) Status(now time.Time) string {
	return fmt.Sprintf("stage=%d active=%d elapsed=%d stableMs=%d startStableMs=%d timeoutMs=%d disabled=%d",
		c.Stage(),
		boolInt(c.Active()),
		c.Elapsed(now).Milliseconds(),
		c.timing.Stable.Milliseconds(),
		c.timing.StartStable.Milliseconds(),
		c.timing.Timeout.Milliseconds(),
		boolInt(c.disabled))
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
