package safety

import (
	"fmt"
	"time"

	"splitter-service/internal/logger"
	"splitter-service/internal/types"
)

// Pressure thresholds in PSI.
const (
	// TripThresholdPSI latches the safety condition.
	TripThresholdPSI = 2500.0
	// HysteresisPSI only gates re-trigger chatter. The latched
	// condition never clears on pressure decay.
	HysteresisPSI = 10.0
	// EStopThresholdPSI sustained for EStopTimeout escalates to E-stop.
	EStopThresholdPSI = 2300.0
	EStopTimeout      = 10 * time.Second
)

// statusBlinkInterval is the half-period of the pressure-limit warning
// flash on the safety status LED.
const statusBlinkInterval = 500 * time.Millisecond

// RelayBank is the slice of the relay controller the safety system
// drives.
type RelayBank interface {
	SetRelay(relay int, on bool) error
	EnableLockout()
	DisableLockout()
}

// Sequencer lets the safety system abort a running cycle.
type Sequencer interface {
	Active() bool
	Abort()
}

// Indicator drives the safety status LED.
type Indicator interface {
	SetStatusLED(on bool) error
}

// EventKind identifies a safety transition for observers.
type EventKind uint8

const (
	EventSafetyTrip EventKind = iota + 1
	EventSafetyClear
	EventEStop
	EventEStopClear
	EventEngineStop
	EventEngineStart
)

// System latches over-pressure and E-stop conditions and owns the
// engine stop relay. Recovery is manual only. All methods run on the
// control loop.
type System struct {
	log    *logger.Logger
	relays RelayBank
	seq    Sequencer
	led    Indicator

	safetyActive  bool
	eStopActive   bool
	engineStopped bool
	lastPressure  float64

	// Sticky until config reset. Drives the warning flash so the
	// operator knows a cycle ended on pressure instead of a switch.
	pressureLimitUsed bool

	highPressureSince time.Time

	ledOn     bool
	lastBlink time.Time

	// OnEvent fires on every safety transition.
	OnEvent func(kind EventKind)
}

func New(relays RelayBank, seq Sequencer, led Indicator, l *logger.Logger) *System {
	return &System{
		log:    l.WithTag("safety"),
		relays: relays,
		seq:    seq,
		led:    led,
	}
}

// Begin establishes the startup state: LED off, engine running.
func (s *System) Begin() {
	if err := s.led.SetStatusLED(false); err != nil {
		s.log.Warnf("Failed to clear status LED: %v", err)
	}
	s.pressureLimitUsed = false
	// Force the engine relay through a transition so the hardware
	// matches the cached state.
	s.engineStopped = true
	s.SetEngineStop(false)
}

// Update runs the per-tick safety evaluation. Pressure is only
// evaluated when pressureReady is true; the indicator still advances
// so the LED keeps blinking during sensor warmup. atLimitSwitch
// reports whether either travel limit switch is active, which only
// refines the trip reason.
func (s *System) Update(now time.Time, pressure float64, pressureReady bool, atLimitSwitch bool) {
	if pressureReady {
		s.lastPressure = pressure
		s.checkPressure(now, pressure, atLimitSwitch)
	}
	s.updateStatusLED(now)
}

func (s *System) checkPressure(now time.Time, pressure float64, atLimitSwitch bool) {
	// Sustained high pressure escalates to E-stop. Any dip below the
	// threshold resets the escalation timer.
	if pressure >= EStopThresholdPSI {
		if s.highPressureSince.IsZero() {
			s.highPressureSince = now
			s.log.Warnf("High pressure %.1f PSI, E-stop in %v if sustained",
				pressure, EStopTimeout)
		} else if now.Sub(s.highPressureSince) >= EStopTimeout && !s.eStopActive {
			s.log.Errorf("Pressure %.1f PSI sustained for %v, escalating to E-stop",
				pressure, EStopTimeout)
			s.ActivateEStop()
		}
	} else {
		s.highPressureSince = time.Time{}
	}

	if pressure >= TripThresholdPSI && !s.safetyActive {
		reason := "pressure_threshold"
		if atLimitSwitch {
			reason = "pressure_at_limit"
		}
		s.Activate(reason)
	} else if s.safetyActive && pressure < TripThresholdPSI-HysteresisPSI {
		// Latched. Pressure decay alone never clears the condition.
		s.log.Debugf("Pressure %.1f PSI below threshold, awaiting manual clear", pressure)
	}
}

// Activate latches the safety condition and executes the emergency
// stop.
func (s *System) Activate(reason string) {
	if s.safetyActive {
		return
	}
	s.safetyActive = true
	s.log.Errorf("Safety activated: %s (%.1f PSI)", reason, s.lastPressure)
	s.emergencyStop(reason)
	if s.OnEvent != nil {
		s.OnEvent(EventSafetyTrip)
	}
}

// emergencyStop aborts any running cycle, engages the relay lockout,
// forces relays 1-8 off and stops the engine.
func (s *System) emergencyStop(reason string) {
	if s.seq != nil && s.seq.Active() {
		s.log.Warnf("Emergency stop aborting active sequence: %s", reason)
		s.seq.Abort()
	}

	s.relays.EnableLockout()
	for relay := 1; relay < types.RelayPowerControl; relay++ {
		if err := s.relays.SetRelay(relay, false); err != nil {
			s.log.Warnf("Emergency stop: failed to drop relay R%d: %v", relay, err)
		}
	}
	if s.eStopActive {
		if err := s.relays.SetRelay(types.RelayPowerControl, true); err != nil {
			s.log.Warnf("Emergency stop: failed to raise E-stop indicator: %v", err)
		}
	}
	s.SetEngineStop(true)
}

// ActivateEStop latches the E-stop, which implies the safety condition.
func (s *System) ActivateEStop() {
	if s.eStopActive {
		return
	}
	s.eStopActive = true
	s.safetyActive = true
	s.log.Errorf("E-stop activated")
	s.emergencyStop("e_stop")
	if s.OnEvent != nil {
		s.OnEvent(EventEStop)
	}
}

// ClearEStop releases the E-stop latch and, if the safety condition
// was only held by it, deactivates safety as well.
func (s *System) ClearEStop() {
	if !s.eStopActive {
		return
	}
	s.eStopActive = false
	s.highPressureSince = time.Time{}
	if err := s.relays.SetRelay(types.RelayPowerControl, false); err != nil {
		s.log.Warnf("Failed to clear E-stop indicator: %v", err)
	}
	s.log.Infof("E-stop cleared")
	if s.OnEvent != nil {
		s.OnEvent(EventEStopClear)
	}
	if s.safetyActive {
		s.Deactivate()
	}
}

// Deactivate releases the safety latch, the relay lockout and restarts
// the engine. Refused while the E-stop is still latched.
func (s *System) Deactivate() {
	if !s.safetyActive || s.eStopActive {
		return
	}
	s.safetyActive = false
	s.relays.DisableLockout()
	s.SetEngineStop(false)
	s.log.Infof("Safety deactivated")
	if s.OnEvent != nil {
		s.OnEvent(EventSafetyClear)
	}
}

// ClearEmergencyStop is the single operator recovery entry point.
func (s *System) ClearEmergencyStop() {
	if s.eStopActive {
		s.ClearEStop()
		return
	}
	s.Deactivate()
}

// SetEngineStop drives the inverted engine relay. Energized means the
// engine runs. Idempotent.
func (s *System) SetEngineStop(stop bool) {
	if s.engineStopped == stop {
		return
	}
	if err := s.relays.SetRelay(types.RelayEngineStop, !stop); err != nil {
		s.log.Errorf("Failed to set engine relay: %v", err)
		return
	}
	s.engineStopped = stop
	if stop {
		s.log.Warnf("Engine stopped")
		if s.OnEvent != nil {
			s.OnEvent(EventEngineStop)
		}
	} else {
		s.log.Infof("Engine running")
		if s.OnEvent != nil {
			s.OnEvent(EventEngineStart)
		}
	}
}

// MarkPressureLimitUsed latches the pressure-limit-used warning.
func (s *System) MarkPressureLimitUsed() {
	if !s.pressureLimitUsed {
		s.log.Warnf("Cycle stage ended on pressure limit instead of limit switch")
	}
	s.pressureLimitUsed = true
}

// PressureLimitUsed reports the sticky warning latch.
func (s *System) PressureLimitUsed() bool {
	return s.pressureLimitUsed
}

// updateStatusLED renders: solid while latched, flashing while the
// pressure-limit warning is up, otherwise off.
func (s *System) updateStatusLED(now time.Time) {
	var want bool
	switch {
	case s.safetyActive || s.eStopActive:
		want = true
		s.lastBlink = time.Time{}
	case s.pressureLimitUsed:
		if s.lastBlink.IsZero() || now.Sub(s.lastBlink) >= statusBlinkInterval {
			s.lastBlink = now
			want = !s.ledOn
		} else {
			want = s.ledOn
		}
	default:
		want = false
		s.lastBlink = time.Time{}
	}

	if want != s.ledOn {
		s.ledOn = want
		if err := s.led.SetStatusLED(want); err != nil {
			s.log.Warnf("Failed to drive status LED: %v", err)
		}
	}
}

// Active reports the latched safety condition.
func (s *System) Active() bool {
	return s.safetyActive
}

// EStopActive reports the latched E-stop condition.
func (s *System) EStopActive() bool {
	return s.eStopActive
}

// EngineStopped reports the engine relay intent.
func (s *System) EngineStopped() bool {
	return s.engineStopped
}

// HighPressureElapsed reports how long pressure has been above the
// E-stop threshold, zero if it is not.
func (s *System) HighPressureElapsed(now time.Time) time.Duration {
	if s.highPressureSince.IsZero() {
		return 0
	}
	return now.Sub(s.highPressureSince)
}

// Status renders the safety state in its stable key=value form.
func (s *System) Status(now time.Time) string {
	return fmt.Sprintf("safety=%s estop=%s engine=%s pressure=%.1f threshold=%.1f highP=%s elapsed=%dms",
		activeOK(s.safetyActive),
		activeOK(s.eStopActive),
		stoppedRunning(s.engineStopped),
		s.lastPressure,
		TripThresholdPSI,
		activeOK(!s.highPressureSince.IsZero()),
		s.HighPressureElapsed(now).Milliseconds())
}

func activeOK(active bool) string {
	if active {
		return "ACTIVE"
	}
	return "OK"
}

func stoppedRunning(stopped bool) string {
	if stopped {
		return "STOPPED"
	}
	return "RUNNING"
}
