package safety

import (
	"log"
	"os"
	"testing"
	"time"

	"splitter-service/internal/logger"
	"splitter-service/internal/types"
)

// Mock relay bank
type mockRelayBank struct {
	states  map[int]bool
	calls   []struct {
		relay int
		on    bool
	}
	lockout bool
}

func newMockRelayBank() *mockRelayBank {
	return &mockRelayBank{states: make(map[int]bool)}
}

func (m *mockRelayBank) SetRelay(relay int, on bool) error {
	m.states[relay] = on
	m.calls = append(m.calls, struct {
		relay int
		on    bool
	}{relay, on})
	return nil
}

func (m *mockRelayBank) EnableLockout()  { m.lockout = true }
func (m *mockRelayBank) DisableLockout() { m.lockout = false }

func (m *mockRelayBank) callCount(relay int) int {
	n := 0
	for _, c := range m.calls {
		if c.relay == relay {
			n++
		}
	}
	return n
}

// Mock sequencer
type mockSequencer struct {
	active  bool
	aborted int
}

func (m *mockSequencer) Active() bool { return m.active }
func (m *mockSequencer) Abort()      { m.aborted++; m.active = false }

// Mock status LED
type mockLED struct {
	on      bool
	changes int
}

func (m *mockLED) SetStatusLED(on bool) error {
	m.on = on
	m.changes++
	return nil
}

func testLogger() *logger.Logger {
	return logger.NewLogger(log.New(os.Stdout, "", 0), logger.LogLevelNone)
}

func newTestSystem() (*System, *mockRelayBank, *mockSequencer, *mockLED) {
	relays := newMockRelayBank()
	seq := &mockSequencer{}
	led := &mockLED{}
	s := New(relays, seq, led, testLogger())
	s.Begin()
	return s, relays, seq, led
}

func TestBeginStartsEngine(t *testing.T) {
	s, relays, _, led := newTestSystem()

	if s.EngineStopped() {
		t.Error("engine should run after begin")
	}
	// Inverted relay: energized means running.
	if !relays.states[types.RelayEngineStop] {
		t.Error("engine relay should be energized")
	}
	if led.on {
		t.Error("status LED should start off")
	}
}

func TestPressureTripLatches(t *testing.T) {
	s, relays, seq, _ := newTestSystem()
	seq.active = true
	base := time.Now()

	s.Update(base, 2500, true, false)

	if !s.Active() {
		t.Fatal("safety should latch at 2500 PSI")
	}
	if !relays.lockout {
		t.Error("relay lockout should be engaged")
	}
	if seq.aborted != 1 {
		t.Errorf("expected one sequencer abort, got %d", seq.aborted)
	}
	if !s.EngineStopped() {
		t.Error("engine should be stopped")
	}
	if relays.states[types.RelayEngineStop] {
		t.Error("engine relay should be de-energized")
	}
	for relay := 1; relay < types.RelayPowerControl; relay++ {
		if relays.states[relay] {
			t.Errorf("relay R%d should be off after trip", relay)
		}
	}

	// Pressure decay never clears the latch.
	s.Update(base.Add(time.Second), 1000, true, false)
	if !s.Active() {
		t.Error("safety must stay latched after pressure decay")
	}
}

func TestTripReusesLimitReason(t *testing.T) {
	s, _, _, _ := newTestSystem()
	base := time.Now()

	// Trip with a limit switch active takes the at-limit reason path;
	// observable state is the same latch either way.
	s.Update(base, 2500, true, true)
	if !s.Active() {
		t.Fatal("safety should latch")
	}
}

func TestSustainedHighPressureEscalatesToEStop(t *testing.T) {
	s, relays, _, _ := newTestSystem()
	base := time.Now()

	// 2400 PSI is below the trip threshold but above the E-stop
	// escalation threshold.
	s.Update(base, 2400, true, false)
	if s.Active() || s.EStopActive() {
		t.Fatal("2400 PSI must not trip immediately")
	}

	s.Update(base.Add(9*time.Second), 2400, true, false)
	if s.EStopActive() {
		t.Fatal("escalation must wait the full 10s")
	}

	s.Update(base.Add(10*time.Second), 2400, true, false)
	if !s.EStopActive() {
		t.Fatal("sustained 2400 PSI for 10s must escalate to E-stop")
	}
	if !s.Active() {
		t.Error("E-stop implies the safety latch")
	}
	// Relay 9 doubles as the E-stop indicator.
	if !relays.states[types.RelayPowerControl] {
		t.Error("E-stop indicator relay should be on")
	}
	if !s.EngineStopped() {
		t.Error("engine should be stopped")
	}

	// Further ticks must not re-fire the escalation.
	events := 0
	s.OnEvent = func(kind EventKind) { events++ }
	s.Update(base.Add(11*time.Second), 2400, true, false)
	if events != 0 {
		t.Errorf("E-stop must fire exactly once, got %d extra events", events)
	}
}

func TestHighPressureTimerResetsOnDip(t *testing.T) {
	s, _, _, _ := newTestSystem()
	base := time.Now()

	s.Update(base, 2400, true, false)
	// Dip below the threshold resets the escalation clock.
	s.Update(base.Add(5*time.Second), 2200, true, false)
	s.Update(base.Add(6*time.Second), 2400, true, false)
	s.Update(base.Add(15*time.Second), 2400, true, false)

	if s.EStopActive() {
		t.Error("escalation clock must restart after a dip")
	}
	s.Update(base.Add(16*time.Second), 2400, true, false)
	if !s.EStopActive() {
		t.Error("expected escalation 10s after the re-arm")
	}
}

func TestHysteresisOnlyGuardsRetrigger(t *testing.T) {
	s, _, _, _ := newTestSystem()
	base := time.Now()

	s.Update(base, 2500, true, false)
	if !s.Active() {
		t.Fatal("expected trip")
	}

	// 2495 is inside the 10 PSI hysteresis band; 2489 is below it.
	// Neither clears the latch.
	s.Update(base.Add(time.Second), 2495, true, false)
	if !s.Active() {
		t.Error("latch must survive the hysteresis band")
	}
	s.Update(base.Add(2*time.Second), 2489, true, false)
	if !s.Active() {
		t.Error("latch must survive below the hysteresis band")
	}
}

func TestClearEmergencyStopRecovers(t *testing.T) {
	s, relays, _, _ := newTestSystem()

	s.Activate("pressure_threshold")
	if !s.Active() || !relays.lockout {
		t.Fatal("expected latched trip")
	}

	s.ClearEmergencyStop()
	if s.Active() {
		t.Error("clear must release the safety latch")
	}
	if relays.lockout {
		t.Error("clear must release the relay lockout")
	}
	if s.EngineStopped() {
		t.Error("clear must restart the engine")
	}
}

func TestEStopClearsInTwoStages(t *testing.T) {
	s, relays, _, _ := newTestSystem()

	s.ActivateEStop()
	if !s.EStopActive() || !s.Active() {
		t.Fatal("expected E-stop latch")
	}

	// One clear releases both latches: E-stop first, then the safety
	// condition it implied.
	s.ClearEmergencyStop()
	if s.EStopActive() {
		t.Error("E-stop latch should be released")
	}
	if s.Active() {
		t.Error("safety latch should be released")
	}
	if relays.states[types.RelayPowerControl] {
		t.Error("E-stop indicator should be off")
	}
	if s.EngineStopped() {
		t.Error("engine should be running again")
	}
}

func TestDeactivateRefusedWhileEStopLatched(t *testing.T) {
	s, _, _, _ := newTestSystem()

	s.ActivateEStop()
	s.Deactivate()
	if !s.Active() {
		t.Error("deactivate must be refused while E-stop is latched")
	}
}

func TestEngineStopIdempotent(t *testing.T) {
	s, relays, _, _ := newTestSystem()
	before := relays.callCount(types.RelayEngineStop)

	s.SetEngineStop(false)
	s.SetEngineStop(false)
	if relays.callCount(types.RelayEngineStop) != before {
		t.Error("repeated engine commands must not touch the relay")
	}

	s.SetEngineStop(true)
	s.SetEngineStop(true)
	if relays.callCount(types.RelayEngineStop) != before+1 {
		t.Error("expected exactly one relay transition")
	}
}

func TestStatusLEDSolidWhileLatched(t *testing.T) {
	s, _, _, led := newTestSystem()
	base := time.Now()

	s.Update(base, 2500, true, false)
	if !led.on {
		t.Error("LED should be solid while latched")
	}

	// Solid, not blinking.
	s.Update(base.Add(time.Second), 2500, true, false)
	if !led.on {
		t.Error("LED should stay solid")
	}
}

func TestStatusLEDFlashesForPressureLimitWarning(t *testing.T) {
	s, _, _, led := newTestSystem()
	base := time.Now()

	s.MarkPressureLimitUsed()
	s.Update(base, 1000, true, false)
	first := led.on
	s.Update(base.Add(200*time.Millisecond), 1000, true, false)
	if led.on != first {
		t.Error("LED must hold for the 500ms half period")
	}
	s.Update(base.Add(500*time.Millisecond), 1000, true, false)
	if led.on == first {
		t.Error("LED must toggle after the half period")
	}
}

func TestStatusLEDOffWhenClear(t *testing.T) {
	s, _, _, led := newTestSystem()
	s.Update(time.Now(), 1000, true, false)
	if led.on {
		t.Error("LED should be off with no warning and no latch")
	}
}

func TestStatusFormat(t *testing.T) {
	s, _, _, _ := newTestSystem()
	base := time.Now()
	s.Update(base, 1234.5, true, false)

	got := s.Status(base)
	want := "safety=OK estop=OK engine=RUNNING pressure=1234.5 threshold=2500.0 highP=OK elapsed=0ms"
	if got != want {
		t.Errorf("status mismatch:\n got %q\nwant %q", got, want)
	}
}
