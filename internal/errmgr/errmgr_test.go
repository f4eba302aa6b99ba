package errmgr

import (
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"splitter-service/internal/logger"
)

// Mock lamp
type mockLamp struct {
	on      bool
	changes int
}

func (m *mockLamp) SetLamp(on bool) error {
	m.on = on
	m.changes++
	return nil
}

func testLogger() *logger.Logger {
	return logger.NewLogger(log.New(os.Stdout, "", 0), logger.LogLevelNone)
}

func newTestManager() (*Manager, *mockLamp) {
	lamp := &mockLamp{}
	return New(lamp, testLogger()), lamp
}

func TestSetClearAndCount(t *testing.T) {
	m, _ := newTestManager()

	m.Set(ErrConfigCRC, "checksum mismatch")
	m.Set(ErrSensorFault, "adc read failed")
	m.Set(ErrSensorFault, "adc read failed again")

	if m.Count() != 2 {
		t.Errorf("expected 2 active flags, got %d", m.Count())
	}
	if !m.IsSet(ErrConfigCRC) || !m.IsSet(ErrSensorFault) {
		t.Error("both flags should be set")
	}

	m.Clear(ErrConfigCRC)
	if m.IsSet(ErrConfigCRC) {
		t.Error("cleared flag should not be set")
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 active flag, got %d", m.Count())
	}
}

func TestOnChangeFiresOnTransitionsOnly(t *testing.T) {
	m, _ := newTestManager()
	var changes []Flag
	m.OnChange = func(active Flag) { changes = append(changes, active) }

	m.Set(ErrSensorFault, "x")
	m.Set(ErrSensorFault, "x")
	m.Clear(ErrSensorFault)
	m.Clear(ErrSensorFault)

	if len(changes) != 2 {
		t.Fatalf("expected 2 change notifications, got %d", len(changes))
	}
	if changes[0] != ErrSensorFault || changes[1] != 0 {
		t.Errorf("unexpected change sequence %v", changes)
	}
}

func TestLampSolidForSingleError(t *testing.T) {
	m, lamp := newTestManager()
	base := time.Now()

	m.Set(ErrConfigInvalid, "bad value")
	m.Update(base)
	if !lamp.on {
		t.Error("single error should light the lamp solid")
	}
	m.Update(base.Add(5 * time.Second))
	if !lamp.on {
		t.Error("solid means no blinking")
	}
}

func TestLampFastBlinkForCriticalError(t *testing.T) {
	m, lamp := newTestManager()
	base := time.Now()

	m.Set(ErrHardwareFault, "relay timeout")
	m.Update(base)
	first := lamp.on
	m.Update(base.Add(100 * time.Millisecond))
	if lamp.on != first {
		t.Error("lamp must hold inside the 500ms half period")
	}
	m.Update(base.Add(500 * time.Millisecond))
	if lamp.on == first {
		t.Error("lamp must toggle at the 500ms half period")
	}
}

func TestLampSlowBlinkForMultipleErrors(t *testing.T) {
	m, lamp := newTestManager()
	base := time.Now()

	m.Set(ErrConfigCRC, "a")
	m.Set(ErrSensorFault, "b")
	m.Update(base)
	first := lamp.on
	m.Update(base.Add(time.Second))
	if lamp.on != first {
		t.Error("lamp must hold inside the 2s half period")
	}
	m.Update(base.Add(2 * time.Second))
	if lamp.on == first {
		t.Error("lamp must toggle at the 2s half period")
	}
}

func TestLampOffWhenClear(t *testing.T) {
	m, lamp := newTestManager()
	base := time.Now()

	m.Set(ErrSensorFault, "x")
	m.Update(base)
	if !lamp.on {
		t.Fatal("expected lamp on")
	}
	m.Clear(ErrSensorFault)
	m.Update(base.Add(time.Second))
	if lamp.on {
		t.Error("lamp should turn off once the flags clear")
	}
}

func TestAcknowledgedErrorsStopDrivingLamp(t *testing.T) {
	m, lamp := newTestManager()
	base := time.Now()

	m.Set(ErrSequenceTimeout, "cycle timed out")
	m.Update(base)
	if !lamp.on {
		t.Fatal("expected lamp on")
	}

	m.Acknowledge(ErrSequenceTimeout)
	m.Update(base.Add(time.Second))
	if lamp.on {
		t.Error("acknowledged errors must not drive the lamp")
	}
	if !m.IsSet(ErrSequenceTimeout) {
		t.Error("acknowledging must not clear the flag")
	}
}

func TestClearAll(t *testing.T) {
	m, _ := newTestManager()
	m.Set(ErrConfigCRC, "a")
	m.Set(ErrHardwareFault, "b")

	m.ClearAll()
	if m.Count() != 0 || m.Active() != 0 {
		t.Error("expected empty flag set")
	}
}

func TestStatusFormat(t *testing.T) {
	m, _ := newTestManager()
	m.Set(ErrHardwareFault, "relay timeout")
	m.Set(ErrSensorFault, "adc dead")

	got := m.Status()
	if !strings.HasPrefix(got, "errors=2 flags=0x44") {
		t.Errorf("unexpected status prefix: %q", got)
	}
	if !strings.Contains(got, "hardware-fault") || !strings.Contains(got, "sensor-fault") {
		t.Errorf("status should name the flags: %q", got)
	}
}
