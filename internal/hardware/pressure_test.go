package hardware

import (
	"errors"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"splitter-service/internal/logger"
)

func pressureTestLogger() *logger.Logger {
	return logger.NewLogger(log.New(os.Stdout, "", 0), logger.LogLevelNone)
}

func newTestSensor() *PressureSensor {
	return NewPressureSensor(PressureConfig{
		Device:       "iio:device0",
		Channel:      0,
		VRef:         3.3,
		MaxCounts:    4095,
		SensorVMin:   0.0,
		SensorVMax:   3.3,
		FullScalePSI: 3000,
		EMAAlpha:     1.0, // no smoothing, direct readings
		SampleEvery:  10 * time.Millisecond,
		ReadyWindow:  3,
	}, pressureTestLogger())
}

func scripted(values ...int) func(string) ([]byte, error) {
	i := 0
	return func(string) ([]byte, error) {
		v := values[i]
		if i < len(values)-1 {
			i++
		}
		if v < 0 {
			return nil, errors.New("sysfs read failed")
		}
		return []byte(fmt.Sprintf("%d\n", v)), nil
	}
}

func TestNotReadyUntilWindowFills(t *testing.T) {
	s := newTestSensor()
	s.readFile = scripted(2048)
	base := time.Now()

	for i := 0; i < 2; i++ {
		s.Sample(base.Add(time.Duration(i) * 10 * time.Millisecond))
		if _, ready := s.Pressure(); ready {
			t.Fatalf("sensor must not be ready after %d samples", i+1)
		}
	}
	s.Sample(base.Add(20 * time.Millisecond))
	if _, ready := s.Pressure(); !ready {
		t.Error("sensor should be ready after the full window")
	}
}

func TestCountsConvertToPSI(t *testing.T) {
	s := newTestSensor()
	// Full scale counts map to full scale PSI.
	s.readFile = scripted(4095)
	base := time.Now()
	for i := 0; i < 3; i++ {
		s.Sample(base.Add(time.Duration(i) * 10 * time.Millisecond))
	}
	psi, ready := s.Pressure()
	if !ready {
		t.Fatal("sensor should be ready")
	}
	if psi < 2999 || psi > 3001 {
		t.Errorf("expected ~3000 PSI at full scale, got %.1f", psi)
	}
}

func TestSampleIntervalThrottles(t *testing.T) {
	s := newTestSensor()
	reads := 0
	s.readFile = func(string) ([]byte, error) {
		reads++
		return []byte("100\n"), nil
	}
	base := time.Now()

	s.Sample(base)
	s.Sample(base.Add(time.Millisecond))
	s.Sample(base.Add(5 * time.Millisecond))
	if reads != 1 {
		t.Errorf("expected 1 read inside the interval, got %d", reads)
	}
	s.Sample(base.Add(10 * time.Millisecond))
	if reads != 2 {
		t.Errorf("expected second read after the interval, got %d", reads)
	}
}

func TestReadFailureFaultsAndResetsWindow(t *testing.T) {
	s := newTestSensor()
	s.readFile = scripted(2048, 2048, 2048, -1, 2048)
	base := time.Now()

	for i := 0; i < 3; i++ {
		s.Sample(base.Add(time.Duration(i) * 10 * time.Millisecond))
	}
	if _, ready := s.Pressure(); !ready {
		t.Fatal("sensor should be ready")
	}

	// The failed read faults the sensor and invalidates readiness.
	s.Sample(base.Add(30 * time.Millisecond))
	if !s.Faulted() {
		t.Error("sensor should be faulted after a failed read")
	}
	if _, ready := s.Pressure(); ready {
		t.Error("a faulted sensor must not report ready")
	}

	// Recovery needs a full fresh window.
	s.Sample(base.Add(40 * time.Millisecond))
	if s.Faulted() {
		t.Error("sensor should recover on the next good read")
	}
	if _, ready := s.Pressure(); ready {
		t.Error("one good sample must not restore readiness")
	}
}

func TestNegativePressureClampsToZero(t *testing.T) {
	s := NewPressureSensor(PressureConfig{
		VRef:         3.3,
		MaxCounts:    4095,
		SensorVMin:   0.33,
		SensorVMax:   2.97,
		FullScalePSI: 3000,
		EMAAlpha:     1.0,
		SampleEvery:  10 * time.Millisecond,
		ReadyWindow:  1,
	}, pressureTestLogger())
	// Below the sensor's minimum output voltage.
	s.readFile = scripted(0)
	s.Sample(time.Now())

	psi, _ := s.Pressure()
	if psi != 0 {
		t.Errorf("expected clamp to zero, got %.1f", psi)
	}
}
