package hardware

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"splitter-service/internal/logger"
)

// PressureConfig describes the hydraulic pressure transducer wired to
// an IIO ADC channel.
type PressureConfig struct {
	Device       string
	Channel      int
	VRef         float64
	MaxCounts    int
	SensorVMin   float64
	SensorVMax   float64
	FullScalePSI float64
	OffsetPSI    float64
	EMAAlpha     float64
	SampleEvery  time.Duration
	ReadyWindow  int
}

// PressureSensor samples a sysfs IIO voltage channel, converts to PSI
// and smooths with an EMA. Readings are not trusted until a full ready
// window of samples has accumulated.
type PressureSensor struct {
	log *logger.Logger
	cfg PressureConfig

	readFile func(string) ([]byte, error)

	ema        float64
	samples    int
	lastSample time.Time
	faulted    bool
}

func NewPressureSensor(cfg PressureConfig, l *logger.Logger) *PressureSensor {
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = 0.3
	}
	if cfg.ReadyWindow <= 0 {
		cfg.ReadyWindow = 10
	}
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = 10 * time.Millisecond
	}
	if cfg.MaxCounts <= 0 {
		cfg.MaxCounts = 4095
	}
	return &PressureSensor{
		log:      l.WithTag("pressure"),
		cfg:      cfg,
		readFile: os.ReadFile,
	}
}

func (s *PressureSensor) sysfsPath() string {
	return fmt.Sprintf("/sys/bus/iio/devices/%s/in_voltage%d_raw", s.cfg.Device, s.cfg.Channel)
}

// Sample reads the ADC if the sample interval has elapsed. Read or
// parse failures mark the sensor faulted and reset the ready window.
func (s *PressureSensor) Sample(now time.Time) {
	if !s.lastSample.IsZero() && now.Sub(s.lastSample) < s.cfg.SampleEvery {
		return
	}
	s.lastSample = now

	data, err := s.readFile(s.sysfsPath())
	if err != nil {
		s.fault("read failed: %v", err)
		return
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		s.fault("parse failed: %v", err)
		return
	}
	if s.faulted {
		s.log.Infof("Sensor recovered")
		s.faulted = false
	}

	psi := s.countsToPSI(raw)
	if s.samples == 0 {
		s.ema = psi
	} else {
		s.ema = s.cfg.EMAAlpha*psi + (1-s.cfg.EMAAlpha)*s.ema
	}
	if s.samples < s.cfg.ReadyWindow {
		s.samples++
	}
}

func (s *PressureSensor) countsToPSI(raw int) float64 {
	volts := float64(raw) * s.cfg.VRef / float64(s.cfg.MaxCounts)
	span := s.cfg.SensorVMax - s.cfg.SensorVMin
	if span <= 0 {
		return 0
	}
	psi := (volts-s.cfg.SensorVMin)/span*s.cfg.FullScalePSI + s.cfg.OffsetPSI
	if psi < 0 {
		psi = 0
	}
	return psi
}

func (s *PressureSensor) fault(format string, v ...interface{}) {
	if !s.faulted {
		s.log.Errorf("Sensor fault: "+format, v...)
		s.faulted = true
	}
	s.samples = 0
}

// Pressure returns the smoothed reading and whether it is trustworthy.
func (s *PressureSensor) Pressure() (float64, bool) {
	return s.ema, s.samples >= s.cfg.ReadyWindow && !s.faulted
}

// Faulted reports whether the last sample attempt failed.
func (s *PressureSensor) Faulted() bool {
	return s.faulted
}
