package errmgr

import (
	"fmt"
	"math/bits"
	"strings"
	"time"

	"splitter-service/internal/logger"
)

// Flag is a single error condition bit. Multiple flags coexist in the
// active set until individually cleared.
type Flag uint8

const (
	ErrConfigCRC       Flag = 0x01
	ErrConfigSave      Flag = 0x02
	ErrSensorFault     Flag = 0x04
	ErrConfigInvalid   Flag = 0x10
	ErrHardwareFault   Flag = 0x40
	ErrSequenceTimeout Flag = 0x80
)

// criticalFlags drive the fast lamp pattern regardless of count.
const criticalFlags = ErrHardwareFault | ErrSequenceTimeout

// Lamp pattern half-periods.
const (
	slowBlinkInterval = 2 * time.Second
	fastBlinkInterval = 500 * time.Millisecond
)

// Lamp drives the operator-facing mill lamp.
type Lamp interface {
	SetLamp(on bool) error
}

func flagName(f Flag) string {
	switch f {
	case ErrConfigCRC:
		return "config-crc"
	case ErrConfigSave:
		return "config-save"
	case ErrSensorFault:
		return "sensor-fault"
	case ErrConfigInvalid:
		return "config-invalid"
	case ErrHardwareFault:
		return "hardware-fault"
	case ErrSequenceTimeout:
		return "sequence-timeout"
	default:
		return fmt.Sprintf("unknown-0x%02x", uint8(f))
	}
}

// Manager tracks active error flags and renders them on the mill lamp.
// All methods are called from the control loop only.
type Manager struct {
	log  *logger.Logger
	lamp Lamp

	active       Flag
	acknowledged Flag

	lampOn    bool
	lastBlink time.Time

	// OnChange fires when the active flag set changes.
	OnChange func(active Flag)
}

func New(lamp Lamp, l *logger.Logger) *Manager {
	return &Manager{
		log:  l.WithTag("errmgr"),
		lamp: lamp,
	}
}

// Set raises flag with a human-readable description. Raising an already
// active flag only logs.
func (m *Manager) Set(flag Flag, description string) {
	if m.active&flag != 0 {
		m.log.Debugf("Error %s already active: %s", flagName(flag), description)
		return
	}
	m.active |= flag
	m.acknowledged &^= flag
	m.log.Errorf("Error %s raised: %s", flagName(flag), description)
	if m.OnChange != nil {
		m.OnChange(m.active)
	}
}

// Clear lowers flag if it is active.
func (m *Manager) Clear(flag Flag) {
	if m.active&flag == 0 {
		return
	}
	m.active &^= flag
	m.acknowledged &^= flag
	m.log.Infof("Error %s cleared", flagName(flag))
	if m.OnChange != nil {
		m.OnChange(m.active)
	}
}

// Acknowledge marks flag as seen by the operator. Acknowledged flags
// stay active but stop counting toward the lamp pattern.
func (m *Manager) Acknowledge(flag Flag) {
	m.acknowledged |= flag & m.active
}

// ClearAll drops every active flag.
func (m *Manager) ClearAll() {
	if m.active == 0 {
		return
	}
	m.active = 0
	m.acknowledged = 0
	m.log.Infof("All error flags cleared")
	if m.OnChange != nil {
		m.OnChange(0)
	}
}

// IsSet reports whether flag is currently active.
func (m *Manager) IsSet(flag Flag) bool {
	return m.active&flag != 0
}

// Active returns the full active flag set.
func (m *Manager) Active() Flag {
	return m.active
}

// Count returns the number of active flags.
func (m *Manager) Count() int {
	return bits.OnesCount8(uint8(m.active))
}

// unacknowledged returns flags the operator has not acknowledged yet.
func (m *Manager) unacknowledged() Flag {
	return m.active &^ m.acknowledged
}

// Update advances the lamp pattern. Solid for a single unacknowledged
// error, slow blink for several, fast blink when a critical flag is up,
// off when everything is acknowledged or clear.
func (m *Manager) Update(now time.Time) {
	pending := m.unacknowledged()

	var want bool
	switch {
	case pending == 0:
		want = false
		m.lastBlink = time.Time{}
	case pending&criticalFlags != 0:
		want = m.blink(now, fastBlinkInterval)
	case bits.OnesCount8(uint8(pending)) > 1:
		want = m.blink(now, slowBlinkInterval)
	default:
		want = true
		m.lastBlink = time.Time{}
	}

	if want != m.lampOn {
		m.lampOn = want
		if err := m.lamp.SetLamp(want); err != nil {
			m.log.Warnf("Failed to drive mill lamp: %v", err)
		}
	}
}

func (m *Manager) blink(now time.Time, interval time.Duration) bool {
	if m.lastBlink.IsZero() || now.Sub(m.lastBlink) >= interval {
		m.lastBlink = now
		return !m.lampOn
	}
	return m.lampOn
}

// Status renders the active set as a stable key=value string.
func (m *Manager) Status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "errors=%d flags=0x%02x", m.Count(), uint8(m.active))
	for f := Flag(1); f != 0; f <<= 1 {
		if m.active&f != 0 {
			fmt.Fprintf(&b, " %s", flagName(f))
		}
	}
	return b.String()
}
