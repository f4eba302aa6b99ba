package core

import (
	"time"

	"splitter-service/internal/hardware"
	"splitter-service/internal/messaging"
	"splitter-service/internal/types"
)

// MessagingClient defines the interface for Redis messaging operations
// needed by SplitterSystem
type MessagingClient interface {
	SetCallbacks(callbacks messaging.Callbacks)
	Connect() error
	StartListening() error
	Close() error

	// Status surface
	PublishSequenceStatus(status string) error
	PublishSafetyStatus(status string) error
	PublishRelayStatus(status string) error
	PublishErrorStatus(status string) error
	PublishPressure(psi float64) error
	PublishMode(mode string) error

	// Telemetry stream
	PublishTelemetry(record []byte) error
}

// HardwareIO defines the interface for GPIO operations needed by
// SplitterSystem
type HardwareIO interface {
	Initialize() error
	Cleanup()

	Poll(now time.Time) (types.PinSnapshot, []hardware.Edge)
	WriteOutput(name string, on bool) error
}

// PressureSource defines the interface for the hydraulic pressure
// reading needed by SplitterSystem
type PressureSource interface {
	Sample(now time.Time)
	Pressure() (psi float64, ready bool)
	Faulted() bool
}
