package telemetry

import (
	"time"

	"splitter-service/internal/logger"

	"github.com/fxamacker/cbor/v2"
)

// Event types, the first element of every record.
const (
	EventSequence uint8 = 1
	EventSafety   uint8 = 2
	EventRelay    uint8 = 3
	EventInput    uint8 = 4
	EventPressure uint8 = 5
	EventError    uint8 = 6
	EventMode     uint8 = 7
)

// Payload map keys.
const (
	KeyTimestampMs = 1
	KeyFrom        = 2
	KeyTo          = 3
	KeyKind        = 4
	KeyActive      = 5
	KeyRelay       = 6
	KeyOn          = 7
	KeyManual      = 8
	KeyPin         = 9
	KeyState       = 10
	KeyPSI         = 11
	KeyFlags       = 12
	KeyMode        = 13
)

// Sink receives encoded records.
type Sink interface {
	PublishTelemetry(record []byte) error
}

// Publisher encodes control events as compact CBOR records of the form
// [event_type, payload_map] with integer map keys, and hands them to
// the sink. Publish failures are logged and dropped; telemetry never
// blocks control.
type Publisher struct {
	log  *logger.Logger
	sink Sink
	now  func() time.Time
}

func NewPublisher(sink Sink, l *logger.Logger) *Publisher {
	return &Publisher{
		log:  l.WithTag("telemetry"),
		sink: sink,
		now:  time.Now,
	}
}

func (p *Publisher) emit(eventType uint8, payload map[int]interface{}) {
	payload[KeyTimestampMs] = p.now().UnixMilli()
	record, err := cbor.Marshal([]interface{}{eventType, payload})
	if err != nil {
		p.log.Warnf("Failed to encode telemetry record: %v", err)
		return
	}
	if err := p.sink.PublishTelemetry(record); err != nil {
		p.log.Debugf("Dropped telemetry record: %v", err)
	}
}

func (p *Publisher) SequenceChange(from, to string) {
	p.emit(EventSequence, map[int]interface{}{
		KeyFrom: from,
		KeyTo:   to,
	})
}

func (p *Publisher) SafetyEvent(kind uint8, active bool) {
	p.emit(EventSafety, map[int]interface{}{
		KeyKind:   kind,
		KeyActive: active,
	})
}

func (p *Publisher) RelayEvent(relay int, on, manual bool) {
	p.emit(EventRelay, map[int]interface{}{
		KeyRelay:  relay,
		KeyOn:     on,
		KeyManual: manual,
	})
}

func (p *Publisher) InputEvent(pin int, state bool) {
	p.emit(EventInput, map[int]interface{}{
		KeyPin:   pin,
		KeyState: state,
	})
}

func (p *Publisher) PressureSample(psi float64) {
	p.emit(EventPressure, map[int]interface{}{
		KeyPSI: psi,
	})
}

func (p *Publisher) ErrorFlags(flags uint8) {
	p.emit(EventError, map[int]interface{}{
		KeyFlags: flags,
	})
}

func (p *Publisher) ModeChange(mode string) {
	p.emit(EventMode, map[int]interface{}{
		KeyMode: mode,
	})
}
