package telemetry

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitter-service/internal/logger"
)

type captureSink struct {
	records [][]byte
	err     error
}

func (c *captureSink) PublishTelemetry(record []byte) error {
	if c.err != nil {
		return c.err
	}
	c.records = append(c.records, record)
	return nil
}

func testLogger() *logger.Logger {
	return logger.NewLogger(log.New(os.Stdout, "", 0), logger.LogLevelNone)
}

func newTestPublisher(t *testing.T) (*Publisher, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	p := NewPublisher(sink, testLogger())
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return p, sink
}

// decode unpacks a [msg_type, payload_map] record.
func decode(t *testing.T, record []byte) (uint8, map[int]interface{}) {
	t.Helper()
	var msg []interface{}
	require.NoError(t, cbor.Unmarshal(record, &msg))
	require.Len(t, msg, 2)

	msgType, ok := msg[0].(uint64)
	require.True(t, ok, "message type should decode as uint, got %T", msg[0])

	payload := make(map[int]interface{})
	raw, ok := msg[1].(map[interface{}]interface{})
	require.True(t, ok, "payload should decode as a map, got %T", msg[1])
	for key, val := range raw {
		switch k := key.(type) {
		case uint64:
			payload[int(k)] = val
		case int64:
			payload[int(k)] = val
		default:
			t.Fatalf("unexpected map key type %T", key)
		}
	}
	return uint8(msgType), payload
}

func TestSequenceChangeRecord(t *testing.T) {
	p, sink := newTestPublisher(t)
	p.SequenceChange("idle", "stage1-active")

	require.Len(t, sink.records, 1)
	msgType, payload := decode(t, sink.records[0])
	assert.Equal(t, EventSequence, msgType)
	assert.Equal(t, "idle", payload[KeyFrom])
	assert.Equal(t, "stage1-active", payload[KeyTo])
	assert.Equal(t, uint64(1700000000000), payload[KeyTimestampMs])
}

func TestRelayEventRecord(t *testing.T) {
	p, sink := newTestPublisher(t)
	p.RelayEvent(9, true, false)

	require.Len(t, sink.records, 1)
	msgType, payload := decode(t, sink.records[0])
	assert.Equal(t, EventRelay, msgType)
	assert.Equal(t, uint64(9), payload[KeyRelay])
	assert.Equal(t, true, payload[KeyOn])
	assert.Equal(t, false, payload[KeyManual])
}

func TestSafetyEventRecord(t *testing.T) {
	p, sink := newTestPublisher(t)
	p.SafetyEvent(3, true)

	require.Len(t, sink.records, 1)
	msgType, payload := decode(t, sink.records[0])
	assert.Equal(t, EventSafety, msgType)
	assert.Equal(t, uint64(3), payload[KeyKind])
	assert.Equal(t, true, payload[KeyActive])
}

func TestPressureSampleRecord(t *testing.T) {
	p, sink := newTestPublisher(t)
	p.PressureSample(1823.4)

	require.Len(t, sink.records, 1)
	msgType, payload := decode(t, sink.records[0])
	assert.Equal(t, EventPressure, msgType)
	assert.InDelta(t, 1823.4, payload[KeyPSI], 0.001)
}

func TestInputAndErrorRecords(t *testing.T) {
	p, sink := newTestPublisher(t)
	p.InputEvent(12, true)
	p.ErrorFlags(0x44)
	p.ModeChange("safe-mode")

	require.Len(t, sink.records, 3)

	msgType, payload := decode(t, sink.records[0])
	assert.Equal(t, EventInput, msgType)
	assert.Equal(t, uint64(12), payload[KeyPin])
	assert.Equal(t, true, payload[KeyState])

	msgType, payload = decode(t, sink.records[1])
	assert.Equal(t, EventError, msgType)
	assert.Equal(t, uint64(0x44), payload[KeyFlags])

	msgType, payload = decode(t, sink.records[2])
	assert.Equal(t, EventMode, msgType)
	assert.Equal(t, "safe-mode", payload[KeyMode])
}

func TestSinkFailureIsSwallowed(t *testing.T) {
	sink := &captureSink{err: assert.AnError}
	p := NewPublisher(sink, testLogger())

	// Must not panic or propagate; telemetry never blocks control.
	p.SequenceChange("idle", "stage1-active")
	assert.Empty(t, sink.records)
}
