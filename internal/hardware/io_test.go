package hardware

import (
	"testing"
	"time"

	"splitter-service/internal/types"
)

type fakeLine struct{ v int }

func (f *fakeLine) Value() (int, error) { return f.v, nil }
func (f *fakeLine) Close() error        { return nil }

func newTestIO(lines map[int]*fakeLine) *IO {
	io := NewIO(IOConfig{Chip: "gpiochip0"}, pressureTestLogger())
	for pin, line := range lines {
		io.inputs[pin] = &inputState{
			line:     line,
			nc:       pin == types.PinEStop,
			debounce: debounceFor(pin),
		}
	}
	return io
}

func TestPollRoutesEStopEdgeFirst(t *testing.T) {
	start := &fakeLine{v: 1} // NO button pulled up, released
	estop := &fakeLine{v: 0} // NC switch closed, healthy
	io := newTestIO(map[int]*fakeLine{
		types.PinSequenceStart: start,
		types.PinEStop:         estop,
	})
	base := time.Now()
	io.Poll(base) // seeds the stable state without edges

	// Both pins go active between ticks.
	start.v = 0
	estop.v = 1
	io.Poll(base.Add(time.Millisecond))
	snapshot, edges := io.Poll(base.Add(time.Millisecond + ButtonDebounce))

	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if edges[0].Pin != types.PinEStop {
		t.Errorf("E-stop must route before the start button, got pin %d first", edges[0].Pin)
	}
	if edges[1].Pin != types.PinSequenceStart {
		t.Errorf("expected start button second, got pin %d", edges[1].Pin)
	}
	if !snapshot.Get(types.PinEStop) || !snapshot.Get(types.PinSequenceStart) {
		t.Error("snapshot should show both pins active")
	}
}

func TestPollDebounceFiltersGlitch(t *testing.T) {
	start := &fakeLine{v: 1}
	io := newTestIO(map[int]*fakeLine{types.PinSequenceStart: start})
	base := time.Now()
	io.Poll(base)

	// A bounce shorter than the debounce window never commits.
	start.v = 0
	io.Poll(base.Add(time.Millisecond))
	start.v = 1
	io.Poll(base.Add(5 * time.Millisecond))

	snapshot, edges := io.Poll(base.Add(time.Millisecond + ButtonDebounce))
	if len(edges) != 0 {
		t.Fatalf("glitch must not commit an edge, got %v", edges)
	}
	if snapshot.Get(types.PinSequenceStart) {
		t.Error("snapshot should still read the button released")
	}
}
