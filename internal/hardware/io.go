package hardware

import (
	"fmt"
	"time"

	"splitter-service/internal/logger"
	"splitter-service/internal/types"

	"github.com/warthog618/go-gpiocdev"
)

// Output channel names.
const (
	OutMillLamp     = "mill_lamp"
	OutSafetyStatus = "safety_status"
)

// Debounce windows per input class.
const (
	ButtonDebounce      = 15 * time.Millisecond
	LimitSwitchDebounce = 10 * time.Millisecond
)

// Edge is a debounced state change on a watched pin.
type Edge struct {
	Pin   int
	State bool
}

// InputConfig describes one watched pin.
type InputConfig struct {
	Offset         int
	NormallyClosed bool
}

// IOConfig describes the GPIO wiring of the board.
type IOConfig struct {
	Chip    string
	Inputs  map[int]InputConfig
	Outputs map[string]int
}

// inputLine is the slice of gpiocdev.Line the poller needs; tests
// substitute fakes.
type inputLine interface {
	Value() (int, error)
	Close() error
}

type inputState struct {
	line     inputLine
	nc       bool
	debounce time.Duration

	raw        bool
	rawSince   time.Time
	stable     bool
	stableInit bool
}

// IO owns the GPIO character device lines. Inputs are polled and
// debounced from the control loop; outputs are simple levels.
type IO struct {
	log     *logger.Logger
	cfg     IOConfig
	chip    *gpiocdev.Chip
	inputs  map[int]*inputState
	outputs map[string]*gpiocdev.Line
}

func NewIO(cfg IOConfig, l *logger.Logger) *IO {
	return &IO{
		log:     l.WithTag("hardware"),
		cfg:     cfg,
		inputs:  make(map[int]*inputState),
		outputs: make(map[string]*gpiocdev.Line),
	}
}

// Initialize requests every configured line.
func (io *IO) Initialize() error {
	chip, err := gpiocdev.NewChip(io.cfg.Chip)
	if err != nil {
		return fmt.Errorf("failed to open GPIO chip %s: %w", io.cfg.Chip, err)
	}
	io.chip = chip

	for _, pin := range types.WatchPins {
		in, ok := io.cfg.Inputs[pin]
		if !ok {
			return fmt.Errorf("no GPIO mapping for input pin %d", pin)
		}
		opts := []gpiocdev.LineReqOption{
			gpiocdev.AsInput,
			gpiocdev.WithConsumer("splitter-service"),
		}
		if !in.NormallyClosed {
			// NO switches idle open and need the pull-up; active low.
			opts = append(opts, gpiocdev.WithPullUp)
		}
		line, err := chip.RequestLine(in.Offset, opts...)
		if err != nil {
			io.Cleanup()
			return fmt.Errorf("failed to request input pin %d (offset %d): %w", pin, in.Offset, err)
		}
		io.inputs[pin] = &inputState{
			line:     line,
			nc:       in.NormallyClosed,
			debounce: debounceFor(pin),
		}
	}

	for name, offset := range io.cfg.Outputs {
		line, err := chip.RequestLine(offset,
			gpiocdev.AsOutput(0),
			gpiocdev.WithConsumer("splitter-service"))
		if err != nil {
			io.Cleanup()
			return fmt.Errorf("failed to request output %s (offset %d): %w", name, offset, err)
		}
		io.outputs[name] = line
	}

	io.log.Infof("GPIO initialized on %s: %d inputs, %d outputs",
		io.cfg.Chip, len(io.inputs), len(io.outputs))
	return nil
}

func debounceFor(pin int) time.Duration {
	switch pin {
	case types.PinLimitExtend, types.PinLimitRetract:
		return LimitSwitchDebounce
	default:
		return ButtonDebounce
	}
}

// Poll reads every input, applies debounce and returns the stable
// snapshot plus any edges that committed this tick. Pins are read in
// WatchPins order so same-tick edges route deterministically, E-stop
// first.
func (io *IO) Poll(now time.Time) (types.PinSnapshot, []Edge) {
	snapshot := types.NewPinSnapshot()
	var edges []Edge

	for _, pin := range types.WatchPins {
		in, ok := io.inputs[pin]
		if !ok {
			continue
		}
		value, err := in.line.Value()
		if err != nil {
			io.log.Warnf("Failed to read pin %d: %v", pin, err)
			snapshot.Set(pin, in.stable)
			continue
		}

		// NC switches read high when tripped (circuit opened), NO
		// switches pull the line low when pressed.
		active := value != 0
		if !in.nc {
			active = value == 0
		}

		if !in.stableInit {
			in.raw = active
			in.rawSince = now
			in.stable = active
			in.stableInit = true
		} else if active != in.raw {
			in.raw = active
			in.rawSince = now
		} else if active != in.stable && now.Sub(in.rawSince) >= in.debounce {
			in.stable = active
			edges = append(edges, Edge{Pin: pin, State: active})
			io.log.Debugf("Pin %d -> %v", pin, active)
		}
		snapshot.Set(pin, in.stable)
	}
	return snapshot, edges
}

// WriteOutput sets a named output level.
func (io *IO) WriteOutput(name string, on bool) error {
	line, ok := io.outputs[name]
	if !ok {
		return fmt.Errorf("unknown output channel %s", name)
	}
	value := 0
	if on {
		value = 1
	}
	if err := line.SetValue(value); err != nil {
		return fmt.Errorf("failed to set output %s: %w", name, err)
	}
	return nil
}

// Cleanup releases every requested line and the chip.
func (io *IO) Cleanup() {
	for _, in := range io.inputs {
		if in.line != nil {
			in.line.Close()
		}
	}
	for _, line := range io.outputs {
		line.Close()
	}
	io.inputs = make(map[int]*inputState)
	io.outputs = make(map[string]*gpiocdev.Line)
	if io.chip != nil {
		io.chip.Close()
		io.chip = nil
	}
}
