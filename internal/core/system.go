package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"splitter-service/internal/config"
	"splitter-service/internal/errmgr"
	"splitter-service/internal/fsm"
	"splitter-service/internal/hardware"
	"splitter-service/internal/logger"
	"splitter-service/internal/messaging"
	"splitter-service/internal/relay"
	"splitter-service/internal/safety"
	"splitter-service/internal/sequence"
	"splitter-service/internal/telemetry"
	"splitter-service/internal/types"

	"github.com/librescoot/librefsm"
	"golang.org/x/sync/errgroup"
)

const (
	tickInterval    = 5 * time.Millisecond
	publishInterval = 5 * time.Second

	// mainLoopTimeout is the watchdog bound on time between ticks. An
	// overrun means the control loop stalled and the press state is
	// stale, so the system drops to safe mode.
	mainLoopTimeout = 10 * time.Second
)

// command is an operator request funneled from a Redis listener into
// the control loop.
type command struct {
	kind  string
	value string
}

// SplitterSystem wires the sequencer, safety system and relay bank
// together and runs the control loop. All control state is owned by
// the loop goroutine; the only cross-goroutine state is the mode,
// which the librefsm callbacks update under the mutex.
type SplitterSystem struct {
	logger   *logger.Logger
	cfg      *config.Config
	io       HardwareIO
	pressure PressureSource
	redis    MessagingClient

	relays *relay.Controller
	safety *safety.System
	seq    *sequence.Controller
	errors *errmgr.Manager
	tel    *telemetry.Publisher

	machine *librefsm.Machine
	mu      sync.RWMutex
	mode    types.SystemMode

	commands chan command
	cancel   context.CancelFunc
	group    *errgroup.Group

	// Tick-loop owned.
	now          time.Time
	lastTick     time.Time
	lastPublish  time.Time
	snapshot     types.PinSnapshot
	psi          float64
	psiReady     bool
	watchdogTrip bool
}

// lampOutput adapts the mill lamp GPIO to the error manager.
type lampOutput struct{ io HardwareIO }

func (o lampOutput) SetLamp(on bool) error {
	return o.io.WriteOutput(hardware.OutMillLamp, on)
}

// statusLED adapts the safety status GPIO to the safety system.
type statusLED struct{ io HardwareIO }

func (o statusLED) SetStatusLED(on bool) error {
	return o.io.WriteOutput(hardware.OutSafetyStatus, on)
}

// seqHandle lets the safety system abort the sequencer with the
// control loop's clock.
type seqHandle struct{ s *SplitterSystem }

func (h seqHandle) Active() bool { return h.s.seq.Active() }
func (h seqHandle) Abort()       { h.s.seq.AbortAt(h.s.clock()) }

func NewSplitterSystem(cfg *config.Config, io HardwareIO, pressure PressureSource,
	redis MessagingClient, port relay.Port, l *logger.Logger) *SplitterSystem {

	s := &SplitterSystem{
		logger:   l,
		cfg:      cfg,
		io:       io,
		pressure: pressure,
		redis:    redis,
		mode:     types.ModeInit,
		commands: make(chan command, 16),
		snapshot: types.NewPinSnapshot(),
	}

	s.errors = errmgr.New(lampOutput{io}, l)
	s.relays = relay.NewController(port, s.errors, l)
	s.safety = safety.New(s.relays, seqHandle{s}, statusLED{io}, l)
	s.seq = sequence.NewController(s.relays, s.safety, s.errors, sequence.Timing{
		Stable:      cfg.Sequence.Stable(),
		StartStable: cfg.Sequence.StartStable(),
		Timeout:     cfg.Sequence.Timeout(),
	}, l)
	s.tel = telemetry.NewPublisher(redis, l)

	s.seq.OnStateChange = func(from, to types.SequenceState) {
		s.tel.SequenceChange(string(from), string(to))
	}
	s.safety.OnEvent = func(kind safety.EventKind) {
		active := kind == safety.EventSafetyTrip ||
			kind == safety.EventEStop ||
			kind == safety.EventEngineStop
		s.tel.SafetyEvent(uint8(kind), active)
	}
	s.relays.OnChange = func(r int, on, manual bool) {
		s.tel.RelayEvent(r, on, manual)
	}
	s.errors.OnChange = func(active errmgr.Flag) {
		s.tel.ErrorFlags(uint8(active))
		if err := s.redis.PublishErrorStatus(s.errors.Status()); err != nil {
			s.logger.Debugf("Failed to publish error status: %v", err)
		}
	}

	return s
}

// clock returns the control loop's current tick time, falling back to
// wall time before the loop starts.
func (s *SplitterSystem) clock() time.Time {
	if s.now.IsZero() {
		return time.Now()
	}
	return s.now
}

// Start initializes hardware, starts the mode machine and launches the
// control loop and Redis listeners.
func (s *SplitterSystem) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.redis.SetCallbacks(messaging.Callbacks{
		SequenceCallback: func(v string) error { return s.enqueue("sequence", v) },
		RelayCallback:    func(v string) error { return s.enqueue("relay", v) },
		SafetyCallback:   func(v string) error { return s.enqueue("safety", v) },
		ModeCallback:     func(v string) error { return s.enqueue("mode", v) },
	})

	if err := s.redis.Connect(); err != nil {
		return err
	}
	if err := s.io.Initialize(); err != nil {
		return fmt.Errorf("hardware init failed: %w", err)
	}
	if err := s.relays.Begin(); err != nil {
		s.io.Cleanup()
		return fmt.Errorf("relay board init failed: %w", err)
	}
	s.safety.Begin()

	if err := s.initStateMachine(ctx); err != nil {
		return fmt.Errorf("state machine init failed: %w", err)
	}
	if err := s.machine.SendSync(librefsm.Event{ID: fsm.EvStarted}); err != nil {
		return fmt.Errorf("failed to enter running mode: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	s.group = group
	group.Go(func() error { return s.run(gctx) })

	if err := s.redis.StartListening(); err != nil {
		return err
	}

	s.logger.Infof("Splitter system started")
	return nil
}

// ApplyConfig takes a reloaded configuration. Only sequence timing is
// live; everything else needs a restart.
func (s *SplitterSystem) ApplyConfig(cfg *config.Config) {
	if err := s.enqueue("timing", fmt.Sprintf("%d:%d:%d",
		cfg.Sequence.StableMs, cfg.Sequence.StartStableMs, cfg.Sequence.TimeoutMs)); err != nil {
		s.logger.Warnf("Dropped config reload: %v", err)
	}
}

// enqueue hands a command to the control loop without blocking the
// Redis listener.
func (s *SplitterSystem) enqueue(kind, value string) error {
	select {
	case s.commands <- command{kind: kind, value: value}:
		return nil
	default:
		return fmt.Errorf("command queue full, dropping %s %q", kind, value)
	}
}

// Mode returns the current system mode.
func (s *SplitterSystem) Mode() types.SystemMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *SplitterSystem) setMode(mode types.SystemMode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

// Shutdown stops the control loop and powers the relay bank down.
func (s *SplitterSystem) Shutdown() {
	if s.machine != nil {
		if err := s.machine.SendSync(librefsm.Event{ID: fsm.EvShutdown}); err != nil {
			s.logger.Warnf("Shutdown transition failed: %v", err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil && err != context.Canceled {
			s.logger.Warnf("Control loop exited with error: %v", err)
		}
	}
	s.relays.PowerOff()
	s.io.Cleanup()
	if err := s.redis.Close(); err != nil {
		s.logger.Warnf("Redis close failed: %v", err)
	}
	s.logger.Infof("Splitter system stopped")
}
