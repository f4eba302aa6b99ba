package core

import (
	"context"

	"splitter-service/internal/fsm"
	"splitter-service/internal/types"

	"github.com/librescoot/librefsm"
)

// stateIDToMode converts librefsm StateID to types.SystemMode
func stateIDToMode(id librefsm.StateID) types.SystemMode {
	switch id {
	case fsm.StateInit:
		return types.ModeInit
	case fsm.StateRunning:
		return types.ModeRunning
	case fsm.StateSafeMode:
		return types.ModeSafeMode
	case fsm.StateShuttingDown:
		return types.ModeShuttingDown
	default:
		return types.SystemMode(string(id))
	}
}

// initStateMachine builds and starts the mode machine.
func (s *SplitterSystem) initStateMachine(ctx context.Context) error {
	def := fsm.NewDefinition(s)
	machine, err := def.Build()
	if err != nil {
		return err
	}
	s.machine = machine

	s.machine.OnStateChange(func(from, to librefsm.StateID) {
		mode := stateIDToMode(to)
		s.setMode(mode)
		s.logger.Infof("Mode transition: %s -> %s", stateIDToMode(from), mode)

		// Publish directly with the known new mode rather than reading
		// it back through the FSM.
		if err := s.redis.PublishMode(string(mode)); err != nil {
			s.logger.Errorf("Failed to publish mode: %v", err)
		}
		s.tel.ModeChange(string(mode))
	})

	if err := s.machine.Start(ctx); err != nil {
		return err
	}
	s.logger.Infof("Mode state machine started")
	return nil
}

// sendEvent queues an event on the mode machine. Send is asynchronous
// and drops events with no matching transition.
func (s *SplitterSystem) sendEvent(event librefsm.EventID) {
	if s.machine == nil {
		return
	}
	s.machine.Send(librefsm.Event{ID: event})
}

// === Mode Entry Actions ===

func (s *SplitterSystem) EnterRunning(c *librefsm.Context) error {
	s.logger.Infof("Entering running mode")
	return nil
}

func (s *SplitterSystem) EnterSafeMode(c *librefsm.Context) error {
	// The safety system has already dropped the relays by the time the
	// mode changes; safe mode just stops advancing the sequencer.
	s.logger.Warnf("Entering safe mode, sequencer halted")
	return nil
}

// EnterShuttingDown only logs. Entry actions run on the machine's
// goroutine, so all control state stays with the loop; Shutdown drops
// the relays after the loop has stopped.
func (s *SplitterSystem) EnterShuttingDown(c *librefsm.Context) error {
	s.logger.Infof("Entering shutdown")
	return nil
}

// === Guards ===

func (s *SplitterSystem) CanResumeOperation(c *librefsm.Context) bool {
	return !s.safety.Active() && !s.safety.EStopActive()
}
