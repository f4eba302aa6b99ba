package core

import (
	"context"
	"time"

	"splitter-service/internal/errmgr"
	"splitter-service/internal/fsm"
	"splitter-service/internal/hardware"
	"splitter-service/internal/types"
)

// run is the control loop. Everything that mutates sequencer, safety
// or relay state happens here.
func (s *SplitterSystem) run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

// tick advances the whole system one step. Safety is evaluated before
// the sequencer so a trip blocks hydraulic commands within the same
// tick.
func (s *SplitterSystem) tick(now time.Time) {
	s.now = now
	s.checkWatchdog(now)
	s.lastTick = now

	s.drainCommands(now)

	snapshot, edges := s.io.Poll(now)
	s.snapshot = snapshot

	s.pressure.Sample(now)
	s.psi, s.psiReady = s.pressure.Pressure()
	if s.pressure.Faulted() {
		s.errors.Set(errmgr.ErrSensorFault, "pressure sensor read failed")
	} else {
		s.errors.Clear(errmgr.ErrSensorFault)
	}

	for _, edge := range edges {
		s.handleEdge(now, edge, snapshot)
	}

	s.safety.Update(now, s.psi, s.psiReady, s.atLimitSwitch(snapshot))

	if s.Mode() == types.ModeRunning {
		s.seq.Update(now, snapshot, s.psi, s.psiReady)
	}

	s.errors.Update(now)
	s.publishStatus(now)
}

func (s *SplitterSystem) atLimitSwitch(snapshot types.PinSnapshot) bool {
	return snapshot.Get(types.PinLimitExtend) || snapshot.Get(types.PinLimitRetract)
}

// checkWatchdog trips safe mode when the loop stalled long enough that
// the press ran unsupervised.
func (s *SplitterSystem) checkWatchdog(now time.Time) {
	if s.lastTick.IsZero() || now.Sub(s.lastTick) <= mainLoopTimeout {
		return
	}
	if !s.watchdogTrip {
		s.watchdogTrip = true
		s.logger.Criticalf("Control loop stalled for %v, entering safe mode", now.Sub(s.lastTick))
		s.safety.Activate("main_loop_timeout")
		s.sendEvent(fsm.EvFault)
	}
}

// handleEdge routes one debounced input change. Order matters: the
// limit switch reflex and the E-stop run before the sequencer gets the
// edge, the idle jog mapping only runs when nothing else claimed it.
func (s *SplitterSystem) handleEdge(now time.Time, edge hardware.Edge, snapshot types.PinSnapshot) {
	s.tel.InputEvent(edge.Pin, edge.State)

	// Reflex: a limit switch going active drops the matching hydraulic
	// relay immediately, before any sequencing decision.
	switch edge.Pin {
	case types.PinLimitExtend:
		if edge.State {
			if err := s.relays.SetRelay(types.RelayExtend, false); err != nil {
				s.logger.Warnf("Limit reflex failed for extend relay: %v", err)
			}
		}
	case types.PinLimitRetract:
		if edge.State {
			if err := s.relays.SetRelay(types.RelayRetract, false); err != nil {
				s.logger.Warnf("Limit reflex failed for retract relay: %v", err)
			}
		}
	case types.PinEStop:
		if edge.State {
			s.logger.Errorf("E-stop pressed")
			s.safety.ActivateEStop()
			s.seq.AbortAt(now)
			s.seq.Disable()
			s.sendEvent(fsm.EvFault)
		} else {
			s.logger.Infof("E-stop released, awaiting manual clear")
		}
		return
	}

	handled := s.seq.HandleInputChange(now, edge.Pin, edge.State, snapshot)

	if edge.Pin == types.PinSafetyClear && edge.State {
		s.clearSafety()
		return
	}

	if handled || s.seq.Active() {
		return
	}

	// Idle jog: the panel buttons drive the hydraulic relays directly,
	// blocked when the ram is already at the matching limit.
	switch edge.Pin {
	case types.PinManualRetract:
		on := edge.State && !snapshot.Get(types.PinLimitRetract)
		if err := s.relays.SetRelay(types.RelayRetract, on); err != nil {
			s.logger.Warnf("Jog retract failed: %v", err)
		}
	case types.PinManualExtend:
		on := edge.State && !snapshot.Get(types.PinLimitExtend)
		if err := s.relays.SetRelay(types.RelayExtend, on); err != nil {
			s.logger.Warnf("Jog extend failed: %v", err)
		}
	}
}

// clearSafety is the operator recovery path, shared by the panel
// button and the Redis clear command.
func (s *SplitterSystem) clearSafety() {
	if s.safety.EStopActive() && s.snapshot.Get(types.PinEStop) {
		s.logger.Warnf("Safety clear refused: E-stop still pressed")
		return
	}
	s.safety.ClearEmergencyStop()
	s.errors.Acknowledge(errmgr.ErrSequenceTimeout)
	if !s.seq.Enabled() && !s.safety.Active() {
		s.seq.Enable()
	}
	if s.Mode() == types.ModeSafeMode {
		// Re-arm the watchdog from the loop itself so the trip flag is
		// never written from the machine goroutine.
		s.watchdogTrip = false
		s.sendEvent(fsm.EvRecover)
	}
}

func (s *SplitterSystem) publishStatus(now time.Time) {
	if !s.lastPublish.IsZero() && now.Sub(s.lastPublish) < publishInterval {
		return
	}
	s.lastPublish = now

	if err := s.redis.PublishSequenceStatus(s.seq.Status(now)); err != nil {
		s.logger.Debugf("Failed to publish sequence status: %v", err)
	}
	if err := s.redis.PublishSafetyStatus(s.safety.Status(now)); err != nil {
		s.logger.Debugf("Failed to publish safety status: %v", err)
	}
	if err := s.redis.PublishRelayStatus(s.relays.Status()); err != nil {
		s.logger.Debugf("Failed to publish relay status: %v", err)
	}
	if err := s.redis.PublishErrorStatus(s.errors.Status()); err != nil {
		s.logger.Debugf("Failed to publish error status: %v", err)
	}
	if s.psiReady {
		if err := s.redis.PublishPressure(s.psi); err != nil {
			s.logger.Debugf("Failed to publish pressure: %v", err)
		}
		s.tel.PressureSample(s.psi)
	}
}
