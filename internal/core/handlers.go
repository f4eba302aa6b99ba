package core

import (
	"fmt"
	"time"

	"splitter-service/internal/fsm"
	"splitter-service/internal/sequence"
	"splitter-service/internal/types"
)

// drainCommands applies every queued operator command at the start of
// the tick, against the previous tick's snapshot and pressure.
func (s *SplitterSystem) drainCommands(now time.Time) {
	for {
		select {
		case cmd := <-s.commands:
			s.handleCommand(now, cmd)
		default:
			return
		}
	}
}

func (s *SplitterSystem) handleCommand(now time.Time, cmd command) {
	switch cmd.kind {
	case "sequence":
		s.handleSequenceCommand(now, cmd.value)
	case "relay":
		if err := s.relays.ProcessCommand(cmd.value); err != nil {
			s.logger.Warnf("Relay command rejected: %v", err)
		}
	case "safety":
		if cmd.value == "clear" {
			s.clearSafety()
		}
	case "mode":
		switch cmd.value {
		case "recover":
			s.watchdogTrip = false
			s.sendEvent(fsm.EvRecover)
		case "safe":
			s.logger.Warnf("Operator requested safe mode")
			s.safety.Activate("operator_request")
			s.sendEvent(fsm.EvFault)
		}
	case "timing":
		s.handleTimingCommand(cmd.value)
	default:
		s.logger.Warnf("Unknown command kind %q", cmd.kind)
	}
}

func (s *SplitterSystem) handleSequenceCommand(now time.Time, value string) {
	switch value {
	case "extend":
		if s.Mode() != types.ModeRunning {
			s.logger.Warnf("Manual extend refused outside running mode")
			return
		}
		s.seq.StartManualExtend(now, s.snapshot, s.psi, s.psiReady)
	case "retract":
		if s.Mode() != types.ModeRunning {
			s.logger.Warnf("Manual retract refused outside running mode")
			return
		}
		s.seq.StartManualRetract(now, s.snapshot, s.psi, s.psiReady)
	case "stop":
		s.seq.StopManualOperation(now)
	case "abort":
		s.seq.AbortAt(now)
	case "reset":
		s.seq.Reset(now)
	case "enable":
		s.seq.Enable()
	case "disable":
		s.seq.Disable()
	default:
		s.logger.Warnf("Unknown sequence command %q", value)
	}
}

// handleTimingCommand applies a "stable:startStable:timeout" triple in
// milliseconds, produced by config reload.
func (s *SplitterSystem) handleTimingCommand(value string) {
	var stableMs, startStableMs, timeoutMs int
	if _, err := fmt.Sscanf(value, "%d:%d:%d", &stableMs, &startStableMs, &timeoutMs); err != nil {
		s.logger.Warnf("Invalid timing command %q: %v", value, err)
		return
	}
	if stableMs <= 0 || startStableMs <= 0 || timeoutMs < 1000 {
		s.logger.Warnf("Rejected timing %q out of range", value)
		return
	}
	s.seq.SetTiming(sequence.Timing{
		Stable:      time.Duration(stableMs) * time.Millisecond,
		StartStable: time.Duration(startStableMs) * time.Millisecond,
		Timeout:     time.Duration(timeoutMs) * time.Millisecond,
	})
}
