package relay

import (
	"fmt"
	"strings"
	"time"

	"splitter-service/internal/errmgr"
	"splitter-service/internal/logger"
	"splitter-service/internal/types"

	"go.bug.st/serial"
)

// Default link parameters for the relay board.
const (
	DefaultBaudRate = 115200

	defaultAckTimeout  = 100 * time.Millisecond
	defaultRetryDelay  = 100 * time.Millisecond
	defaultSettleDelay = 100 * time.Millisecond

	// maxRetries is retries after the first attempt, so 3 transmissions
	// total before the command is declared failed.
	maxRetries = 2
)

// Port is the serial link to the relay board.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Open opens the relay board serial device at 8N1.
func Open(device string, baud int) (Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open relay port %s: %w", device, err)
	}
	return port, nil
}

// ErrorSink receives hardware fault reports.
type ErrorSink interface {
	Set(flag errmgr.Flag, description string)
}

// Controller drives the 9-relay board over a line-oriented serial
// protocol. The cached states mirror only commands the board has
// acknowledged, so after a communication failure the cache still
// describes the last known-good hardware state.
//
// Relay 9 is inverted board power: commanding it OFF energizes the
// board. While safety lockout is engaged, automatic ON commands are
// refused for every relay except 9; manual commands pass through.
type Controller struct {
	log  *logger.Logger
	port Port
	sink ErrorSink

	states       [types.MaxRelays + 1]bool
	boardPowered bool
	lockout      bool

	// Tunable for tests. Production uses the defaults.
	AckTimeout  time.Duration
	RetryDelay  time.Duration
	SettleDelay time.Duration

	// OnChange fires after a relay state is acknowledged and cached.
	OnChange func(relay int, on bool, manual bool)
}

func NewController(port Port, sink ErrorSink, l *logger.Logger) *Controller {
	return &Controller{
		log:         l.WithTag("relay"),
		port:        port,
		sink:        sink,
		AckTimeout:  defaultAckTimeout,
		RetryDelay:  defaultRetryDelay,
		SettleDelay: defaultSettleDelay,
	}
}

// Begin powers the relay board. The power-on command is sent without
// waiting for an ack because the board only answers once powered.
func (c *Controller) Begin() error {
	for i := range c.states {
		c.states[i] = false
	}
	if err := c.writeCommand(types.RelayPowerControl, false); err != nil {
		return fmt.Errorf("failed to power relay board: %w", err)
	}
	c.boardPowered = true
	time.Sleep(c.SettleDelay)
	c.log.Infof("Relay board powered")
	return nil
}

// SetRelay commands a relay on the automatic path. Lockout rules apply.
func (c *Controller) SetRelay(relay int, on bool) error {
	return c.setRelay(relay, on, false)
}

// SetRelayManual commands a relay on the operator path, bypassing the
// safety lockout gate.
func (c *Controller) SetRelayManual(relay int, on bool) error {
	return c.setRelay(relay, on, true)
}

func (c *Controller) setRelay(relay int, on bool, manual bool) error {
	if relay < 1 || relay > types.MaxRelays {
		return fmt.Errorf("invalid relay number %d", relay)
	}

	if c.states[relay] == on {
		return nil
	}

	if c.lockout && on && relay != types.RelayPowerControl && !manual {
		c.log.Debugf("Relay R%d ON blocked by safety lockout", relay)
		return nil
	}

	if relay != types.RelayPowerControl {
		if err := c.ensurePowerOn(); err != nil {
			return err
		}
	}

	if err := c.sendWithRetry(relay, on); err != nil {
		return err
	}

	c.states[relay] = on
	if relay == types.RelayPowerControl {
		c.boardPowered = !on
	}
	c.log.Debugf("Relay R%d %s (manual=%v)", relay, onOff(on), manual)
	if c.OnChange != nil {
		c.OnChange(relay, on, manual)
	}
	return nil
}

// ensurePowerOn re-energizes the board before a non-power command and
// waits for it to settle.
func (c *Controller) ensurePowerOn() error {
	if c.boardPowered {
		return nil
	}
	c.log.Infof("Relay board unpowered, powering on")
	if err := c.sendWithRetry(types.RelayPowerControl, false); err != nil {
		return err
	}
	c.states[types.RelayPowerControl] = false
	c.boardPowered = true
	time.Sleep(c.SettleDelay)
	return nil
}

func (c *Controller) sendWithRetry(relay int, on bool) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.RetryDelay)
			c.log.Warnf("Retrying relay R%d %s, attempt %d of %d",
				relay, onOff(on), attempt+1, maxRetries+1)
		}
		if err := c.writeCommand(relay, on); err != nil {
			c.log.Warnf("Relay write failed: %v", err)
			continue
		}
		if c.waitForAck() {
			return nil
		}
	}

	msg := fmt.Sprintf("Relay R%d communication timeout", relay)
	c.log.Criticalf("%s, hardware state unknown", msg)
	if c.sink != nil {
		c.sink.Set(errmgr.ErrHardwareFault, msg)
	}
	return fmt.Errorf("relay R%d: no ack after %d attempts", relay, maxRetries+1)
}

func (c *Controller) writeCommand(relay int, on bool) error {
	_, err := fmt.Fprintf(c.port, "R%d %s\r\n", relay, onOff(on))
	return err
}

// waitForAck reads lines until one containing "OK" arrives or the ack
// window elapses. Other traffic on the link is board chatter and gets
// logged at debug level.
func (c *Controller) waitForAck() bool {
	deadline := time.Now().Add(c.AckTimeout)
	var line strings.Builder
	buf := make([]byte, 64)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if err := c.port.SetReadTimeout(remaining); err != nil {
			c.log.Warnf("Failed to set ack read timeout: %v", err)
			return false
		}
		n, err := c.port.Read(buf)
		if err != nil {
			return false
		}
		for _, b := range buf[:n] {
			switch b {
			case '\r':
			case '\n':
				if strings.Contains(line.String(), "OK") {
					return true
				}
				if line.Len() > 0 {
					c.log.Debugf("Relay board: %s", line.String())
				}
				line.Reset()
			default:
				line.WriteByte(b)
			}
		}
	}
}

// State returns the cached acknowledged state of a relay.
func (c *Controller) State(relay int) bool {
	if relay < 1 || relay > types.MaxRelays {
		return false
	}
	return c.states[relay]
}

// EnableLockout engages the safety lockout and drops relays 1-8.
func (c *Controller) EnableLockout() {
	if c.lockout {
		return
	}
	c.lockout = true
	c.log.Warnf("Safety lockout engaged")
	c.AllRelaysOff()
}

// DisableLockout releases the safety lockout.
func (c *Controller) DisableLockout() {
	if !c.lockout {
		return
	}
	c.lockout = false
	c.log.Infof("Safety lockout released")
}

// LockedOut reports whether the safety lockout is engaged.
func (c *Controller) LockedOut() bool {
	return c.lockout
}

// AllRelaysOff turns off every relay except board power.
func (c *Controller) AllRelaysOff() {
	for relay := 1; relay <= types.MaxRelays; relay++ {
		if relay == types.RelayPowerControl {
			continue
		}
		if err := c.setRelay(relay, false, false); err != nil {
			c.log.Warnf("Failed to turn off relay R%d: %v", relay, err)
		}
	}
}

// PowerOff drops all relays and then de-energizes the board.
func (c *Controller) PowerOff() {
	c.AllRelaysOff()
	if err := c.setRelay(types.RelayPowerControl, true, false); err != nil {
		c.log.Warnf("Failed to power off relay board: %v", err)
	}
}

// ProcessCommand parses an operator relay token like "R3 ON" or "R3 1"
// and executes it on the manual path.
func (c *Controller) ProcessCommand(command string) error {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) != 2 || !strings.HasPrefix(strings.ToUpper(fields[0]), "R") {
		return fmt.Errorf("invalid relay command %q", command)
	}
	var relay int
	if _, err := fmt.Sscanf(strings.ToUpper(fields[0]), "R%d", &relay); err != nil {
		return fmt.Errorf("invalid relay number in %q", command)
	}
	var on bool
	switch strings.ToUpper(fields[1]) {
	case "ON", "1":
		on = true
	case "OFF", "0":
		on = false
	default:
		return fmt.Errorf("invalid relay state in %q", command)
	}
	return c.SetRelayManual(relay, on)
}

// Status renders the cached bank state.
func (c *Controller) Status() string {
	var b strings.Builder
	b.WriteString("relays:")
	for relay := 1; relay <= types.MaxRelays; relay++ {
		fmt.Fprintf(&b, " R%d=%s", relay, onOff(c.states[relay]))
	}
	if c.lockout {
		b.WriteString(" safety=ACTIVE")
	} else {
		b.WriteString(" safety=OFF")
	}
	return b.String()
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
