package newport

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// NumChannels is the number of channels on an AG-UC8
const NumChannels = 4

// Channel is a channel number of the AG-UC8, 1..4
type Channel int

// DefaultChannel asks an operation to use the controller's default channel
const DefaultChannel Channel = 0

var (
	// ErrInvalidChannel is generated when an operation names a channel that
	// does not exist or was not configured
	ErrInvalidChannel = errors.New("channel is out of range or was not configured")
)

// ConfigError is generated by NewUC8 when the configuration is unusable
type ConfigError struct {
	Field, Reason string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("invalid AG-UC8 configuration: %s %s", e.Field, e.Reason)
}

// InvalidAxisAliasError is generated when an axis is looked up under an
// alias other than the two the controller was configured with
type InvalidAxisAliasError struct {
	Alias   string
	Aliases [2]string
}

func (e InvalidAxisAliasError) Error() string {
	return fmt.Sprintf("invalid axis name %q, must be %q or %q", e.Alias, e.Aliases[0], e.Aliases[1])
}

// UC8Config holds the settings of an AG-UC8
type UC8Config struct {
	// Addr is host:port of the controller (usually a serial-to-ethernet
	// bridge), or a serial device path if Serial is true
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Serial selects a local RS232/USB port instead of TCP
	Serial bool `yaml:"Serial" koanf:"Serial"`

	// Channels lists the channels in use.  The first is the default channel.
	Channels []int `yaml:"Channels" koanf:"Channels"`

	// Axis1Alias and Axis2Alias name axis 1 and 2 of every channel
	Axis1Alias string `yaml:"Axis1Alias" koanf:"Axis1Alias"`
	Axis2Alias string `yaml:"Axis2Alias" koanf:"Axis2Alias"`

	// StepAmp1 and StepAmp2 are the step amplitudes, 1..50, of axis 1 and 2
	StepAmp1 int `yaml:"StepAmp1" koanf:"StepAmp1"`
	StepAmp2 int `yaml:"StepAmp2" koanf:"StepAmp2"`

	// PollInterval is the time between status queries while waiting for motion to end
	PollInterval time.Duration `yaml:"PollInterval" koanf:"PollInterval"`

	// MoveTimeout bounds the wait after each axis of a relative move
	MoveTimeout time.Duration `yaml:"MoveTimeout" koanf:"MoveTimeout"`

	// ZeroTimeout bounds the wait after each axis of a return to zero
	ZeroTimeout time.Duration `yaml:"ZeroTimeout" koanf:"ZeroTimeout"`

	// LimitTimeout bounds the wait after each axis of a move to the limits
	LimitTimeout time.Duration `yaml:"LimitTimeout" koanf:"LimitTimeout"`

	// Verbose logs every command and reply
	Verbose bool `yaml:"Verbose" koanf:"Verbose"`
}

// DefaultUC8Config returns the configuration of a controller on the lab's
// serial bridge, channel 1, axes X and Y at step amplitude 50
func DefaultUC8Config() UC8Config {
	return UC8Config{
		Addr:         "192.168.1.220:10001",
		Channels:     []int{1},
		Axis1Alias:   "X",
		Axis2Alias:   "Y",
		StepAmp1:     50,
		StepAmp2:     50,
		PollInterval: 100 * time.Millisecond,
		MoveTimeout:  10 * time.Second,
		ZeroTimeout:  15 * time.Second,
		LimitTimeout: time.Minute,
	}
}

func (c UC8Config) validate() error {
	if len(c.Channels) == 0 {
		return ConfigError{"Channels", "must list at least one channel"}
	}
	seen := map[int]bool{}
	for _, ch := range c.Channels {
		if ch < 1 || ch > NumChannels {
			return ConfigError{"Channels", fmt.Sprintf("contains %d, must be 1..%d", ch, NumChannels)}
		}
		if seen[ch] {
			return ConfigError{"Channels", fmt.Sprintf("contains %d more than once", ch)}
		}
		seen[ch] = true
	}
	if c.Axis1Alias == "" || c.Axis2Alias == "" {
		return ConfigError{"Axis1Alias/Axis2Alias", "must not be empty"}
	}
	if c.Axis1Alias == c.Axis2Alias {
		return ConfigError{"Axis1Alias/Axis2Alias", "must differ"}
	}
	for name, amp := range map[string]int{"StepAmp1": c.StepAmp1, "StepAmp2": c.StepAmp2} {
		if amp < 1 || amp > 50 {
			return ConfigError{name, fmt.Sprintf("is %d, must be 1..50", amp)}
		}
	}
	if c.PollInterval <= 0 {
		return ConfigError{"PollInterval", "must be positive"}
	}
	return nil
}

// ChannelAxes is the pair of axes of one channel
type ChannelAxes struct {
	Axis1 *Axis
	Axis2 *Axis
}

// Step is one relative move of a path, D1 steps on axis 1 and D2 on axis 2
type Step struct {
	D1, D2 int
}

// UC8 is an Agilis AG-UC8 piezo motor controller.
//
// If the controller could not be reached when it was made, it is inert:
// every operation logs and does nothing.
type UC8 struct {
	cfg     UC8Config
	logger  *log.Logger
	port    *agPort
	aliases [2]string

	// channels is indexed by channel number - 1; unconfigured channels have nil axes
	channels    [NumChannels]ChannelAxes
	defChannel  Channel
	limitSwitch [NumChannels + 1]bool
	identity    string

	// pathMu serializes replacing the path worker, path is read without it
	pathMu sync.Mutex
	path   atomic.Pointer[pathWorker]
}

// NewUC8 connects to an AG-UC8 and configures its channels.
//
// An error is returned only for an unusable configuration.  If the controller
// cannot be reached, the returned UC8 is inert and the failure is logged.
// logger may be nil, in which case the standard logger is used.
func NewUC8(cfg UC8Config, logger *log.Logger) (*UC8, error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultUC8Config().PollInterval
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &UC8{
		cfg:        cfg,
		logger:     logger,
		aliases:    [2]string{cfg.Axis1Alias, cfg.Axis2Alias},
		defChannel: Channel(cfg.Channels[0]),
	}
	port, err := openPort(cfg.Addr, cfg.Serial, logger, cfg.Verbose)
	if err != nil {
		logger.Printf("could not find or open the port you specified (%s), controller is inert: %v", cfg.Addr, err)
		return c, nil
	}
	c.port = port
	if err := c.startup(); err != nil {
		logger.Printf("AG-UC8 at %s failed to start, controller is inert: %v", cfg.Addr, err)
		c.port.close()
		c.port = nil
	}
	return c, nil
}

// startup identifies the device, takes remote control, registers the axes of
// every channel and learns which channel has a limit switch
func (c *UC8) startup() error {
	id, err := c.port.send(cmdIdentity)
	switch {
	case errors.Is(err, ErrNoAnswer):
		id = "unknown"
	case err != nil:
		return err
	}
	c.identity = id
	c.logger.Println("device name:", id)

	if c.cfg.Verbose {
		c.logger.Println("setting device to remote mode")
	}
	if _, err := c.port.send(cmdRemoteMode); err != nil {
		return err
	}
	for _, n := range c.cfg.Channels {
		ch := Channel(n)
		if c.cfg.Verbose {
			c.logger.Println("configuring channel", ch)
		}
		if _, err := c.port.send(cmdSelectChannel + strconv.Itoa(n)); err != nil {
			return err
		}
		if err := c.addAxis(ch, 1, c.cfg.StepAmp1); err != nil {
			return err
		}
		if err := c.addAxis(ch, 2, c.cfg.StepAmp2); err != nil {
			return err
		}
	}
	c.logger.Println("changing to channel", c.defChannel)
	if _, err := c.port.send(cmdSelectChannel + strconv.Itoa(int(c.defChannel))); err != nil {
		return err
	}

	// which channel, if any, has an active limit switch; asked once
	resp, err := c.port.send(cmdLimitStatus)
	switch {
	case errors.Is(err, ErrNoAnswer):
		c.logger.Println("limit switch status unknown, limit moves are disabled")
	case err != nil:
		return err
	default:
		i, perr := parseReply(resp, cmdLimitStatus)
		if perr != nil {
			c.logger.Printf("limit switch status unreadable (%v), limit moves are disabled", perr)
		} else if i >= 1 && i <= NumChannels {
			c.limitSwitch[i] = true
		}
	}
	return nil
}

// addAxis registers axis number on channel ch under its alias and writes its step amplitude
func (c *UC8) addAxis(ch Channel, number int, stepAmp int) error {
	alias := c.aliases[number-1]
	ax := &Axis{Number: number, Alias: alias, StepAmplitude: stepAmp, Channel: ch, ctl: c}
	if err := ax.configure(); err != nil {
		return err
	}
	slot := &c.channels[ch-1]
	if number == 1 {
		slot.Axis1 = ax
	} else {
		slot.Axis2 = ax
	}
	c.logger.Printf("channel %d: %s axis given step amplitude %d", ch, alias, stepAmp)
	return nil
}

// Inert returns true if the controller could not be reached and does nothing
func (c *UC8) Inert() bool {
	return c.port == nil
}

// Identity returns the device name reported at startup
func (c *UC8) Identity() string {
	return c.identity
}

// DefaultChannel returns the channel used when an operation is given DefaultChannel
func (c *UC8) DefaultChannel() Channel {
	return c.defChannel
}

// HasLimitSwitch returns true if ch was reported at startup to have an active limit switch
func (c *UC8) HasLimitSwitch(ch Channel) bool {
	ch, err := c.resolve(ch)
	if err != nil {
		return false
	}
	return c.limitSwitch[ch]
}

// Axis returns the axis named alias on channel ch
func (c *UC8) Axis(ch Channel, alias string) (*Axis, error) {
	ch, err := c.resolve(ch)
	if err != nil {
		return nil, err
	}
	axes := c.channels[ch-1]
	var ax *Axis
	switch alias {
	case c.aliases[0]:
		ax = axes.Axis1
	case c.aliases[1]:
		ax = axes.Axis2
	default:
		return nil, InvalidAxisAliasError{Alias: alias, Aliases: c.aliases}
	}
	if ax == nil {
		return nil, ErrInvalidChannel
	}
	return ax, nil
}

// resolve maps DefaultChannel to the default channel and checks ch is configured
func (c *UC8) resolve(ch Channel) (Channel, error) {
	if ch == DefaultChannel {
		return c.defChannel, nil
	}
	if ch < 1 || ch > NumChannels {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	for _, n := range c.cfg.Channels {
		if Channel(n) == ch {
			return ch, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
}

// axes resolves ch and returns it with its axes; ok is false for an inert controller
func (c *UC8) axes(ch Channel, op string) (Channel, ChannelAxes, bool, error) {
	ch, err := c.resolve(ch)
	if err != nil {
		return 0, ChannelAxes{}, false, err
	}
	if c.Inert() {
		c.logger.Printf("%s ignored, the AG-UC8 at %s is not connected", op, c.cfg.Addr)
		return ch, ChannelAxes{}, false, nil
	}
	return ch, c.channels[ch-1], true, nil
}

// ensureActive changes the controller to channel ch if it is not already on it
func (c *UC8) ensureActive(ch Channel) error {
	resp, err := c.port.send(cmdQueryChannel)
	if err != nil && !errors.Is(err, ErrNoAnswer) {
		return err
	}
	if err == nil {
		if cur, perr := parseChannelReply(resp); perr == nil && cur == ch {
			return nil
		}
	}
	c.logger.Println("changing to channel", ch)
	_, err = c.port.send(cmdSelectChannel + strconv.Itoa(int(ch)))
	return err
}

// Move moves axis 1 by d1 steps, waits for it to stop, then does the same
// for axis 2 by d2 steps
func (c *UC8) Move(d1, d2 int, ch Channel) error {
	ch, axes, ok, err := c.axes(ch, "move")
	if !ok {
		return err
	}
	return c.move(d1, d2, ch, axes)
}

func (c *UC8) move(d1, d2 int, ch Channel, axes ChannelAxes) error {
	if err := c.ensureActive(ch); err != nil {
		return err
	}
	c.logger.Printf("moving to relative position: (%d, %d)", d1, d2)
	if err := axes.Axis1.Jog(d1); err != nil {
		return err
	}
	if err := axes.Axis1.WaitStill(c.cfg.MoveTimeout); err != nil {
		return err
	}
	if err := axes.Axis2.Jog(d2); err != nil {
		return err
	}
	return axes.Axis2.WaitStill(c.cfg.MoveTimeout)
}

// MoveUpUp moves to axis 1 maximum, axis 2 maximum
func (c *UC8) MoveUpUp(ch Channel) error {
	return c.moveToLimits(ch, true, true)
}

// MoveDownDown moves to axis 1 minimum, axis 2 minimum
func (c *UC8) MoveDownDown(ch Channel) error {
	return c.moveToLimits(ch, false, false)
}

// MoveDownUp moves to axis 1 minimum, axis 2 maximum
func (c *UC8) MoveDownUp(ch Channel) error {
	return c.moveToLimits(ch, false, true)
}

// MoveUpDown moves to axis 1 maximum, axis 2 minimum
func (c *UC8) MoveUpDown(ch Channel) error {
	return c.moveToLimits(ch, true, false)
}

func (c *UC8) moveToLimits(ch Channel, up1, up2 bool) error {
	ch, axes, ok, err := c.axes(ch, "move to limits")
	if !ok {
		return err
	}
	if !c.limitSwitch[ch] {
		c.logger.Printf("warning: the device on channel %d has no active limit switch", ch)
		return nil
	}
	if err := c.ensureActive(ch); err != nil {
		return err
	}
	c.logger.Printf("moving to: %s axis %s, %s axis %s", c.aliases[0], extreme(up1), c.aliases[1], extreme(up2))
	seek := func(ax *Axis, up bool) error {
		var err error
		if up {
			err = ax.GoMax()
		} else {
			err = ax.GoMin()
		}
		if err != nil {
			return err
		}
		return ax.WaitStill(c.cfg.LimitTimeout)
	}
	if err := seek(axes.Axis1, up1); err != nil {
		return err
	}
	return seek(axes.Axis2, up2)
}

func extreme(up bool) string {
	if up {
		return "max"
	}
	return "min"
}

// Counters returns the step counters of axis 1 and axis 2 of ch
func (c *UC8) Counters(ch Channel) (int, int, error) {
	ch, axes, ok, err := c.axes(ch, "counter query")
	if !ok {
		return 0, 0, err
	}
	if err := c.ensureActive(ch); err != nil {
		return 0, 0, err
	}
	steps1, err := axes.Axis1.QueryCounter()
	if err != nil {
		return 0, 0, err
	}
	steps2, err := axes.Axis2.QueryCounter()
	if err != nil {
		return 0, 0, err
	}
	return steps1, steps2, nil
}

// GoToZero moves back to the zero position.  If a zero was never set, this
// is the position of the device when it was powered on.
func (c *UC8) GoToZero(ch Channel) error {
	ch, axes, ok, err := c.axes(ch, "go to zero")
	if !ok {
		return err
	}
	if err := c.ensureActive(ch); err != nil {
		return err
	}
	steps1, err := axes.Axis1.QueryCounter()
	if err != nil {
		return fmt.Errorf("reading %s: %w", axes.Axis1, err)
	}
	steps2, err := axes.Axis2.QueryCounter()
	if err != nil {
		return fmt.Errorf("reading %s: %w", axes.Axis2, err)
	}
	c.logger.Printf("moving to zero position: relative position (%d, %d)", steps1, steps2)
	if err := axes.Axis1.Jog(-steps1); err != nil {
		return err
	}
	if err := axes.Axis1.WaitStill(c.cfg.ZeroTimeout); err != nil {
		return err
	}
	if err := axes.Axis2.Jog(-steps2); err != nil {
		return err
	}
	return axes.Axis2.WaitStill(c.cfg.ZeroTimeout)
}

// SetZero makes the current position the zero position
func (c *UC8) SetZero(ch Channel) error {
	ch, axes, ok, err := c.axes(ch, "set zero")
	if !ok {
		return err
	}
	if err := c.ensureActive(ch); err != nil {
		return err
	}
	c.logger.Println("setting zero position to current position")
	if err := axes.Axis1.ResetCounter(); err != nil {
		return err
	}
	return axes.Axis2.ResetCounter()
}

// Stop stops any path being followed, whatever channel it is on, then
// stops both axes of ch
func (c *UC8) Stop(ch Channel) error {
	c.pathMu.Lock()
	if w := c.path.Load(); w != nil {
		w.stop()
	}
	c.pathMu.Unlock()
	ch, axes, ok, err := c.axes(ch, "stop")
	if !ok {
		return err
	}
	c.logger.Println("stopping ongoing motion")
	if err := c.ensureActive(ch); err != nil {
		return err
	}
	if err := axes.Axis1.Stop(); err != nil {
		return err
	}
	return axes.Axis2.Stop()
}

// FollowPath moves through path, one relative move at a time, in the background.
// It returns as soon as the path has started.  A path already running is
// stopped, and waited for, before this one starts.
func (c *UC8) FollowPath(path []Step, ch Channel) error {
	ch, axes, ok, err := c.axes(ch, "follow a path")
	if !ok {
		return err
	}
	if err := c.ensureActive(ch); err != nil {
		return err
	}
	c.logger.Printf("following a path of %d steps", len(path))
	steps := make([]Step, len(path))
	copy(steps, path)

	c.pathMu.Lock()
	defer c.pathMu.Unlock()
	if w := c.path.Load(); w != nil {
		w.stop()
	}
	run := func(s Step) error { return c.move(s.D1, s.D2, ch, axes) }
	c.path.Store(startPath(steps, run, c.logger))
	return nil
}

// PathState returns the state of the path worker
func (c *UC8) PathState() PathState {
	if w := c.path.Load(); w != nil {
		return w.State()
	}
	return PathIdle
}

// LastError queries the controller for the error of the previous command
func (c *UC8) LastError() error {
	if c.Inert() {
		return nil
	}
	resp, err := c.port.send(cmdLastError)
	if err != nil {
		return err
	}
	code, err := parseReply(resp, cmdLastError)
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	return AgilisError{Code: code}
}

// Raw sends a command as-is and returns the reply, if the command is a query.
// Do not include terminators, they are added for you.
func (c *UC8) Raw(cmd string) (string, error) {
	if c.Inert() {
		return "", fmt.Errorf("the AG-UC8 at %s is not connected", c.cfg.Addr)
	}
	return c.port.send(cmd)
}

// Close stops any path being followed and closes the connection.
// It must be called exactly once.
func (c *UC8) Close() error {
	c.pathMu.Lock()
	if w := c.path.Load(); w != nil {
		w.stop()
	}
	c.pathMu.Unlock()
	if c.Inert() {
		return nil
	}
	return c.port.close()
}
