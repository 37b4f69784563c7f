package newport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// values reported by TS
const (
	statusReady       = 0
	statusStepping    = 1
	statusJogging     = 2
	statusMovingLimit = 3
)

// limitSpeed is the jog speed used to seek a limit; 4 is the fastest (666 steps/s)
const limitSpeed = 4

// Axis is one piezo degree of freedom on a channel of an AG-UC8
type Axis struct {
	// Number is the axis number on its channel, 1 or 2
	Number int

	// Alias is the user's name for the axis, e.g. X
	Alias string

	// StepAmplitude is the amplitude (1..50) written to the controller
	// when the axis was registered
	StepAmplitude int

	// Channel is the channel the axis is wired to
	Channel Channel

	ctl *UC8
}

func (a *Axis) String() string {
	return fmt.Sprintf("channel %d axis %d (%s)", a.Channel, a.Number, a.Alias)
}

// command sends mnemonic+arg for this axis, on this axis' channel
func (a *Axis) command(mnemonic, arg string) (string, error) {
	return a.ctl.port.onChannel(a.Channel, strconv.Itoa(a.Number)+mnemonic+arg)
}

// configure writes the step amplitude in both directions
func (a *Axis) configure() error {
	amp := strconv.Itoa(a.StepAmplitude)
	if _, err := a.command(cmdStepAmplitude, "+"+amp); err != nil {
		return err
	}
	_, err := a.command(cmdStepAmplitude, "-"+amp)
	return err
}

// Jog starts a relative move of steps steps, each of StepAmplitude.
// It returns as soon as the command is written, not when motion ends.
func (a *Axis) Jog(steps int) error {
	_, err := a.command(cmdRelativeMove, strconv.Itoa(steps))
	return err
}

// GoMax drives the axis in the positive direction until a limit stops it
func (a *Axis) GoMax() error {
	_, err := a.command(cmdJog, "+"+strconv.Itoa(limitSpeed))
	return err
}

// GoMin drives the axis in the negative direction until a limit stops it
func (a *Axis) GoMin() error {
	_, err := a.command(cmdJog, strconv.Itoa(-limitSpeed))
	return err
}

// QueryCounter returns the accumulated step count since power on or the last ResetCounter
func (a *Axis) QueryCounter() (int, error) {
	prefix := strconv.Itoa(a.Number) + cmdTellSteps
	resp, err := a.command(cmdTellSteps, "")
	if err != nil {
		return 0, err
	}
	return parseReply(resp, prefix)
}

// ResetCounter makes the current position the zero of the step counter
func (a *Axis) ResetCounter() error {
	_, err := a.command(cmdZeroPosition, "")
	return err
}

// Stop halts motion on the axis
func (a *Axis) Stop() error {
	_, err := a.command(cmdStop, "")
	return err
}

// Status returns the axis status as reported by TS;
// 0 ready, 1 stepping, 2 jogging, 3 moving to limit
func (a *Axis) Status() (int, error) {
	prefix := strconv.Itoa(a.Number) + cmdStatus
	resp, err := a.command(cmdStatus, "")
	if err != nil {
		return 0, err
	}
	return parseReply(resp, prefix)
}

// WaitStill polls the axis status until it reports ready or maxWait elapses.
// The controller has no "motion complete" notification, so this is the only
// way to know a move finished.  Running out of time is logged, not returned;
// only link failures are errors.
func (a *Axis) WaitStill(maxWait time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), maxWait)
	defer cancel()
	lim := rate.NewLimiter(rate.Every(a.ctl.cfg.PollInterval), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			a.ctl.logger.Printf("%s still moving after %v, continuing", a, maxWait)
			return nil
		}
		st, err := a.Status()
		if err == nil {
			if st == statusReady {
				return nil
			}
			continue
		}
		// a missed or garbled poll is retried, a dead link is not
		var re *ReplyError
		if errors.Is(err, ErrNoAnswer) || errors.As(err, &re) {
			continue
		}
		return err
	}
}
