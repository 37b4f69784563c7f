package newport

import (
	"bufio"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var mockAxisCmd = regexp.MustCompile(`^([1-9])(PR|MV|TP|ZP|ST|TS|SU)(.*)$`)

type mockAxis struct {
	counter   int
	ampPos    int
	ampNeg    int
	status    int
	busyUntil time.Time
}

// MockUC8 is a simulated AG-UC8 listening on TCP.  It understands the subset
// of the command set that UC8 uses, keeps a step counter per axis, stays busy
// for StepTime per step of a relative move, and records every command it
// receives.  It is concurrent safe.
type MockUC8 struct {
	// StepTime is how long an axis reports busy per step of a relative move
	StepTime time.Duration

	// LimitTime is how long an axis reports busy while seeking a limit
	LimitTime time.Duration

	// Travel is the counter value an axis reaches at its positive limit
	Travel int

	// LimitSwitch is the channel reported by PH, 0 for none
	LimitSwitch int

	// Identity is the reply to VE
	Identity string

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	remote   bool
	channel  int
	lastErr  int
	mute     bool
	axes     [NumChannels][2]mockAxis
	commands []string
	hook     func(string)
}

// NewMockUC8 returns a simulator on channel 1 with a limit switch on channel 1
func NewMockUC8() *MockUC8 {
	return &MockUC8{
		StepTime:    time.Millisecond,
		LimitTime:   20 * time.Millisecond,
		Travel:      1000,
		LimitSwitch: 1,
		Identity:    "AG-UC8 v2.2.1",
		channel:     1,
		conns:       map[net.Conn]struct{}{},
	}
}

// Listen starts serving on addr, e.g. "127.0.0.1:0" to pick a free port
func (m *MockUC8) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.ln = ln
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			m.mu.Lock()
			m.conns[conn] = struct{}{}
			m.mu.Unlock()
			m.wg.Add(1)
			go m.serve(conn)
		}
	}()
	return nil
}

// Addr returns the address the simulator is listening on
func (m *MockUC8) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

// Close stops the simulator and drops its connections
func (m *MockUC8) Close() error {
	m.mu.Lock()
	var err error
	if m.ln != nil {
		err = m.ln.Close()
	}
	for conn := range m.conns {
		conn.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return err
}

// Commands returns every command received so far, without terminators
func (m *MockUC8) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.commands))
	copy(out, m.commands)
	return out
}

// ClearCommands forgets the commands received so far
func (m *MockUC8) ClearCommands() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = nil
}

// OnCommand registers f to be called with every command, after it has been
// handled and before any reply is sent.  f must not call back into m.
func (m *MockUC8) OnCommand(f func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = f
}

// Mute makes the simulator stop (true) or resume (false) replying to queries
func (m *MockUC8) Mute(mute bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mute = mute
}

// Counter returns the step counter of an axis
func (m *MockUC8) Counter(ch, axis int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.axes[ch-1][axis-1].counter
}

// StepAmplitudes returns the positive and negative step amplitudes of an axis
func (m *MockUC8) StepAmplitudes(ch, axis int) (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ax := m.axes[ch-1][axis-1]
	return ax.ampPos, ax.ampNeg
}

// Channel returns the selected channel
func (m *MockUC8) Channel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

// Remote returns true if the simulator has been put in remote mode
func (m *MockUC8) Remote() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

func (m *MockUC8) serve(conn net.Conn) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := strings.TrimRight(scanner.Text(), "\r")
		reply, hook := m.handle(cmd)
		if hook != nil {
			hook(cmd)
		}
		if reply != "" {
			if _, err := conn.Write([]byte(reply + "\r\n")); err != nil {
				return
			}
		}
	}
}

// handle executes cmd and returns the reply, "" if there is none
func (m *MockUC8) handle(cmd string) (string, func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
	reply := m.execute(strings.ToUpper(strings.TrimSpace(cmd)))
	if m.mute {
		reply = ""
	}
	return reply, m.hook
}

// execute must be called with m.mu held
func (m *MockUC8) execute(cmd string) string {
	if cmd == cmdLastError || cmd == cmdLastError+"?" {
		// reading the error clears it
		code := m.lastErr
		m.lastErr = 0
		return fmt.Sprintf("TE%d", code)
	}
	reply, code := m.dispatch(cmd)
	m.lastErr = code
	return reply
}

// dispatch returns the reply to cmd and the error code TE will report for it
func (m *MockUC8) dispatch(cmd string) (string, int) {
	switch {
	case cmd == cmdIdentity:
		return m.Identity, 0
	case cmd == cmdRemoteMode:
		m.remote = true
		return "", 0
	case cmd == "ML":
		m.remote = false
		return "", 0
	case cmd == cmdQueryChannel:
		return fmt.Sprintf("CC%d", m.channel), 0
	case strings.HasPrefix(cmd, cmdSelectChannel):
		ch, err := strconv.Atoi(cmd[len(cmdSelectChannel):])
		if err != nil || ch < 1 || ch > NumChannels {
			return "", -4
		}
		m.channel = ch
		return "", 0
	case cmd == cmdLimitStatus || cmd == cmdLimitStatus+"?":
		return fmt.Sprintf("PH%d", m.LimitSwitch), 0
	}

	match := mockAxisCmd.FindStringSubmatch(cmd)
	if match == nil {
		return "", -1
	}
	n, _ := strconv.Atoi(match[1])
	if n > 2 {
		return "", -2
	}
	ax := &m.axes[m.channel-1][n-1]
	now := time.Now()
	if !now.Before(ax.busyUntil) {
		ax.status = statusReady
	}
	mnemonic, arg := match[2], match[3]
	switch mnemonic {
	case cmdRelativeMove:
		steps, err := strconv.Atoi(arg)
		if err != nil {
			return "", -3
		}
		if !m.remote {
			return "", -5
		}
		ax.counter += steps
		if steps < 0 {
			steps = -steps
		}
		ax.busyUntil = now.Add(time.Duration(steps) * m.StepTime)
		if steps > 0 {
			ax.status = statusStepping
		}
	case cmdJog:
		speed, err := strconv.Atoi(arg)
		if err != nil || speed < -4 || speed > 4 {
			return "", -4
		}
		if !m.remote {
			return "", -5
		}
		switch {
		case speed > 0:
			ax.counter = m.Travel
		case speed < 0:
			ax.counter = -m.Travel
		}
		if speed != 0 {
			ax.busyUntil = now.Add(m.LimitTime)
			ax.status = statusMovingLimit
		}
	case cmdTellSteps:
		return fmt.Sprintf("%d%s%d", n, cmdTellSteps, ax.counter), 0
	case cmdZeroPosition:
		ax.counter = 0
	case cmdStop:
		ax.busyUntil = now
		ax.status = statusReady
	case cmdStatus:
		return fmt.Sprintf("%d%s%d", n, cmdStatus, ax.status), 0
	case cmdStepAmplitude:
		if strings.HasSuffix(arg, "?") {
			if strings.HasPrefix(arg, "-") {
				return fmt.Sprintf("%d%s-%d", n, cmdStepAmplitude, ax.ampNeg), 0
			}
			return fmt.Sprintf("%d%s+%d", n, cmdStepAmplitude, ax.ampPos), 0
		}
		amp, err := strconv.Atoi(arg)
		if err != nil || amp < -50 || amp > 50 || amp == 0 {
			return "", -4
		}
		if amp > 0 {
			ax.ampPos = amp
		} else {
			ax.ampNeg = -amp
		}
	}
	return "", 0
}
