package newport

import (
	"bytes"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe to log to from several goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startMock(t *testing.T, setup func(*MockUC8)) *MockUC8 {
	t.Helper()
	m := NewMockUC8()
	if setup != nil {
		setup(m)
	}
	if err := m.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func testConfig(addr string) UC8Config {
	cfg := DefaultUC8Config()
	cfg.Addr = addr
	cfg.StepAmp1 = 30
	cfg.StepAmp2 = 40
	cfg.PollInterval = 2 * time.Millisecond
	cfg.MoveTimeout = 2 * time.Second
	cfg.ZeroTimeout = 2 * time.Second
	cfg.LimitTimeout = 2 * time.Second
	return cfg
}

func newTestController(t *testing.T, m *MockUC8, edit func(*UC8Config)) (*UC8, *syncBuffer) {
	t.Helper()
	cfg := testConfig(m.Addr())
	if edit != nil {
		edit(&cfg)
	}
	buf := &syncBuffer{}
	c, err := NewUC8(cfg, log.New(buf, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	if c.Inert() {
		t.Fatalf("controller is inert, log:\n%s", buf)
	}
	t.Cleanup(func() { c.Close() })
	return c, buf
}

func TestNewUC8ConfiguresEveryChannel(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, func(cfg *UC8Config) { cfg.Channels = []int{1, 3} })

	if c.Identity() != m.Identity {
		t.Errorf("identity %q, want %q", c.Identity(), m.Identity)
	}
	if !m.Remote() {
		t.Error("controller was not put in remote mode")
	}
	if m.Channel() != 1 {
		t.Errorf("controller left on channel %d, want the default, 1", m.Channel())
	}
	for _, ch := range []Channel{1, 3} {
		for number, alias := range []string{"X", "Y"} {
			ax, err := c.Axis(ch, alias)
			if err != nil {
				t.Fatal(err)
			}
			want := []int{30, 40}[number]
			if ax.StepAmplitude != want || ax.Number != number+1 || ax.Channel != ch {
				t.Errorf("channel %d alias %s: got %+v", ch, alias, ax)
			}
			pos, neg := m.StepAmplitudes(int(ch), number+1)
			if pos != want || neg != want {
				t.Errorf("channel %d axis %d: controller amplitudes %d/%d, want %d", ch, number+1, pos, neg, want)
			}
		}
	}
}

func TestMoveUpdatesCounters(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, nil)

	if err := c.Move(30, -20, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	d1, d2, err := c.Counters(DefaultChannel)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != 30 || d2 != -20 {
		t.Errorf("counters (%d, %d), want (30, -20)", d1, d2)
	}
	if m.Counter(1, 1) != 30 || m.Counter(1, 2) != -20 {
		t.Errorf("controller counters (%d, %d), want (30, -20)", m.Counter(1, 1), m.Counter(1, 2))
	}
}

func TestSetZeroThenGoToZeroReturnsToZero(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, nil)

	if err := c.Move(10, 10, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	if err := c.SetZero(DefaultChannel); err != nil {
		t.Fatal(err)
	}
	if err := c.Move(25, -5, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	if err := c.GoToZero(DefaultChannel); err != nil {
		t.Fatal(err)
	}
	d1, d2, err := c.Counters(DefaultChannel)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != 0 || d2 != 0 {
		t.Errorf("counters (%d, %d) after returning to zero, want (0, 0)", d1, d2)
	}
	cmds := strings.Join(m.Commands(), " ")
	if !strings.Contains(cmds, "1PR-25") || !strings.Contains(cmds, "2PR5") {
		t.Errorf("return to zero did not undo the move, commands: %s", cmds)
	}
}

func TestLimitMoveWithoutSwitchDoesNothing(t *testing.T) {
	m := startMock(t, func(m *MockUC8) { m.LimitSwitch = 0 })
	c, buf := newTestController(t, m, nil)
	if c.HasLimitSwitch(DefaultChannel) {
		t.Fatal("controller reports a limit switch the device does not have")
	}
	m.ClearCommands()
	for _, f := range []func(Channel) error{c.MoveUpUp, c.MoveDownDown, c.MoveDownUp, c.MoveUpDown} {
		if err := f(DefaultChannel); err != nil {
			t.Fatal(err)
		}
	}
	if cmds := m.Commands(); len(cmds) != 0 {
		t.Errorf("limit move without a limit switch sent %v", cmds)
	}
	if !strings.Contains(buf.String(), "warning") {
		t.Errorf("no warning logged, log:\n%s", buf)
	}
}

func TestLimitMoveReachesCorner(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, nil)
	if !c.HasLimitSwitch(1) {
		t.Fatal("limit switch on channel 1 not detected")
	}
	if err := c.MoveDownUp(DefaultChannel); err != nil {
		t.Fatal(err)
	}
	if m.Counter(1, 1) != -m.Travel || m.Counter(1, 2) != m.Travel {
		t.Errorf("counters (%d, %d), want (%d, %d)", m.Counter(1, 1), m.Counter(1, 2), -m.Travel, m.Travel)
	}
	cmds := strings.Join(m.Commands(), " ")
	if !strings.Contains(cmds, "1MV-4") || !strings.Contains(cmds, "2MV+4") {
		t.Errorf("limit seek commands missing: %s", cmds)
	}
}

func TestUnreachableControllerIsInert(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	buf := &syncBuffer{}
	c, err := NewUC8(testConfig(addr), log.New(buf, "", 0))
	if err != nil {
		t.Fatalf("NewUC8 with an unreachable controller returned error %v", err)
	}
	defer c.Close()
	if !c.Inert() {
		t.Fatal("controller is not inert")
	}
	if err := c.Move(1, 1, DefaultChannel); err != nil {
		t.Errorf("Move on an inert controller returned %v", err)
	}
	if err := c.FollowPath([]Step{{1, 1}}, DefaultChannel); err != nil {
		t.Errorf("FollowPath on an inert controller returned %v", err)
	}
	if c.PathState() != PathIdle {
		t.Errorf("inert controller path state %v", c.PathState())
	}
	if _, err := c.Raw("VE"); err == nil {
		t.Error("Raw on an inert controller did not fail")
	}
	if !strings.Contains(buf.String(), "inert") {
		t.Errorf("connection failure not logged, log:\n%s", buf)
	}
}

func TestInvalidConfig(t *testing.T) {
	tests := []func(*UC8Config){
		func(c *UC8Config) { c.Channels = nil },
		func(c *UC8Config) { c.Channels = []int{5} },
		func(c *UC8Config) { c.Channels = []int{2, 2} },
		func(c *UC8Config) { c.Axis2Alias = c.Axis1Alias },
		func(c *UC8Config) { c.StepAmp1 = 51 },
		func(c *UC8Config) { c.StepAmp2 = 0 },
	}
	for i, edit := range tests {
		cfg := testConfig("127.0.0.1:1")
		edit(&cfg)
		_, err := NewUC8(cfg, log.New(&syncBuffer{}, "", 0))
		var cfgErr ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("case %d: error %v, want a ConfigError", i, err)
		}
	}
}

func TestAxisRejectsUnknownAlias(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, nil)
	_, err := c.Axis(DefaultChannel, "Z")
	var aliasErr InvalidAxisAliasError
	if !errors.As(err, &aliasErr) {
		t.Fatalf("error %v, want an InvalidAxisAliasError", err)
	}
	if aliasErr.Aliases != [2]string{"X", "Y"} {
		t.Errorf("error lists aliases %v", aliasErr.Aliases)
	}
}

func TestUnconfiguredChannel(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, nil)
	for _, ch := range []Channel{2, 5, -1} {
		if err := c.Move(1, 1, ch); !errors.Is(err, ErrInvalidChannel) {
			t.Errorf("Move on channel %d returned %v, want ErrInvalidChannel", ch, err)
		}
	}
}

func TestAxisCommandReselectsChannel(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, func(cfg *UC8Config) { cfg.Channels = []int{1, 2} })
	if err := c.Move(5, 0, 2); err != nil {
		t.Fatal(err)
	}
	// move the link away behind the axis' back
	if _, err := c.Raw("CC1"); err != nil {
		t.Fatal(err)
	}
	ax, err := c.Axis(2, "X")
	if err != nil {
		t.Fatal(err)
	}
	steps, err := ax.QueryCounter()
	if err != nil {
		t.Fatal(err)
	}
	if steps != 5 {
		t.Errorf("channel 2 axis 1 counter %d, want 5", steps)
	}
}

func TestMutedControllerGivesNoAnswer(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, nil)
	m.Mute(true)
	_, _, err := c.Counters(DefaultChannel)
	if !errors.Is(err, ErrNoAnswer) {
		t.Errorf("error %v, want ErrNoAnswer", err)
	}
}

func TestLastErrorReportsAndClears(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, nil)
	if _, err := c.Raw("XX"); err != nil {
		t.Fatal(err)
	}
	err := c.LastError()
	var agErr AgilisError
	if !errors.As(err, &agErr) || agErr.Code != -1 {
		t.Fatalf("LastError() = %v, want Agilis error -1", err)
	}
	if err := c.LastError(); err != nil {
		t.Errorf("second LastError() = %v, want nil", err)
	}
}

func TestRawQuery(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, nil)
	if err := c.Move(7, 0, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	resp, err := c.Raw("1TP")
	if err != nil {
		t.Fatal(err)
	}
	if resp != "1TP7" {
		t.Errorf("Raw(1TP) = %q, want 1TP7", resp)
	}
}

func TestMoveRoundTrip(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, nil)
	if err := c.Move(12, 34, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	b1, b2, err := c.Counters(DefaultChannel)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Move(-8, 15, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	if err := c.Move(8, -15, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	a1, a2, err := c.Counters(DefaultChannel)
	if err != nil {
		t.Fatal(err)
	}
	if a1 != b1 || a2 != b2 {
		t.Errorf("counters (%d, %d) after a round trip, want (%d, %d)", a1, a2, b1, b2)
	}
}

func TestGoToZeroRightAfterSetZeroDoesNotMove(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, nil)
	if err := c.Move(9, -9, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	if err := c.SetZero(DefaultChannel); err != nil {
		t.Fatal(err)
	}
	m.ClearCommands()
	if err := c.GoToZero(DefaultChannel); err != nil {
		t.Fatal(err)
	}
	for _, cmd := range m.Commands() {
		if strings.Contains(cmd, cmdRelativeMove) && !strings.HasSuffix(cmd, "PR0") {
			t.Errorf("return to a fresh zero sent %s", cmd)
		}
	}
}

func TestLateReplyDoesNotShiftLaterReplies(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, nil)
	if err := c.Move(11, 5, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	var once sync.Once
	m.OnCommand(func(cmd string) {
		if cmd == "1TP" {
			// the reply to the first counter query arrives after the link gave up on it
			once.Do(func() { time.Sleep(1300 * time.Millisecond) })
		}
	})
	if _, _, err := c.Counters(DefaultChannel); !errors.Is(err, ErrNoAnswer) {
		t.Fatalf("first counter query returned %v, want ErrNoAnswer", err)
	}
	for i := 0; i < 3; i++ {
		d1, d2, err := c.Counters(DefaultChannel)
		if err != nil {
			t.Fatalf("counter query %d: %v", i+1, err)
		}
		if d1 != 11 || d2 != 5 {
			t.Errorf("counter query %d: (%d, %d), want (11, 5)", i+1, d1, d2)
		}
	}
	id, err := c.Raw("VE")
	if err != nil {
		t.Fatal(err)
	}
	if id != m.Identity {
		t.Errorf("VE replied %q, want %q", id, m.Identity)
	}
}

func TestAnswers(t *testing.T) {
	tests := []struct {
		cmd, resp string
		want      bool
	}{
		{"1TP", "1TP-12", true},
		{"1TP", "CC1", false},
		{"CC?", "CC2", true},
		{"CC?", "1TP11", false},
		{"1SU+?", "1SU+50", true},
		{"PH", "PH0", true},
		{"te", "TE-1", true},
		{"VE", "AG-UC8 v2.2.1", true},
		{"VE", "1TP11", false},
	}
	for _, tt := range tests {
		if got := answers(tt.cmd, tt.resp); got != tt.want {
			t.Errorf("answers(%q, %q) = %v, want %v", tt.cmd, tt.resp, got, tt.want)
		}
	}
}
