package newport

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func waitIdle(t *testing.T, c *UC8) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for c.PathState() != PathIdle {
		if time.Now().After(deadline) {
			t.Fatalf("path still %v after 10s", c.PathState())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func relativeMoves(cmds []string) []string {
	var out []string
	for _, cmd := range cmds {
		if strings.Contains(cmd, cmdRelativeMove) {
			out = append(out, cmd)
		}
	}
	return out
}

// signalOn returns a channel that receives once, when the simulator gets cmd
func signalOn(m *MockUC8, cmd string) <-chan struct{} {
	seen := make(chan struct{}, 1)
	m.OnCommand(func(got string) {
		if got == cmd {
			select {
			case seen <- struct{}{}:
			default:
			}
		}
	})
	return seen
}

func TestFollowPathRunsStepsInOrder(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, nil)
	m.ClearCommands()

	if err := c.FollowPath([]Step{{1, 2}, {3, 4}, {-5, 6}}, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, c)

	want := []string{"1PR1", "2PR2", "1PR3", "2PR4", "1PR-5", "2PR6"}
	if diff := cmp.Diff(want, relativeMoves(m.Commands())); diff != "" {
		t.Errorf("relative moves mismatch (-want +got):\n%s", diff)
	}
	d1, d2, err := c.Counters(DefaultChannel)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != -1 || d2 != 12 {
		t.Errorf("counters (%d, %d) at the end of the path, want (-1, 12)", d1, d2)
	}
}

func TestStopHaltsPathAfterCurrentStep(t *testing.T) {
	m := startMock(t, func(m *MockUC8) { m.StepTime = 2 * time.Millisecond })
	c, _ := newTestController(t, m, nil)
	m.ClearCommands()
	started := signalOn(m, "1PR50")

	path := []Step{{50, 50}, {50, 50}, {50, 50}}
	if err := c.FollowPath(path, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("path never started")
	}
	if err := c.Stop(DefaultChannel); err != nil {
		t.Fatal(err)
	}
	if st := c.PathState(); st != PathIdle {
		t.Errorf("path state %v after Stop, want idle", st)
	}
	want := []string{"1PR50", "2PR50"}
	if diff := cmp.Diff(want, relativeMoves(m.Commands())); diff != "" {
		t.Errorf("relative moves mismatch (-want +got):\n%s", diff)
	}
}

func TestFollowPathReplacesRunningPath(t *testing.T) {
	m := startMock(t, func(m *MockUC8) { m.StepTime = 2 * time.Millisecond })
	c, _ := newTestController(t, m, nil)
	m.ClearCommands()
	started := signalOn(m, "1PR40")

	if err := c.FollowPath([]Step{{40, 41}, {40, 41}, {40, 41}}, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first path never started")
	}
	if err := c.FollowPath([]Step{{7, 8}}, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, c)

	want := []string{"1PR40", "2PR41", "1PR7", "2PR8"}
	if diff := cmp.Diff(want, relativeMoves(m.Commands())); diff != "" {
		t.Errorf("relative moves mismatch (-want +got):\n%s", diff)
	}
}

func TestPathStateString(t *testing.T) {
	for st, want := range map[PathState]string{
		PathIdle:          "idle",
		PathRunning:       "running",
		PathStopRequested: "stop-requested",
		PathState(9):      "unknown",
	} {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}

func TestStopOnUnknownChannelStillStopsPath(t *testing.T) {
	m := startMock(t, func(m *MockUC8) { m.StepTime = 2 * time.Millisecond })
	c, _ := newTestController(t, m, nil)
	m.ClearCommands()
	started := signalOn(m, "1PR50")

	if err := c.FollowPath([]Step{{50, 50}, {50, 50}, {50, 50}}, DefaultChannel); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("path never started")
	}
	if err := c.Stop(3); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("Stop on an unconfigured channel returned %v, want ErrInvalidChannel", err)
	}
	if st := c.PathState(); st != PathIdle {
		t.Errorf("path state %v after Stop, want idle", st)
	}
	want := []string{"1PR50", "2PR50"}
	if diff := cmp.Diff(want, relativeMoves(m.Commands())); diff != "" {
		t.Errorf("relative moves mismatch (-want +got):\n%s", diff)
	}
}

func TestPathAndMovesOnDifferentChannels(t *testing.T) {
	m := startMock(t, nil)
	c, _ := newTestController(t, m, func(cfg *UC8Config) { cfg.Channels = []int{1, 2} })

	path := []Step{{10, 20}, {20, 30}, {30, 50}}
	if err := c.FollowPath(path, 1); err != nil {
		t.Fatal(err)
	}
	moves := []Step{{10, -5}, {25, -5}, {35, -10}}
	for _, s := range moves {
		if err := c.Move(s.D1, s.D2, 2); err != nil {
			t.Fatal(err)
		}
	}
	waitIdle(t, c)

	for ch, want := range map[Channel][2]int{1: {60, 100}, 2: {70, -20}} {
		d1, d2, err := c.Counters(ch)
		if err != nil {
			t.Fatal(err)
		}
		if d1 != want[0] || d2 != want[1] {
			t.Errorf("channel %d counters (%d, %d), want (%d, %d)", ch, d1, d2, want[0], want[1])
		}
		if m.Counter(int(ch), 1) != want[0] || m.Counter(int(ch), 2) != want[1] {
			t.Errorf("channel %d controller counters (%d, %d), want %v", ch, m.Counter(int(ch), 1), m.Counter(int(ch), 2), want)
		}
	}
}
