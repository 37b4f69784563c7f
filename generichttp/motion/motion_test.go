package motion

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
)

// recorder is a controller that records the calls made to it
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(format string, args ...interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	if len(args) > 0 && args[len(args)-1] == 7 {
		return fmt.Errorf("%w: no channel 7", ErrInvalidArgument)
	}
	return nil
}

func (r *recorder) Move(d1, d2, ch int) error        { return r.record("move %d %d %d", d1, d2, ch) }
func (r *recorder) Counters(ch int) (int, int, error) { return 1, 2, r.record("counters %d", ch) }
func (r *recorder) MoveUpUp(ch int) error             { return r.record("upup %d", ch) }
func (r *recorder) MoveDownDown(ch int) error         { return r.record("downdown %d", ch) }
func (r *recorder) MoveDownUp(ch int) error           { return r.record("downup %d", ch) }
func (r *recorder) MoveUpDown(ch int) error           { return r.record("updown %d", ch) }
func (r *recorder) SetZero(ch int) error              { return r.record("setzero %d", ch) }
func (r *recorder) GoToZero(ch int) error             { return r.record("gotozero %d", ch) }
func (r *recorder) Stop(ch int) error                 { return r.record("stop %d", ch) }
func (r *recorder) PathStatus() string                { return "idle" }
func (r *recorder) FollowPath(path [][2]int, ch int) error {
	return r.record("path %v %d", path, ch)
}

func serve(rec *recorder, lim *LimitMiddleware) http.Handler {
	r := chi.NewRouter()
	if lim != nil {
		r.Use(lim.Check)
	}
	NewHTTPMotionController(rec).Bind(r)
	return r
}

func post(h http.Handler, path, body string) int {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return w.Code
}

func TestRoutesCallController(t *testing.T) {
	rec := &recorder{}
	h := serve(rec, nil)
	requests := []struct {
		path, body string
		code       int
	}{
		{"/move", `{"d1": 5, "d2": -5, "channel": 2}`, http.StatusOK},
		{"/limits/upup", `{}`, http.StatusOK},
		{"/limits/downdown", `{"channel": 1}`, http.StatusOK},
		{"/limits/downup", ``, http.StatusOK},
		{"/limits/updown", `{}`, http.StatusOK},
		{"/zero", `{}`, http.StatusOK},
		{"/zero/goto", `{}`, http.StatusOK},
		{"/stop", `{"channel": 3}`, http.StatusOK},
		{"/path", `{"path": [[1, 2], [3, 4]]}`, http.StatusAccepted},
		{"/stop", `{"channel": 7}`, http.StatusBadRequest},
	}
	for _, req := range requests {
		if code := post(h, req.path, req.body); code != req.code {
			t.Errorf("POST %s %s: status %d, want %d", req.path, req.body, code, req.code)
		}
	}
	want := []string{
		"move 5 -5 2",
		"upup 0",
		"downdown 1",
		"downup 0",
		"updown 0",
		"setzero 0",
		"gotozero 0",
		"stop 3",
		"path [[1 2] [3 4]] 0",
		"stop 7",
	}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestLimitMiddlewareRejectsLargeMoves(t *testing.T) {
	rec := &recorder{}
	lim := &LimitMiddleware{Limits: map[int]Limiter{1: {Min: -10, Max: 10}}}
	h := serve(rec, lim)

	if code := post(h, "/move", `{"d1": 11, "d2": 500}`); code != http.StatusBadRequest {
		t.Errorf("move beyond the limit: status %d, want 400", code)
	}
	if code := post(h, "/path", `{"path": [[1, 1], [-11, 0]]}`); code != http.StatusBadRequest {
		t.Errorf("path beyond the limit: status %d, want 400", code)
	}
	if code := post(h, "/move", `{"d1": 10, "d2": 500}`); code != http.StatusOK {
		t.Errorf("move within the limit: status %d, want 200", code)
	}
	// the body is still readable downstream
	if diff := cmp.Diff([]string{"move 10 500 0"}, rec.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestLimiterCheck(t *testing.T) {
	l := Limiter{Min: -5, Max: 5}
	for steps, want := range map[int]bool{-6: false, -5: true, 0: true, 5: true, 6: false} {
		if got := l.Check(steps); got != want {
			t.Errorf("Check(%d) = %v, want %v", steps, got, want)
		}
	}
}
