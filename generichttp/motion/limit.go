package motion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nasa-jpl/agilis/generichttp"
)

var (
	errClamped = errors.New("requested move violates software step limits, aborted")
)

// Limiter bounds a relative move, in steps, in both directions
type Limiter struct {
	Min int `json:"min" yaml:"Min" koanf:"Min"`
	Max int `json:"max" yaml:"Max" koanf:"Max"`
}

// Check returns true if steps lies within [Min, Max]
func (l Limiter) Check(steps int) bool {
	return steps >= l.Min && steps <= l.Max
}

// LimitMiddleware is a type that can impose limits on the size of the
// relative moves a client requests of each axis, by number (1 or 2).
// An axis without an entry in Limits is not limited.
type LimitMiddleware struct {
	Limits map[int]Limiter
}

func (l *LimitMiddleware) ok(axis, steps int) bool {
	lim, ok := l.Limits[axis]
	if !ok {
		return true
	}
	return lim.Check(steps)
}

// Check verifies if a move or path would violate a step limit, and if it
// does, responds with StatusBadRequest.  Otherwise, flows control to the next
// handler
func (l *LimitMiddleware) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isMove := strings.HasSuffix(r.URL.Path, "/move")
		isPath := strings.HasSuffix(r.URL.Path, "/path")
		if r.Method != http.MethodPost || len(l.Limits) == 0 || !(isMove || isPath) {
			next.ServeHTTP(w, r)
			return
		}
		// downstream functions want the body;
		// read it all here, then "paste" it back
		bodyContent, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(bodyContent))
		var steps [][2]int
		if isMove {
			mv := MoveT{}
			err = json.Unmarshal(bodyContent, &mv)
			steps = [][2]int{{mv.D1, mv.D2}}
		} else {
			pt := PathT{}
			err = json.Unmarshal(bodyContent, &pt)
			steps = pt.Path
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for i, s := range steps {
			if !l.ok(1, s[0]) || !l.ok(2, s[1]) {
				msg := errClamped.Error()
				if isPath {
					msg = fmt.Sprintf("step %d: %s", i+1, msg)
				}
				http.Error(w, msg, http.StatusBadRequest)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Inject places a /steplimits route on the table
func (l LimitMiddleware) Inject(table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/steplimits"}] = Limits(l)
}

// Limits returns an HTTP handler func that returns the step limits, keyed by axis number
func Limits(l LimitMiddleware) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		writeJSON(w, l.Limits)
	}
}
