// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/nasa-jpl/agilis/generichttp"
)

// Inject adds a lock route to a route table which is used to manipulate the locker
func Inject(table generichttp.RouteTable, l *Locker) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of routes to not protect
type Locker struct {
	isLocked atomic.Bool

	// DoNotProtect is a list of path fragments not to apply the lock to
	DoNotProtect []string
}

// New returns a new Locker with DoNotProtect prepopulated with "lock" and "endpoints"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock", "endpoints"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.isLocked.Store(true)
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.isLocked.Store(false)
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	return l.isLocked.Load()
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			protected := true
			url := r.URL.Path
			for _, str := range l.DoNotProtect {
				if strings.Contains(url, str) {
					protected = false
					break
				}
			}
			if protected {
				http.Error(w, "controller is locked", http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
