// Package motion provides an HTTP interface to piezo motion controllers
// addressed by channel, each channel driving a pair of axes.
package motion

/*
This file uses higher order functions to bind the supported interfaces for a
motion controller, which may implement any number of them.  Every handler
reads a JSON body carrying at least {"channel": n}; a missing or zero channel
means the controller's default channel.
*/
import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/nasa-jpl/agilis/generichttp"
)

// ErrInvalidArgument is wrapped by controllers to signal the request, not the
// hardware, was at fault.  Handlers respond 400 to it.
var ErrInvalidArgument = errors.New("invalid argument")

// ChannelT is a request body naming a channel
type ChannelT struct {
	Channel int `json:"channel"`
}

// MoveT is a request body for a relative move of both axes of a channel
type MoveT struct {
	D1      int `json:"d1"`
	D2      int `json:"d2"`
	Channel int `json:"channel"`
}

// PathT is a request body for a path, a list of [d1, d2] relative moves
type PathT struct {
	Path    [][2]int `json:"path"`
	Channel int      `json:"channel"`
}

// CountersT is a response body holding the step counters of a channel
type CountersT struct {
	D1 int `json:"d1"`
	D2 int `json:"d2"`
}

// decode reads the JSON body into v.  An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// respondErr writes err with a status code matching its cause
func respondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidArgument) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// channelQuery reads the channel query parameter, 0 if absent
func channelQuery(r *http.Request) (int, error) {
	s := r.URL.Query().Get("channel")
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// channelAction returns a handler that decodes a ChannelT and calls fcn with it
func channelAction(fcn func(int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch := ChannelT{}
		if !decode(w, r, &ch) {
			return
		}
		if err := fcn(ch.Channel); err != nil {
			respondErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// NewHTTPMotionController returns a route table populated with every
// interface c satisfies
func NewHTTPMotionController(c interface{}) generichttp.RouteTable {
	rt := generichttp.RouteTable{}
	if m, ok := c.(RelativeMover); ok {
		HTTPMove(m, rt)
	}
	if l, ok := c.(LimitSeeker); ok {
		HTTPLimits(l, rt)
	}
	if z, ok := c.(Zeroer); ok {
		HTTPZero(z, rt)
	}
	if s, ok := c.(Stopper); ok {
		HTTPStop(s, rt)
	}
	if p, ok := c.(PathFollower); ok {
		HTTPPath(p, rt)
	}
	return rt
}

// writeJSON encodes v to w.  The header has been written, so a failure
// cannot be reported to the client.
func writeJSON(w http.ResponseWriter, v interface{}) {
	json.NewEncoder(w).Encode(v)
}
