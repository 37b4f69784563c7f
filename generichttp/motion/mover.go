package motion

import (
	"net/http"

	"github.com/nasa-jpl/agilis/generichttp"
)

// RelativeMover describes a controller that moves both axes of a channel by a
// number of steps, axis 1 then axis 2
type RelativeMover interface {
	// Move moves axis 1 by d1 and axis 2 by d2 steps on a channel
	Move(d1, d2, channel int) error

	// Counters returns the step counters of both axes of a channel
	Counters(channel int) (int, int, error)
}

// HTTPMove adds routes for the mover to the route table
func HTTPMove(iface RelativeMover, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/move"}] = Move(iface)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/counters"}] = Counters(iface)
}

// Move returns an HTTP handler func from a mover that performs a relative move
func Move(m RelativeMover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mv := MoveT{}
		if !decode(w, r, &mv) {
			return
		}
		if err := m.Move(mv.D1, mv.D2, mv.Channel); err != nil {
			respondErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Counters returns an HTTP handler func from a mover that returns the step
// counters of the channel given by the channel query parameter
func Counters(m RelativeMover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d1, d2, err := m.Counters(ch)
		if err != nil {
			respondErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		writeJSON(w, CountersT{D1: d1, D2: d2})
	}
}
