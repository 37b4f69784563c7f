package motion

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/agilis/generichttp"
)

// LimitSeeker is a controller that can drive both axes of a channel to their
// mechanical limits, named by the corner reached: "upup" is the positive
// limit of axis 1 and axis 2, "downup" the negative limit of axis 1 and the
// positive limit of axis 2, and so on
type LimitSeeker interface {
	MoveUpUp(channel int) error
	MoveDownDown(channel int) error
	MoveDownUp(channel int) error
	MoveUpDown(channel int) error
}

// HTTPLimits adds routes for the limit seeker to the route table
func HTTPLimits(iface LimitSeeker, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/limits/{corner}"}] = SeekLimit(iface)
}

// SeekLimit returns an HTTP handler func that drives a channel to the corner in the URL
func SeekLimit(l LimitSeeker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fcn func(int) error
		switch corner := chi.URLParam(r, "corner"); corner {
		case "upup":
			fcn = l.MoveUpUp
		case "downdown":
			fcn = l.MoveDownDown
		case "downup":
			fcn = l.MoveDownUp
		case "updown":
			fcn = l.MoveUpDown
		default:
			http.Error(w, fmt.Sprintf("unknown corner %q, must be one of upup, downdown, downup, updown", corner), http.StatusBadRequest)
			return
		}
		channelAction(fcn)(w, r)
	}
}
