package motion

import (
	"go/types"
	"net/http"

	"github.com/nasa-jpl/agilis/generichttp"
)

// PathFollower is a controller that can follow a list of relative moves in the background
type PathFollower interface {
	// FollowPath starts following path on a channel and returns immediately
	FollowPath(path [][2]int, channel int) error

	// PathStatus describes the state of the path follower, e.g. "running"
	PathStatus() string
}

// HTTPPath adds routes for the path follower to the route table
func HTTPPath(iface PathFollower, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/path"}] = FollowPath(iface)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/path"}] = PathStatus(iface)
}

// FollowPath returns an HTTP handler func that starts a path
func FollowPath(p PathFollower) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pt := PathT{}
		if !decode(w, r, &pt) {
			return
		}
		if err := p.FollowPath(pt.Path, pt.Channel); err != nil {
			respondErr(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// PathStatus returns an HTTP handler func that reports the path follower's state
func PathStatus(p PathFollower) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hp := generichttp.HumanPayload{T: types.String, String: p.PathStatus()}
		hp.EncodeAndRespond(w, r)
	}
}
