package motion

import (
	"net/http"

	"github.com/nasa-jpl/agilis/generichttp"
)

// Stopper describes an interface with stop-related methods for channels
type Stopper interface {
	// Stop aborts motion on both axes of a channel
	Stop(channel int) error
}

// HTTPStop adds routes for the stopper to the route table
func HTTPStop(iface Stopper, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = Stop(iface)
}

// Stop returns an HTTP handler func from a stopper that stops a channel
func Stop(s Stopper) http.HandlerFunc {
	return channelAction(s.Stop)
}
