package motion

import (
	"net/http"

	"github.com/nasa-jpl/agilis/generichttp"
)

// Zeroer is a controller that keeps a zero (reference) position per channel
type Zeroer interface {
	// SetZero makes the current position of a channel its zero
	SetZero(channel int) error

	// GoToZero returns a channel to its zero
	GoToZero(channel int) error
}

// HTTPZero adds routes for the zeroer to the route table
func HTTPZero(iface Zeroer, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/zero"}] = SetZero(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/zero/goto"}] = GoToZero(iface)
}

// SetZero returns an HTTP handler func that sets the zero of a channel
func SetZero(z Zeroer) http.HandlerFunc {
	return channelAction(z.SetZero)
}

// GoToZero returns an HTTP handler func that returns a channel to its zero
func GoToZero(z Zeroer) http.HandlerFunc {
	return channelAction(z.GoToZero)
}
