package newport

import (
	"errors"
	"fmt"
	"go/types"
	"net/http"
	"strconv"

	"github.com/nasa-jpl/agilis/generichttp"
	"github.com/nasa-jpl/agilis/generichttp/ascii"
	"github.com/nasa-jpl/agilis/generichttp/motion"
)

// uc8Motion adapts a UC8 to the int-channel interfaces of the motion package
type uc8Motion struct {
	c *UC8
}

// badArg marks errors caused by the request as invalid arguments
func badArg(err error) error {
	var aliasErr InvalidAxisAliasError
	if errors.Is(err, ErrInvalidChannel) || errors.As(err, &aliasErr) {
		return fmt.Errorf("%w: %v", motion.ErrInvalidArgument, err)
	}
	return err
}

func (m uc8Motion) Move(d1, d2, ch int) error {
	return badArg(m.c.Move(d1, d2, Channel(ch)))
}

func (m uc8Motion) Counters(ch int) (int, int, error) {
	d1, d2, err := m.c.Counters(Channel(ch))
	return d1, d2, badArg(err)
}

func (m uc8Motion) MoveUpUp(ch int) error     { return badArg(m.c.MoveUpUp(Channel(ch))) }
func (m uc8Motion) MoveDownDown(ch int) error { return badArg(m.c.MoveDownDown(Channel(ch))) }
func (m uc8Motion) MoveDownUp(ch int) error   { return badArg(m.c.MoveDownUp(Channel(ch))) }
func (m uc8Motion) MoveUpDown(ch int) error   { return badArg(m.c.MoveUpDown(Channel(ch))) }

func (m uc8Motion) SetZero(ch int) error  { return badArg(m.c.SetZero(Channel(ch))) }
func (m uc8Motion) GoToZero(ch int) error { return badArg(m.c.GoToZero(Channel(ch))) }
func (m uc8Motion) Stop(ch int) error     { return badArg(m.c.Stop(Channel(ch))) }

func (m uc8Motion) FollowPath(path [][2]int, ch int) error {
	steps := make([]Step, len(path))
	for i, p := range path {
		steps[i] = Step{D1: p[0], D2: p[1]}
	}
	return badArg(m.c.FollowPath(steps, Channel(ch)))
}

func (m uc8Motion) PathStatus() string {
	return m.c.PathState().String()
}

// UC8HTTPWrapper is an HTTP wrapper around an AG-UC8.
//
// The API is a superset of the generic motion controller interface
type UC8HTTPWrapper struct {
	// UC8 is the embedded controller
	*UC8

	RouteTable generichttp.RouteTable
}

// NewUC8HTTPWrapper creates a new HTTP wrapper around an AG-UC8
func NewUC8HTTPWrapper(c *UC8) UC8HTTPWrapper {
	rt := motion.NewHTTPMotionController(uc8Motion{c: c})
	w := UC8HTTPWrapper{UC8: c, RouteTable: rt}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/identity"}] = generichttp.GetString(func() (string, error) {
		return c.Identity(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/inert"}] = generichttp.GetBool(func() (bool, error) {
		return c.Inert(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/limitswitch"}] = w.LimitSwitch
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/errors"}] = w.Errors
	ascii.InjectRawComm(rt, c)
	return w
}

// LimitSwitch returns {"bool": true} if the channel in the channel query
// parameter has an active limit switch
func (h UC8HTTPWrapper) LimitSwitch(w http.ResponseWriter, r *http.Request) {
	ch := 0
	if s := r.URL.Query().Get("channel"); s != "" {
		var err error
		ch, err = strconv.Atoi(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	hp := generichttp.HumanPayload{T: types.Bool, Bool: h.UC8.HasLimitSwitch(Channel(ch))}
	hp.EncodeAndRespond(w, r)
}

// Errors reads the error of the previous command and returns it as
// {"str": "..."}, empty if there was none
func (h UC8HTTPWrapper) Errors(w http.ResponseWriter, r *http.Request) {
	err := h.UC8.LastError()
	var agErr AgilisError
	var msg string
	switch {
	case err == nil:
	case errors.As(err, &agErr):
		msg = agErr.Error()
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := generichttp.HumanPayload{T: types.String, String: msg}
	hp.EncodeAndRespond(w, r)
}

// RT satisfies generichttp.HTTPer
func (h UC8HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}
