// Package generichttp defines interfaces for generic devices
// and an extensible type that wraps them in an HTTP interface
package generichttp

import (
	"encoding/json"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is a struct containing a method and a path
type MethodPath struct {
	Method, Path string
}

// RouteTable maps method+path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints returns the sorted list of "METHOD path" strings in the table
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Strings(routes)
	return routes
}

// Bind adds every route in the table to router
func (rt RouteTable) Bind(router chi.Router) {
	for mp, hndl := range rt {
		router.MethodFunc(mp.Method, mp.Path, hndl)
	}
}

// HTTPer is a type which has a route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize converts a URL "stem" such as "lab/aguc8" into the form chi
// wants to mount a sub router at, "/lab/aguc8"
func SubMuxSanitize(str string) string {
	str = strings.TrimSuffix(strings.TrimSuffix(str, "*"), "/")
	if !strings.HasPrefix(str, "/") {
		str = "/" + str
	}
	return str
}

// HumanPayload is a struct containing the basic types a device may reply with.
// Only the field matching T is encoded.
type HumanPayload struct {
	Bool   bool
	Int    int
	Float  float64
	String string
	T      types.BasicKind
}

// EncodeAndRespond writes the payload as json, e.g. {"int": 5}
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var body interface{}
	switch hp.T {
	case types.Bool:
		body = BoolT{Bool: hp.Bool}
	case types.Int:
		body = IntT{Int: hp.Int}
	case types.Float64:
		body = FloatT{F64: hp.Float}
	case types.String:
		body = StrT{Str: hp.String}
	default:
		http.Error(w, "unsupported payload type", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

// BoolT is a struct with a single Bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// IntT is a struct with a single Int field
type IntT struct {
	Int int `json:"int"`
}

// FloatT is a struct with a single F64 field
type FloatT struct {
	F64 float64 `json:"f64"`
}

// StrT is a struct with a single Str field
type StrT struct {
	Str string `json:"str"`
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}
