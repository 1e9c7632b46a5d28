// Package generichttp defines a small vocabulary for exposing device
// interfaces over HTTP: a route table keyed on method and path, an HTTPer
// that can hand its table over, and typed payload helpers so handlers for
// get-a-float and set-a-bool do not get rewritten per device.
package generichttp

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"sort"

	"github.com/go-chi/chi"
)

// MethodPath is an HTTP method and URL path pair
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps method/path pairs to their handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table, sorted for stable output
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for mp := range rt {
		routes = append(routes, mp.Method+" "+mp.Path)
	}
	sort.Strings(routes)
	return routes
}

// HTTPer is an object which can hand over a route table to be bound
type HTTPer interface {
	RT() RouteTable
}

// Bind attaches an HTTPer's routes to a chi router, plus an endpoints
// route which returns the list of all bound routes as JSON
func Bind(r chi.Router, h HTTPer) {
	rt := h.RT()
	for mp, handler := range rt {
		r.Method(mp.Method, mp.Path, handler)
	}
	r.Get("/endpoints", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rt.Endpoints()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// StrT is a JSON string payload
type StrT struct {
	Str string `json:"str"`
}

// FloatT is a JSON float payload
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a JSON int payload
type IntT struct {
	Int int `json:"int"`
}

// BoolT is a JSON bool payload
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a single typed value to be returned to a human or
// program on the other end of an HTTP exchange
type HumanPayload struct {
	// T indicates which member is populated
	T types.BasicKind

	Bool   bool
	Int    int
	Float  float64
	String string
}

// EncodeAndRespond writes the payload to w as JSON with the conventional
// key for its type
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var err error
	enc := json.NewEncoder(w)
	switch hp.T {
	case types.Bool:
		err = enc.Encode(BoolT{Bool: hp.Bool})
	case types.Int:
		err = enc.Encode(IntT{Int: hp.Int})
	case types.Float64:
		err = enc.Encode(FloatT{F64: hp.Float})
	case types.String:
		err = enc.Encode(StrT{Str: hp.String})
	default:
		err = fmt.Errorf("unknown payload kind %v", hp.T)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetFloat calls a float-getting function and returns the response
// as json {"f64": value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		HumanPayload{T: types.Float64, Float: f}.EncodeAndRespond(w, r)
	}
}

// SetFloat parses a JSON input of {"f64": value} and calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(f.F64); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetInt calls an int-getting function and returns the response
// as json {"int": value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		HumanPayload{T: types.Int, Int: i}.EncodeAndRespond(w, r)
	}
}

// SetInt parses a JSON input of {"int": value} and calls fcn with it
func SetInt(fcn func(int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i := IntT{}
		err := json.NewDecoder(r.Body).Decode(&i)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(i.Int); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response
// as json {"str": value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		HumanPayload{T: types.String, String: s}.EncodeAndRespond(w, r)
	}
}

// SetString parses a JSON input of {"str": value} and calls fcn with it
func SetString(fcn func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := StrT{}
		err := json.NewDecoder(r.Body).Decode(&s)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(s.Str); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {"bool": value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		HumanPayload{T: types.Bool, Bool: b}.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {"bool": value} and calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(b.Bool); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
