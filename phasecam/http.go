package phasecam

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/astrogo/fitsio"
	"github.jpl.nasa.gov/bdube/interf/generichttp"
	"github.jpl.nasa.gov/bdube/interf/imgrec"
	"github.jpl.nasa.gov/bdube/interf/wavefront"
)

// HTTPWrapper exposes a Client over HTTP.  If Rec is non-nil and enabled,
// FITS responses are also written to disk through it.
type HTTPWrapper struct {
	*Client

	// Rec optionally archives FITS payloads as they are served
	Rec *imgrec.Recorder

	// RouteTable maps URLs to methods of this wrapper
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a wrapper around a client with its route table
// populated
func NewHTTPWrapper(c *Client, rec *imgrec.Recorder) HTTPWrapper {
	w := HTTPWrapper{Client: c, Rec: rec}
	rt := generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/ping"}:      w.HTTPPing,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}:    generichttp.GetString(c.Status),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/wavefront"}: w.HTTPWavefront,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/burst"}:    w.HTTPBurst,
	}
	w.RouteTable = rt
	if rec != nil {
		imgrec.NewHTTPWrapper(rec).Inject(w)
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable { return h.RouteTable }

// HTTPPing checks that the instrument server answers and returns 200 OK
func (h HTTPWrapper) HTTPPing(w http.ResponseWriter, r *http.Request) {
	if err := h.Client.Ping(); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPWavefront measures the wavefront and returns it to the caller.
//
// The frames query parameter sets how many raw frames are averaged into
// the result; it defaults to 1.  The fmt query parameter selects json
// (default) or fits output.
func (h HTTPWrapper) HTTPWavefront(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	frames := 1
	if s := q.Get("frames"); s != "" {
		var err error
		frames, err = strconv.Atoi(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if frames < 1 {
			http.Error(w, "frames must be at least 1", http.StatusBadRequest)
			return
		}
	}
	var (
		res Result
		err error
	)
	if frames == 1 {
		res, err = h.Client.GetWavefront()
	} else {
		res, err = h.Client.GetBurstAverage(r.Context(), frames)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	switch q.Get("fmt") {
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(jsonFrame(res)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	case "fits":
		h.respondFITS(w, []fitsio.Card{
			{Name: "nframes", Value: res.Frames, Comment: "frames averaged"},
		}, res.Frame)
	default:
		http.Error(w, "fmt must be json or fits", http.StatusBadRequest)
	}
}

// HTTPBurst acquires a burst of raw frames and returns them as a FITS cube.
// The body is JSON, {"frames": N}.
func (h HTTPWrapper) HTTPBurst(w http.ResponseWriter, r *http.Request) {
	t := struct {
		Frames int `json:"frames"`
	}{}
	err := json.NewDecoder(r.Body).Decode(&t)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	results, err := h.Client.GetBurst(r.Context(), t.Frames)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	frames := make([]wavefront.Frame, len(results))
	for i, res := range results {
		frames[i] = res.Frame
	}
	h.respondFITS(w, []fitsio.Card{
		{Name: "nframes", Value: len(frames), Comment: "frames in cube"},
	}, frames...)
}

// respondFITS streams frames to the response as FITS, teeing through the
// recorder when one is attached and enabled
func (h HTTPWrapper) respondFITS(w http.ResponseWriter, cards []fitsio.Card, frames ...wavefront.Frame) {
	var w2 io.Writer = w
	if h.Rec != nil && h.Rec.Enabled && h.Rec.Root != "" {
		w2 = io.MultiWriter(w, h.Rec)
		defer h.Rec.Incr()
	}
	cards = append(cards, fitsio.Card{Name: "date", Value: time.Now().UTC().Format(time.RFC3339), Comment: "acquisition time"})
	hdr := w.Header()
	hdr.Set("Content-Type", "image/fits")
	hdr.Set("Content-Disposition", "attachment; filename=wavefront.fits")
	if err := wavefront.WriteFITS(w2, cards, frames...); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// framePayload is the JSON shape of a measurement.  JSON has no NaN, so
// invalid samples are zeroed and flagged through the mask instead.
type framePayload struct {
	Width   int       `json:"width"`
	Height  int       `json:"height"`
	Frames  int       `json:"frames"`
	Samples []float64 `json:"samples"`
	Valid   []bool    `json:"valid"`
}

func jsonFrame(res Result) framePayload {
	f := res.Frame
	samples := make([]float64, len(f.Samples))
	valid := make([]bool, len(f.Samples))
	for i := range f.Samples {
		if f.Valid[i] {
			samples[i] = f.Samples[i]
			valid[i] = true
		}
	}
	return framePayload{
		Width:   f.Width,
		Height:  f.Height,
		Frames:  res.Frames,
		Samples: samples,
		Valid:   valid,
	}
}
