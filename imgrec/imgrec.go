// Package imgrec contains a recorder used to automatically save wavefront
// data to disk as FITS files.
package imgrec

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.jpl.nasa.gov/bdube/interf/generichttp"
)

// Recorder writes FITS files with incrementing filenames into yyyy-mm-dd
// subfolders of Root.  It is not safe for concurrent use.
type Recorder struct {
	// counter feeds the incrementing part of the filename
	counter int

	// Root is the folder all dated subfolders live under
	Root string

	// Prefix is prepended to each filename
	Prefix string

	// dateFldr is the yyyy-mm-dd subfolder currently in use
	dateFldr string

	// Enabled lets consumers skip recording without tearing the recorder down
	Enabled bool
}

func (r *Recorder) updateFolder() {
	now := time.Now()
	r.dateFldr = fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day())
}

func (r *Recorder) mkDir() (string, error) {
	fldr := path.Join(r.Root, r.dateFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Write implements io.Writer and appends p to the current FITS file on disk
func (r *Recorder) Write(p []byte) (n int, err error) {
	r.updateFolder()
	fldr, err := r.mkDir()
	if err != nil {
		return 0, err
	}
	fn := path.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	fid, err := os.OpenFile(fn, os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		if !os.IsNotExist(err) {
			return 0, err
		}
		fid, err = os.Create(fn)
		if err != nil {
			return 0, err
		}
	}
	defer fid.Close()
	return fid.Write(p)
}

// Incr advances the filename counter past the highest numbered file already
// in the folder.  If the folder cannot be scanned the counter is unchanged.
func (r *Recorder) Incr() {
	dn, _ := r.mkDir()
	entries, err := os.ReadDir(dn)
	if err != nil {
		return
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fn := entry.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		num := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		n, err := strconv.Atoi(num)
		if err != nil {
			return
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
}

// HTTPWrapper exposes a recorder's folder, prefix, and enable switch over
// HTTP.  It does not implement generichttp.HTTPer itself; Inject adds its
// routes to another HTTPer's table.
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

func (h HTTPWrapper) setRoot(root string) error {
	h.Recorder.Root = root
	h.Recorder.updateFolder()
	_, err := h.Recorder.mkDir()
	return err
}

func (h HTTPWrapper) setPrefix(prefix string) error {
	h.Recorder.Prefix = prefix
	h.Recorder.counter = 0
	return nil
}

// Inject adds GET and POST routes under /autowrite to the HTTPer which
// manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = generichttp.SetString(h.setRoot)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = generichttp.GetString(func() (string, error) { return h.Recorder.Root, nil })
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = generichttp.SetString(h.setPrefix)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = generichttp.GetString(func() (string, error) { return h.Recorder.Prefix, nil })
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = generichttp.SetBool(func(b bool) error { h.Recorder.Enabled = b; return nil })
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = generichttp.GetBool(func() (bool, error) { return h.Recorder.Enabled, nil })
}
