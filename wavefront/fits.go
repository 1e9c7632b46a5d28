package wavefront

import (
	"fmt"
	"io"
	"math"

	"github.com/astrogo/fitsio"
)

// WriteFITS streams frames to w as a FITS image, a cube when there is more
// than one frame.  Data is 64-bit float; invalid samples are written as
// NaN, the convention phase measurement tools already understand.
func WriteFITS(w io.Writer, metadata []fitsio.Card, frames ...Frame) error {
	if len(frames) == 0 {
		return fmt.Errorf("wavefront: no frames to write")
	}
	f0 := frames[0]
	for _, f := range frames[1:] {
		if f.Width != f0.Width || f.Height != f0.Height {
			return &ShapeMismatchError{
				W1: f0.Width, H1: f0.Height,
				W2: f.Width, H2: f.Height}
		}
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{f0.Width, f0.Height}
	if len(frames) > 1 {
		dims = append(dims, len(frames))
	}
	im := fitsio.NewImage(-64, dims)
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	buf := make([]float64, f0.Width*f0.Height*len(frames))
	offset := 0
	for _, f := range frames {
		for i, v := range f.Samples {
			if f.Valid[i] {
				buf[offset+i] = v
			} else {
				buf[offset+i] = math.NaN()
			}
		}
		offset += len(f.Samples)
	}
	err = im.Write(buf)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
