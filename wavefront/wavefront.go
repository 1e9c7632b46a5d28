/*Package wavefront provides frame types and masked statistics for
interferometric measurements.

Interferometers do not see every pixel on every shot; fringes wash out,
spots drop below threshold, and the instrument flags those samples
invalid.  Everything in this package carries that validity mask alongside
the data, and Average respects it: a pixel's mean is taken over only the
frames that saw it.  Averaging the raw arrays without the mask would fold
dropout artifacts into the result, which is exactly the failure mode this
package exists to prevent.
*/
package wavefront

import (
	"fmt"
	"math"
)

// Frame is one interferometric measurement: a 2D grid of samples with a
// validity mask of identical shape.  Samples and Valid are 1D slices
// strided by Width, the layout cameras deliver.  Valid[i] == false marks a
// sample that must never enter aggregation.
type Frame struct {
	Width, Height int
	Samples       []float64
	Valid         []bool
}

// New allocates an all-valid frame of the given dimensions
func New(width, height int) Frame {
	n := width * height
	f := Frame{
		Width:   width,
		Height:  height,
		Samples: make([]float64, n),
		Valid:   make([]bool, n)}
	for i := range f.Valid {
		f.Valid[i] = true
	}
	return f
}

// At returns the sample at column x, row y
func (f Frame) At(x, y int) float64 {
	return f.Samples[y*f.Width+x]
}

// ValidAt returns whether the sample at column x, row y is usable
func (f Frame) ValidAt(x, y int) bool {
	return f.Valid[y*f.Width+x]
}

// ShapeMismatchError is generated when frames of different dimensions meet
// in an operation that requires them to agree.  Frames are never silently
// reshaped.
type ShapeMismatchError struct {
	W1, H1, W2, H2 int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("wavefront: shape mismatch, %dx%d vs %dx%d", e.W1, e.H1, e.W2, e.H2)
}

/*Average reduces a sequence of frames to their per-pixel masked mean.

A single frame is returned unchanged.  For multiple frames, every frame
must share dimensions with the first or a *ShapeMismatchError is
returned.  The mean at each pixel is taken over the frames whose mask
marks that pixel valid; the output marks a pixel valid when at least one
input did.  A pixel valid in no frame is invalid in the output and holds
NaN, not a fabricated zero.
*/
func Average(frames []Frame) (Frame, error) {
	if len(frames) == 0 {
		return Frame{}, fmt.Errorf("wavefront: no frames to average")
	}
	first := frames[0]
	if len(frames) == 1 {
		return first, nil
	}
	for _, f := range frames[1:] {
		if f.Width != first.Width || f.Height != first.Height {
			return Frame{}, &ShapeMismatchError{
				W1: first.Width, H1: first.Height,
				W2: f.Width, H2: f.Height}
		}
	}
	n := first.Width * first.Height
	sum := make([]float64, n)
	count := make([]int, n)
	for _, f := range frames {
		for i := 0; i < n; i++ {
			if f.Valid[i] {
				sum[i] += f.Samples[i]
				count[i]++
			}
		}
	}
	out := Frame{
		Width:   first.Width,
		Height:  first.Height,
		Samples: make([]float64, n),
		Valid:   make([]bool, n)}
	for i := 0; i < n; i++ {
		if count[i] > 0 {
			out.Samples[i] = sum[i] / float64(count[i])
			out.Valid[i] = true
		} else {
			out.Samples[i] = math.NaN()
		}
	}
	return out, nil
}
