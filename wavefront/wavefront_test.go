package wavefront

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func frameFilled(w, h int, v float64) Frame {
	f := New(w, h)
	for i := range f.Samples {
		f.Samples[i] = v
	}
	return f
}

func TestAverageIdentity(t *testing.T) {
	f := frameFilled(3, 2, 1.25)
	f.Valid[4] = false
	got, err := Average([]Frame{f})
	if err != nil {
		t.Fatal(err)
	}
	if got.Width != f.Width || got.Height != f.Height {
		t.Fatalf("identity changed shape: %dx%d", got.Width, got.Height)
	}
	for i := range f.Samples {
		if got.Samples[i] != f.Samples[i] || got.Valid[i] != f.Valid[i] {
			t.Errorf("identity changed pixel %d: %v/%v want %v/%v",
				i, got.Samples[i], got.Valid[i], f.Samples[i], f.Valid[i])
		}
	}
}

// the canonical three-frame case: two clean frames and one with a dropped
// center pixel.  the center mean considers only the frames that saw it.
func TestAverageMaskedMean(t *testing.T) {
	f1 := frameFilled(3, 3, 2.0)
	f2 := frameFilled(3, 3, 4.0)
	f3 := frameFilled(3, 3, 6.0)
	center := 4 // (1, 1)
	f3.Valid[center] = false
	got, err := Average([]Frame{f1, f2, f3})
	if err != nil {
		t.Fatal(err)
	}
	for i := range got.Samples {
		want := 4.0
		if i == center {
			want = 3.0 // mean(2, 4); frame 3 did not see it
		}
		if !got.Valid[i] {
			t.Errorf("pixel %d invalid, want valid", i)
		}
		if math.Abs(got.Samples[i]-want) > 1e-12 {
			t.Errorf("pixel %d = %v, want %v", i, got.Samples[i], want)
		}
	}
}

func TestAverageAllInvalidPixel(t *testing.T) {
	f1 := frameFilled(2, 2, 1.0)
	f2 := frameFilled(2, 2, 3.0)
	f1.Valid[0] = false
	f2.Valid[0] = false
	got, err := Average([]Frame{f1, f2})
	if err != nil {
		t.Fatal(err)
	}
	if got.Valid[0] {
		t.Error("pixel seen by no frame marked valid")
	}
	if !math.IsNaN(got.Samples[0]) {
		t.Errorf("pixel seen by no frame holds %v, want NaN", got.Samples[0])
	}
	if !got.Valid[1] || got.Samples[1] != 2.0 {
		t.Errorf("pixel 1 = %v/%v, want 2.0/valid", got.Samples[1], got.Valid[1])
	}
}

func TestAverageOutputMaskUnion(t *testing.T) {
	// a pixel is valid in the output iff at least one input saw it
	f1 := frameFilled(1, 3, 1.0)
	f2 := frameFilled(1, 3, 5.0)
	f1.Valid[0] = false
	f2.Valid[1] = false
	got, err := Average([]Frame{f1, f2})
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		idx   int
		valid bool
		value float64
	}{
		{0, true, 5.0}, // only f2 saw it
		{1, true, 1.0}, // only f1 saw it
		{2, true, 3.0}, // both
	}
	for _, c := range cases {
		if got.Valid[c.idx] != c.valid {
			t.Errorf("pixel %d validity = %v, want %v", c.idx, got.Valid[c.idx], c.valid)
		}
		if got.Samples[c.idx] != c.value {
			t.Errorf("pixel %d = %v, want %v", c.idx, got.Samples[c.idx], c.value)
		}
	}
}

func TestAverageShapeMismatch(t *testing.T) {
	f1 := frameFilled(2, 2, 1.0)
	f2 := frameFilled(3, 2, 1.0)
	_, err := Average([]Frame{f1, f2})
	var sme *ShapeMismatchError
	if !errors.As(err, &sme) {
		t.Fatalf("mismatched shapes produced %v, want ShapeMismatchError", err)
	}
}

func TestAverageEmpty(t *testing.T) {
	_, err := Average(nil)
	if err == nil {
		t.Error("empty input produced no error")
	}
}

func TestWriteFITSSingleFrame(t *testing.T) {
	f := frameFilled(4, 3, 1.5)
	f.Valid[5] = false
	buf := &bytes.Buffer{}
	err := WriteFITS(buf, nil, f)
	if err != nil {
		t.Fatal("fits write errored:", err)
	}
	if buf.Len() == 0 {
		t.Error("fits write produced no bytes")
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("SIMPLE")) {
		t.Error("output does not begin with a FITS header")
	}
}

func TestWriteFITSEmpty(t *testing.T) {
	err := WriteFITS(&bytes.Buffer{}, nil)
	if err == nil {
		t.Error("empty input produced no error")
	}
}

func TestWriteFITSCubeShapeMismatch(t *testing.T) {
	buf := &bytes.Buffer{}
	err := WriteFITS(buf, nil, frameFilled(2, 2, 0), frameFilled(3, 3, 0))
	var sme *ShapeMismatchError
	if !errors.As(err, &sme) {
		t.Errorf("mismatched cube produced %v, want ShapeMismatchError", err)
	}
}
