package phasecam

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

// newMockClient spins up a mock server and a client pointed at it with
// fast timeouts suitable for tests
func newMockClient(t *testing.T, m *MockServer, opts ...Option) *Client {
	t.Helper()
	if err := m.Start("localhost:0"); err != nil {
		t.Fatal("mock would not start:", err)
	}
	t.Cleanup(func() { m.Close() })
	opts = append([]Option{
		WithTimeout(200 * time.Millisecond),
		WithBackoff(5 * time.Millisecond),
		WithScale(1),
	}, opts...)
	c := New(m.Addr(), opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPingAndStatus(t *testing.T) {
	m := NewMockServer(4, 4)
	c := newMockClient(t, m)
	if err := c.Ping(); err != nil {
		t.Fatal("ping errored:", err)
	}
	s, err := c.Status()
	if err != nil {
		t.Fatal("status errored:", err)
	}
	if s != m.Serial {
		t.Errorf("status = %q, want %q", s, m.Serial)
	}
}

func TestGetWavefront(t *testing.T) {
	m := NewMockServer(3, 2)
	m.FrameValue = func(n, idx int) float64 { return 0.5 }
	c := newMockClient(t, m)
	res, err := c.GetWavefront()
	if err != nil {
		t.Fatal("acquisition errored:", err)
	}
	if res.Frames != 1 {
		t.Errorf("frame count = %d, want 1", res.Frames)
	}
	if res.Frame.Width != 3 || res.Frame.Height != 2 {
		t.Errorf("frame is %dx%d, want 3x2", res.Frame.Width, res.Frame.Height)
	}
	for i, v := range res.Frame.Samples {
		if v != 0.5 {
			t.Errorf("sample %d = %v, want 0.5", i, v)
		}
	}
}

func TestGetWavefrontAppliesScale(t *testing.T) {
	m := NewMockServer(2, 2)
	m.FrameValue = func(n, idx int) float64 { return 2.0 }
	if err := m.Start("localhost:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	c := New(m.Addr(), WithTimeout(200*time.Millisecond))
	t.Cleanup(func() { c.Close() })
	res, err := c.GetWavefront()
	if err != nil {
		t.Fatal(err)
	}
	want := 2.0 * HeNe
	if math.Abs(res.Frame.Samples[0]-want) > 1e-18 {
		t.Errorf("sample = %v, want %v (waves scaled to meters)", res.Frame.Samples[0], want)
	}
}

func TestGetBurstRawFrames(t *testing.T) {
	m := NewMockServer(2, 2)
	c := newMockClient(t, m)
	// default generator fills frame n with float64(n)
	results, err := c.GetBurst(context.Background(), 3)
	if err != nil {
		t.Fatal("burst errored:", err)
	}
	if len(results) != 3 {
		t.Fatalf("burst returned %d results, want 3", len(results))
	}
	for n, r := range results {
		if r.Frames != 1 {
			t.Errorf("raw frame %d has count %d, want 1", n, r.Frames)
		}
		if r.Frame.Samples[0] != float64(n) {
			t.Errorf("frame %d sample = %v, want %v", n, r.Frame.Samples[0], float64(n))
		}
	}
}

// the canonical aggregation scenario end to end: F1 all 2.0, F2 all 4.0,
// F3 all 6.0 with a dropped center pixel
func TestGetBurstAverageMasked(t *testing.T) {
	m := NewMockServer(3, 3)
	center := 4
	m.FrameValue = func(n, idx int) float64 {
		v := float64((n + 1) * 2) // 2, 4, 6
		return nanIf(n == 2 && idx == center, v)
	}
	c := newMockClient(t, m)
	res, err := c.GetBurstAverage(context.Background(), 3)
	if err != nil {
		t.Fatal("burst average errored:", err)
	}
	if res.Frames != 3 {
		t.Errorf("frame count = %d, want 3", res.Frames)
	}
	for i, v := range res.Frame.Samples {
		want := 4.0
		if i == center {
			want = 3.0 // mean(2, 4); the third frame dropped this pixel
		}
		if !res.Frame.Valid[i] {
			t.Errorf("pixel %d invalid, want valid", i)
		}
		if math.Abs(v-want) > 1e-12 {
			t.Errorf("pixel %d = %v, want %v", i, v, want)
		}
	}
}

func TestServerSideBurst(t *testing.T) {
	m := NewMockServer(2, 2)
	c := newMockClient(t, m, WithServerBurst())
	results, err := c.GetBurst(context.Background(), 3)
	if err != nil {
		t.Fatal("server-side burst errored:", err)
	}
	if len(results) != 3 {
		t.Fatalf("burst returned %d results, want 3", len(results))
	}
	for n, r := range results {
		if r.Frame.Samples[0] != float64(n) {
			t.Errorf("frame %d sample = %v, want %v", n, r.Frame.Samples[0], float64(n))
		}
	}
	// startBurst + three frame fetches
	if got := m.Requests(); got != 4 {
		t.Errorf("server saw %d requests, want 4", got)
	}
}

func TestRetryRidesOutFlakyServer(t *testing.T) {
	m := NewMockServer(2, 2)
	m.DropFirst = 2 // two dead connections, then behave
	c := newMockClient(t, m, WithMaxAttempts(4))
	if _, err := c.GetWavefront(); err != nil {
		t.Fatal("client did not ride out transient drops:", err)
	}
}

func TestBurstFailurePreservesPartialCount(t *testing.T) {
	m := NewMockServer(2, 2)
	c := newMockClient(t, m, WithMaxAttempts(2))
	// two frames succeed, then the server goes dark for longer than the
	// attempt budget can absorb
	m.mu.Lock()
	m.StallFirst = 0
	m.mu.Unlock()
	go func() {
		// let two snapshots through, then stall everything
		for m.Requests() < 2 {
			time.Sleep(time.Millisecond)
		}
		m.mu.Lock()
		m.StallFirst = 1 << 30
		m.mu.Unlock()
	}()
	_, err := c.GetBurst(context.Background(), 5)
	var ae *AcquisitionError
	if !errors.As(err, &ae) {
		t.Fatalf("failed burst produced %v, want AcquisitionError", err)
	}
	if ae.Partial != 2 {
		t.Errorf("partial count = %d, want 2", ae.Partial)
	}
	var ue *UnreachableError
	if !errors.As(err, &ue) {
		t.Errorf("cause = %v, want UnreachableError", ae.Cause)
	}
}

func TestDeviceErrorSurfaced(t *testing.T) {
	m := NewMockServer(2, 2)
	m.ErrOn = map[string]string{cmdSnapshot: "camera not ready"}
	c := newMockClient(t, m)
	_, err := c.GetWavefront()
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("device fault produced %v, want DeviceError", err)
	}
}

func TestUnreachableServer(t *testing.T) {
	m := NewMockServer(2, 2)
	c := newMockClient(t, m, WithMaxAttempts(1))
	m.Close()
	_, err := c.GetWavefront()
	var ue *UnreachableError
	if !errors.As(err, &ue) {
		t.Errorf("dead server produced %v, want UnreachableError", err)
	}
}

func TestBurstCancellationBetweenFrames(t *testing.T) {
	m := NewMockServer(2, 2)
	c := newMockClient(t, m, WithFrameRate(20))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for m.Requests() < 1 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	_, err := c.GetBurst(ctx, 50)
	var ae *AcquisitionError
	if !errors.As(err, &ae) {
		t.Fatalf("canceled burst produced %v, want AcquisitionError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("cancellation cause was not preserved")
	}
	if ae.Partial >= 50 {
		t.Error("burst ran to completion despite cancellation")
	}
}

func TestFrameCountValidation(t *testing.T) {
	m := NewMockServer(2, 2)
	c := newMockClient(t, m)
	if _, err := c.GetBurst(context.Background(), 0); err == nil {
		t.Error("zero frame burst produced no error")
	}
	if _, err := c.GetBurstAverage(context.Background(), -1); err == nil {
		t.Error("negative frame burst produced no error")
	}
}

func TestConcurrentCallersSerialize(t *testing.T) {
	m := NewMockServer(2, 2)
	// each frame is filled with its acquisition number, so a burst whose
	// frames are not consecutive was interleaved with another caller's
	c := newMockClient(t, m)
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				res, err := c.GetBurst(context.Background(), 3)
				if err != nil {
					t.Error("burst errored:", err)
					return
				}
				base := res[0].Frame.Samples[0]
				for j, r := range res {
					if got := r.Frame.Samples[0]; got != base+float64(j) {
						t.Errorf("frame %d = %v, want %v; bursts interleaved", j, got, base+float64(j))
					}
				}
			}
		}()
	}
	wg.Wait()
	if err := c.Ping(); err != nil {
		t.Error("ping errored after concurrent bursts:", err)
	}
}
