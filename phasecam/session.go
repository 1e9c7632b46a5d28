package phasecam

import (
	"context"
	"fmt"
	"math"

	"github.jpl.nasa.gov/bdube/interf/proto"
	"github.jpl.nasa.gov/bdube/interf/wavefront"
)

// command vocabulary understood by the servers
const (
	cmdTest          = "test"
	cmdStatus        = "status"
	cmdSnapshot      = "snapshot"
	cmdStartBurst    = "startBurst"
	cmdGetBurstFrame = "getBurstFrame"
)

/*acquire runs one acquisition session for n frames.

Frame requests are strictly sequential; the next request is not issued
until the previous one fully resolves.  The instrument session on the far
side is stateful, and overlapping commands would interleave frames from
what the server considers different acquisitions.

Two burst strategies exist.  The default asks for n snapshots one at a
time, which any server supports.  With server-side bursting enabled, the
session announces the burst up front and then collects the captured
frames by index, which lets the instrument acquire at its native frame
rate instead of the network's.

Cancellation is honored between frames only; a round trip already in
flight runs to completion or timeout.  On any failure the whole session
fails with the count of frames collected so far.  It never returns a
short sequence as if it were the full request.
*/
func (c *Client) acquire(ctx context.Context, n int) ([]wavefront.Frame, error) {
	if n < 1 {
		return nil, fmt.Errorf("phasecam: frame count %d, must be at least 1", n)
	}
	// hold mu for the whole session; see the Client doc comment
	c.mu.Lock()
	defer c.mu.Unlock()
	serverBurst := c.serverBurst && n > 1
	if serverBurst {
		if _, err := c.execute(proto.Command{Name: cmdStartBurst, Args: []interface{}{n}}); err != nil {
			return nil, &sessionError{Cause: err}
		}
	}
	frames := make([]wavefront.Frame, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, &sessionError{Partial: len(frames), Cause: err}
		}
		if c.limiter != nil && i > 0 && !serverBurst {
			// pace client-driven bursts at the configured frame rate
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, &sessionError{Partial: len(frames), Cause: err}
			}
		}
		cmd := proto.Command{Name: cmdSnapshot}
		if serverBurst {
			cmd = proto.Command{Name: cmdGetBurstFrame, Args: []interface{}{i}}
		}
		reply, err := c.execute(cmd)
		if err != nil {
			return nil, &sessionError{Partial: len(frames), Cause: err}
		}
		f, err := c.frameFromReply(reply)
		if err != nil {
			return nil, &sessionError{Partial: len(frames), Cause: err}
		}
		if len(frames) > 0 {
			prev := frames[0]
			if f.Width != prev.Width || f.Height != prev.Height {
				return nil, &sessionError{
					Partial: len(frames),
					Cause: &wavefront.ShapeMismatchError{
						W1: prev.Width, H1: prev.Height,
						W2: f.Width, H2: f.Height}}
			}
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// frameFromReply extracts the single grid a frame reply must carry and
// converts it to a Frame, scaling samples to meters
func (c *Client) frameFromReply(r proto.Reply) (wavefront.Frame, error) {
	if len(r.Payload) != 1 {
		return wavefront.Frame{}, &proto.DecodeError{
			Msg: fmt.Sprintf("frame reply carries %d values, want 1 grid", len(r.Payload))}
	}
	g, ok := r.Payload[0].(proto.Grid)
	if !ok {
		return wavefront.Frame{}, &proto.DecodeError{
			Msg: fmt.Sprintf("frame reply carries %T, want grid", r.Payload[0])}
	}
	f := wavefront.Frame{
		Width:   g.Cols,
		Height:  g.Rows,
		Samples: make([]float64, len(g.Data)),
		Valid:   make([]bool, len(g.Data))}
	for i, v := range g.Data {
		if g.Valid(i) {
			f.Samples[i] = v * c.scale
			f.Valid[i] = true
		} else {
			f.Samples[i] = math.NaN()
		}
	}
	return f, nil
}
