/*Package phasecam provides a client for remote interferometer servers.

The server owns the optics; this client turns "give me the wavefront
averaged over N frames" into the round trips that make it happen, riding
out flaky links with bounded retries and refusing to paper over real
device faults.  One Client binds to one server for its whole life; talking
to a different instrument means making a different Client.  Independent
Clients do not share state and may be used concurrently with each other.

A minimal session:

	cam := phasecam.New("192.168.100.40:29800")
	defer cam.Close()
	res, err := cam.GetWavefront()
	if err != nil {
		// errors are one of *UnreachableError, *DeviceError,
		// *AcquisitionError; transport internals never leak through
	}

Errors surfaced by the Client are the small public set above.  The retry
policy underneath distinguishes transient transport failures, which it
retries with backoff, from protocol and server-reported errors, which it
does not.
*/
package phasecam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/interf/comm"
	"github.jpl.nasa.gov/bdube/interf/proto"
	"github.jpl.nasa.gov/bdube/interf/wavefront"
)

// HeNe is the helium-neon laser wavelength in meters.  Servers report
// surface height in fractions of a wave; multiplying by the wavelength
// yields meters, the convention downstream analysis expects.
const HeNe = 632.8e-9

const (
	// DefaultMaxAttempts is the per-command attempt budget
	DefaultMaxAttempts = 3

	// DefaultTimeout is the per-attempt round trip deadline
	DefaultTimeout = 10 * time.Second

	// DefaultBackoff is the pause between retries
	DefaultBackoff = 250 * time.Millisecond
)

// Result is one delivered measurement: a frame, possibly the average of
// several, and the number of raw frames that went into it
type Result struct {
	Frame wavefront.Frame

	// Frames is the number of raw frames aggregated into Frame; it counts
	// frames that actually arrived and validated, not frames requested
	Frames int
}

// channel is the transport a Client drives; satisfied by *comm.Channel
type channel interface {
	Txn(msg []byte, timeout time.Duration) ([]byte, error)
	State() comm.ConnectionState
	Close() error
}

// Client is an interferometer client bound to one server address.
// Clients must be created with New.  A Client serializes its own commands;
// its methods may be called from multiple goroutines but acquisitions will
// run one at a time.
type Client struct {
	addr string
	ch   channel

	// mu serializes all command traffic.  An acquisition holds it for its
	// whole session; the server session is stateful and interleaved frame
	// requests from two callers would mix frames across acquisitions.
	// jid is guarded by mu.
	mu  sync.Mutex
	jid int

	maxAttempts int
	timeout     time.Duration
	interval    time.Duration
	linear      bool
	serverBurst bool
	limiter     *rate.Limiter
	scale       float64
	log         zerolog.Logger
	serialBaud  int
}

// Option configures a Client at construction
type Option func(*Client)

// WithMaxAttempts sets the per-command attempt budget; n includes the
// first try, so n == 1 disables retries
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithTimeout sets the per-attempt round trip deadline
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBackoff sets the pause between retries
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.interval = d }
}

// WithLinearBackoff makes the retry pause grow linearly per attempt
// instead of staying fixed
func WithLinearBackoff() Option {
	return func(c *Client) { c.linear = true }
}

// WithServerBurst makes multi-frame acquisitions announce the burst to
// the server and collect captured frames by index, instead of issuing one
// snapshot command per frame
func WithServerBurst() Option {
	return func(c *Client) { c.serverBurst = true }
}

// WithFrameRate paces client-driven bursts at fps frames per second.
// Without it, frames are requested as fast as the server answers.
func WithFrameRate(fps float64) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(fps), 1) }
}

// WithScale overrides the sample scale factor, which defaults to HeNe.
// Use 1 to receive samples exactly as the server reports them.
func WithScale(s float64) Option {
	return func(c *Client) { c.scale = s }
}

// WithLogger attaches a logger; the default discards everything
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithSerial connects over a serial port at the given baud rate instead
// of TCP; the address is then a device path like /dev/ttyS4
func WithSerial(baud int) Option {
	return func(c *Client) { c.serialBaud = baud }
}

// New creates a Client bound to the server at addr (host:port, or a
// device path with WithSerial)
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:        addr,
		maxAttempts: DefaultMaxAttempts,
		timeout:     DefaultTimeout,
		interval:    DefaultBackoff,
		scale:       HeNe,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ch == nil {
		var maker comm.CreationFunc
		if c.serialBaud != 0 {
			maker = comm.SerialConnMaker(addr, c.serialBaud)
		} else {
			maker = comm.BackingOffTCPConnMaker(addr, 3*time.Second)
		}
		ch := comm.NewChannel(maker)
		ch.Term = '\n'
		c.ch = ch
	}
	return c
}

// Addr returns the server address the Client is bound to
func (c *Client) Addr() string { return c.addr }

// State returns the transport connection state
func (c *Client) State() comm.ConnectionState { return c.ch.State() }

// Close releases the connection to the server
func (c *Client) Close() error { return c.ch.Close() }

// Ping performs a round trip with no side effects on the instrument
func (c *Client) Ping() error {
	c.mu.Lock()
	_, err := c.execute(proto.Command{Name: cmdTest})
	c.mu.Unlock()
	if err != nil {
		return public(err)
	}
	return nil
}

// Status queries identifying information from the instrument, typically
// model and serial number
func (c *Client) Status() (string, error) {
	c.mu.Lock()
	reply, err := c.execute(proto.Command{Name: cmdStatus})
	c.mu.Unlock()
	if err != nil {
		return "", public(err)
	}
	if len(reply.Payload) < 1 {
		return "", &DeviceError{Cause: fmt.Errorf("status reply carried no payload")}
	}
	s, ok := reply.Payload[0].(string)
	if !ok {
		return "", &DeviceError{Cause: fmt.Errorf("status reply carried %T, want string", reply.Payload[0])}
	}
	return s, nil
}

// GetWavefront acquires a single wavefront measurement
func (c *Client) GetWavefront() (Result, error) {
	frames, err := c.acquire(context.Background(), 1)
	if err != nil {
		return Result{}, singleErr(err)
	}
	return Result{Frame: frames[0], Frames: 1}, nil
}

// GetBurst acquires n raw frames and returns them unaggregated, one
// Result per frame.  ctx cancels between frames; the round trip in
// flight is allowed to resolve first.
func (c *Client) GetBurst(ctx context.Context, n int) ([]Result, error) {
	frames, err := c.acquire(ctx, n)
	if err != nil {
		return nil, burstErr(err)
	}
	out := make([]Result, len(frames))
	for i, f := range frames {
		out[i] = Result{Frame: f, Frames: 1}
	}
	return out, nil
}

// GetBurstAverage acquires n frames and reduces them to their per-pixel
// masked mean.  Pixels the instrument dropped in some frames are averaged
// over the frames that saw them; pixels seen by no frame come back
// invalid rather than fabricated.
func (c *Client) GetBurstAverage(ctx context.Context, n int) (Result, error) {
	frames, err := c.acquire(ctx, n)
	if err != nil {
		return Result{}, burstErr(err)
	}
	avg, err := wavefront.Average(frames)
	if err != nil {
		return Result{}, &DeviceError{Cause: err}
	}
	return Result{Frame: avg, Frames: len(frames)}, nil
}

// singleErr maps a failed single-frame session onto the public taxonomy;
// with no partial data to report, the cause stands alone
func singleErr(err error) error {
	var se *sessionError
	if errors.As(err, &se) {
		return public(se.Cause)
	}
	return public(err)
}

// burstErr maps a failed multi-frame session, preserving the partial count
func burstErr(err error) error {
	var se *sessionError
	if errors.As(err, &se) {
		return &AcquisitionError{Partial: se.Partial, Cause: public(se.Cause)}
	}
	return public(err)
}
