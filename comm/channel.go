package comm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ConnectionState describes the lifecycle of a Channel's link to its remote
type ConnectionState int

const (
	// Disconnected is the state before any round trip has completed
	Disconnected ConnectionState = iota

	// Connected is the state after a successful round trip
	Connected

	// Faulted is the state after a socket-level failure.  A Channel in
	// Faulted will attempt a fresh connection on the next Txn and return
	// to Connected if it succeeds.
	Faulted
)

func (c ConnectionState) String() string {
	switch c {
	case Connected:
		return "connected"
	case Faulted:
		return "faulted"
	default:
		return "disconnected"
	}
}

type deadliner interface {
	SetDeadline(time.Time) error
}

/*Channel is a point-to-point request/response link to one instrument server.

A Channel owns exactly one connection, held in a size-1 Pool so that it is
re-established on demand and dropped when idle.  Txn performs exactly one
round trip; there are no retries at this layer.  Callers must serialize
their own Txn calls per the statefulness of the remote; the Channel enforces
this with an internal mutex so that two goroutines sharing one Channel
cannot interleave messages on the wire.
*/
type Channel struct {
	pool *Pool
	mu   sync.Mutex

	// Term is the message terminator byte, appended to transmissions and
	// scanned for on receipt
	Term byte

	stateMu sync.Mutex
	state   ConnectionState
}

// NewChannel creates a Channel whose connections are made by maker.
// Messages are terminated with linefeeds.
func NewChannel(maker CreationFunc) *Channel {
	return &Channel{
		pool: NewPool(1, time.Minute, maker),
		Term: '\n'}
}

// State returns the current connection state
func (c *Channel) State() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Channel) setState(s ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Close releases the connection held by the Channel, if there is one
func (c *Channel) Close() error {
	c.setState(Disconnected)
	return c.pool.Close()
}

/*Txn performs a single round trip: msg is written to the remote, then the
reply is read up to and including the terminator, which is stripped.  The
entire exchange must complete within timeout.

Failures are classified: elapse of the deadline returns an error matching
ErrTimeout with errors.Is; any socket-level failure returns one matching
ErrConnectionLost.  Either way the underlying connection is discarded,
since a half-finished exchange leaves the stream in an unknowable place.
*/
func (c *Channel) Txn(msg []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.pool.Get()
	if err != nil {
		c.setState(Faulted)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	if d, ok := conn.(deadliner); ok {
		d.SetDeadline(time.Now().Add(timeout))
	}
	resp, err := c.txn(conn, msg)
	if err != nil {
		c.pool.Destroy(conn)
		return nil, c.classify(err)
	}
	c.pool.Put(conn)
	c.setState(Connected)
	return resp, nil
}

func (c *Channel) txn(conn io.ReadWriter, msg []byte) ([]byte, error) {
	if _, err := conn.Write(msg); err != nil {
		return nil, err
	}
	buf, err := bufio.NewReader(conn).ReadBytes(c.Term)
	if err != nil {
		return nil, err
	}
	return buf[:len(buf)-1], nil
}

func (c *Channel) classify(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		// the remote is slow, not gone; no state change
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	c.setState(Faulted)
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}
