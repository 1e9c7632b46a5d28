/*Package comm provides connection plumbing for remote instrument servers.

Most usages of this package boil down to:
 1. pick a conn maker (BackingOffTCPConnMaker for networked instruments,
    SerialConnMaker for RS232 ones)
 2. wrap it in a Channel, which owns a single pooled connection and
    performs one request/response round trip per Txn call
 3. write whatever higher-level methods you see fit on top of Txn

Transport failures from Txn are classified into two kinds, ErrTimeout and
ErrConnectionLost, checkable with errors.Is.  The distinction matters to
retry layers: a timeout or a lost connection may be transient, anything
else is not this package's business.
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrTimeout is generated when the remote does not reply within the
	// allotted time for a single round trip
	ErrTimeout = errors.New("comm: timeout awaiting reply from remote")

	// ErrConnectionLost is generated on socket-level failure; resets,
	// refusals, DNS errors and the like
	ErrConnectionLost = errors.New("comm: connection to remote lost")

	// ErrNotConnected is generated when a Channel is used after Close
	ErrNotConnected = errors.New("comm: not connected to remote")
)

// CreationFunc is a function which returns a new "connection" to something.
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// TCPSetup opens a new TCP connection and sets a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr with an
// exponential backoff.  Some instrument servers do not like being
// connection thrashed, and a freshly booted one may take a moment to
// begin listening.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			if err != nil {
				errS := strings.ToLower(err.Error())
				if strings.Contains(errS, "refused") {
					// server not up yet, worth waiting for
					return err
				}
				return backoff.Permanent(err)
			}
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, fmt.Errorf("connection to %s could not be established: %w", addr, err)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens the serial port at
// dev with the given baud rate, 8N1 framing
func SerialConnMaker(dev string, baud int) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{
			Name:        dev,
			Baud:        baud,
			ReadTimeout: time.Second})
	}
}
