package phasecam

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.jpl.nasa.gov/bdube/interf/proto"
)

// linearBackOff waits interval, then 2*interval, and so on.  backoff
// ships constant and exponential strategies; instrument servers that are
// merely busy respond well to a gentler ramp than doubling.
type linearBackOff struct {
	interval time.Duration
	n        int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return time.Duration(l.n) * l.interval
}

func (l *linearBackOff) Reset() { l.n = 0 }

/*execute performs one command with bounded retries.

Transient transport failures (timeout, lost connection) are retried up to
the client's attempt budget with the configured backoff between tries.
Protocol failures and server-reported errors are escalated immediately;
they describe a malformed request or a real device fault, and repeating
the question will not change the answer.  When the budget runs out the
returned error is an *exhaustedError carrying the final transport cause.
*/
func (c *Client) execute(cmd proto.Command) (proto.Reply, error) {
	var (
		reply    proto.Reply
		attempts int
	)
	op := func() error {
		attempts++
		r, err := c.roundTrip(cmd)
		if err != nil {
			if fatal(err) {
				return backoff.Permanent(err)
			}
			c.log.Debug().
				Str("cmd", cmd.Name).
				Int("attempt", attempts).
				Err(err).
				Msg("transient failure, will retry")
			return err
		}
		reply = r
		return nil
	}
	var b backoff.BackOff
	if c.linear {
		b = &linearBackOff{interval: c.interval}
	} else {
		b = backoff.NewConstantBackOff(c.interval)
	}
	if c.maxAttempts > 1 {
		b = backoff.WithMaxRetries(b, uint64(c.maxAttempts-1))
	} else {
		// WithMaxRetries treats 0 as unlimited; a budget of one attempt
		// means no retries at all
		b = &backoff.StopBackOff{}
	}
	err := backoff.Retry(op, b)
	if err == nil {
		return reply, nil
	}
	if fatal(err) {
		return proto.Reply{}, err
	}
	return proto.Reply{}, &exhaustedError{Attempts: attempts, Cause: err}
}

// roundTrip encodes cmd, performs one transaction on the channel, and
// decodes the response.  Job IDs increment per command, matching what the
// instruments expect.
func (c *Client) roundTrip(cmd proto.Command) (proto.Reply, error) {
	c.jid++
	msg, err := proto.EncodeCommand(cmd, c.jid)
	if err != nil {
		return proto.Reply{}, err
	}
	resp, err := c.ch.Txn(msg, c.timeout)
	if err != nil {
		return proto.Reply{}, err
	}
	reply, err := proto.DecodeReply(resp)
	if err != nil {
		return proto.Reply{}, err
	}
	// a stale reply would splice a frame from some earlier exchange into
	// this one; treat it as the protocol violation it is
	if reply.JID != c.jid%1000 {
		return proto.Reply{}, &proto.DecodeError{
			Msg: fmt.Sprintf("reply answers job %03d, expected %03d", reply.JID, c.jid%1000)}
	}
	return reply, nil
}
