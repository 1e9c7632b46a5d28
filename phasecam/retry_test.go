package phasecam

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/interf/comm"
	"github.jpl.nasa.gov/bdube/interf/proto"
)

// scriptChannel plays back a canned response per call, repeating the last
// one forever.  Each entry sees the encoded command and answers with
// bytes or an error.
type scriptChannel struct {
	script []func(msg []byte) ([]byte, error)
	calls  int
}

func (s *scriptChannel) Txn(msg []byte, _ time.Duration) ([]byte, error) {
	i := s.calls
	s.calls++
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	return s.script[i](msg)
}

func (s *scriptChannel) State() comm.ConnectionState { return comm.Connected }
func (s *scriptChannel) Close() error                { return nil }

// echoOk answers any command with an empty Ok reply for the same job ID
func echoOk(msg []byte) ([]byte, error) {
	_, jid, err := proto.DecodeCommand(msg)
	if err != nil {
		return nil, err
	}
	return proto.EncodeReply(jid)
}

func timeOut(_ []byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: deadline elapsed", comm.ErrTimeout)
}

func newScripted(script ...func([]byte) ([]byte, error)) (*Client, *scriptChannel) {
	ch := &scriptChannel{script: script}
	c := New("scripted", WithBackoff(time.Millisecond), WithMaxAttempts(3))
	c.ch = ch
	return c, ch
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	c, ch := newScripted(timeOut, timeOut, echoOk)
	_, err := c.execute(proto.Command{Name: cmdTest})
	if err != nil {
		t.Fatal("execute errored despite eventual success:", err)
	}
	if ch.calls != 3 {
		t.Errorf("execute made %d calls, want 3", ch.calls)
	}
}

func TestExecuteExhaustsExactly(t *testing.T) {
	c, ch := newScripted(timeOut)
	_, err := c.execute(proto.Command{Name: cmdTest})
	var ex *exhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("persistent timeouts produced %v, want exhaustedError", err)
	}
	if ch.calls != 3 {
		t.Errorf("execute made %d attempts, want exactly 3", ch.calls)
	}
	if ex.Attempts != 3 {
		t.Errorf("error reports %d attempts, want 3", ex.Attempts)
	}
	if !errors.Is(err, comm.ErrTimeout) {
		t.Error("exhaustion error does not carry the last transport cause")
	}
}

func TestExecuteNoRetryOnServerError(t *testing.T) {
	c, ch := newScripted(func(msg []byte) ([]byte, error) {
		_, jid, _ := proto.DecodeCommand(msg)
		return proto.EncodeErrReply(jid, "reference arm misaligned"), nil
	})
	_, err := c.execute(proto.Command{Name: cmdSnapshot})
	var se *proto.ServerError
	if !errors.As(err, &se) {
		t.Fatalf("server error surfaced as %v, want ServerError", err)
	}
	if ch.calls != 1 {
		t.Errorf("fatal error was retried: %d calls, want 1", ch.calls)
	}
}

func TestExecuteNoRetryOnGarbage(t *testing.T) {
	c, ch := newScripted(func([]byte) ([]byte, error) {
		return []byte("not a protocol message"), nil
	})
	_, err := c.execute(proto.Command{Name: cmdTest})
	var de *proto.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("garbage reply surfaced as %v, want DecodeError", err)
	}
	if ch.calls != 1 {
		t.Errorf("decode failure was retried: %d calls, want 1", ch.calls)
	}
}

func TestExecuteRejectsStaleJobID(t *testing.T) {
	c, _ := newScripted(func(msg []byte) ([]byte, error) {
		_, jid, _ := proto.DecodeCommand(msg)
		return proto.EncodeReply(jid + 500)
	})
	_, err := c.execute(proto.Command{Name: cmdTest})
	var de *proto.DecodeError
	if !errors.As(err, &de) {
		t.Errorf("stale reply surfaced as %v, want DecodeError", err)
	}
}

func TestLinearBackOffRamps(t *testing.T) {
	l := &linearBackOff{interval: 10 * time.Millisecond}
	for i, want := range []time.Duration{10, 20, 30} {
		if got := l.NextBackOff(); got != want*time.Millisecond {
			t.Errorf("step %d = %v, want %v", i, got, want*time.Millisecond)
		}
	}
	l.Reset()
	if got := l.NextBackOff(); got != 10*time.Millisecond {
		t.Errorf("after reset = %v, want 10ms", got)
	}
}
