package phasecam

import (
	"bufio"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.jpl.nasa.gov/bdube/interf/proto"
)

// MockServer is a stand-in instrument server speaking the wire protocol
// over TCP.  It serves synthetic frames and can be told to misbehave in
// the ways real servers do: stall past deadlines, drop connections, or
// report device errors.  Used by the test suite and the simulator mode of
// the command line tool.
type MockServer struct {
	// Width and Height are the dimensions of served frames
	Width, Height int

	// FrameValue generates the sample at index idx of frame number n;
	// NaN means invalid.  The default fills frame n with float64(n).
	FrameValue func(n, idx int) float64

	// Serial is returned by the status command
	Serial string

	// StallFirst makes the server sit silent on the first n requests,
	// letting client deadlines elapse
	StallFirst int

	// DropFirst makes the server close the connection on the first n
	// requests without answering
	DropFirst int

	// ErrOn makes the named command always answer with a device error
	ErrOn map[string]string

	ln       net.Listener
	mu       sync.Mutex
	requests int
	frame    int
	wg       sync.WaitGroup
}

// NewMockServer returns a mock serving width x height frames
func NewMockServer(width, height int) *MockServer {
	return &MockServer{
		Width:  width,
		Height: height,
		Serial: "PhaseCam 6110 SN0042",
	}
}

// Start begins listening on addr; pass "localhost:0" to let the OS pick a
// port, then read it back with Addr
func (m *MockServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	m.ln = ln
	m.wg.Add(1)
	go m.serve()
	return nil
}

// Addr returns the address the mock listens on
func (m *MockServer) Addr() string { return m.ln.Addr().String() }

// Close stops the listener
func (m *MockServer) Close() error {
	err := m.ln.Close()
	m.wg.Wait()
	return err
}

// Requests returns how many commands the mock has received
func (m *MockServer) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *MockServer) serve() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		go m.handle(conn)
	}
}

func (m *MockServer) handle(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadBytes('\n')
		if err != nil {
			return
		}
		cmd, jid, err := proto.DecodeCommand(line)
		if err != nil {
			conn.Write(proto.EncodeErrReply(jid, err.Error()))
			continue
		}
		m.mu.Lock()
		m.requests++
		n := m.requests
		drop, stall := m.DropFirst, m.StallFirst
		m.mu.Unlock()
		if n <= drop {
			return
		}
		if n <= stall+drop {
			// hold the socket open and say nothing; the client's
			// deadline will fire long before this does
			time.Sleep(30 * time.Second)
			return
		}
		if detail, ok := m.ErrOn[cmd.Name]; ok {
			conn.Write(proto.EncodeErrReply(jid, detail))
			continue
		}
		conn.Write(m.answer(cmd, jid))
	}
}

func (m *MockServer) answer(cmd proto.Command, jid int) []byte {
	switch cmd.Name {
	case cmdTest:
		b, _ := proto.EncodeReply(jid)
		return b
	case cmdStatus:
		b, _ := proto.EncodeReply(jid, m.Serial)
		return b
	case cmdStartBurst:
		if len(cmd.Args) != 1 {
			return proto.EncodeErrReply(jid, "startBurst takes one integer")
		}
		if _, ok := cmd.Args[0].(int); !ok {
			return proto.EncodeErrReply(jid, "startBurst takes one integer")
		}
		m.mu.Lock()
		m.frame = 0
		m.mu.Unlock()
		b, _ := proto.EncodeReply(jid)
		return b
	case cmdSnapshot:
		m.mu.Lock()
		n := m.frame
		m.frame++
		m.mu.Unlock()
		return m.frameReply(jid, n)
	case cmdGetBurstFrame:
		if len(cmd.Args) != 1 {
			return proto.EncodeErrReply(jid, "getBurstFrame takes one integer")
		}
		i, ok := cmd.Args[0].(int)
		if !ok {
			return proto.EncodeErrReply(jid, "getBurstFrame takes one integer")
		}
		return m.frameReply(jid, i)
	default:
		return proto.EncodeErrReply(jid, fmt.Sprintf("unknown command %s", cmd.Name))
	}
}

func (m *MockServer) frameReply(jid, n int) []byte {
	g := proto.Grid{
		Rows: m.Height,
		Cols: m.Width,
		Data: make([]float64, m.Width*m.Height)}
	gen := m.FrameValue
	if gen == nil {
		gen = func(n, idx int) float64 { return float64(n) }
	}
	for i := range g.Data {
		g.Data[i] = gen(n, i)
	}
	b, err := proto.EncodeReply(jid, g)
	if err != nil {
		return proto.EncodeErrReply(jid, err.Error())
	}
	return b
}

// nanIf is a helper for FrameValue generators: v, or NaN when cond
func nanIf(cond bool, v float64) float64 {
	if cond {
		return math.NaN()
	}
	return v
}
