/*Package proto implements the wire protocol spoken by interferometer servers.

Messages are pipe-delimited text, one message per line:

	Start|007|snapshot|crc\r\n
	Answer|007|Ok|g:2;2;1.5,NaN,2.5,3.5|crc\r\n

A command opens with the literal "Start", a three digit job ID, the command
name, then zero or more typed arguments.  A reply opens with "Answer", the
job ID it answers, a status of Ok or Err, then the payload (typed values
for Ok, a detail message for Err).  The final field of every message is a
CRC-16/XMODEM of everything before it, as four hex digits; frames are long
and a truncated grid must not decode quietly.

Values carry a one-letter type prefix: s (string), i (integer), f (float),
b (bool), g (grid).  A grid is rows;cols;samples, row-major and comma
separated, optionally followed by ;mask with one 0/1 per sample.  When the
mask channel is absent, NaN samples mark invalid pixels, which is how the
instruments themselves flag dropout.

Encoding and decoding are total and deterministic for the supported types.
Anything else is an error, never a guess: an unknown status or a bad CRC is
a DecodeError, an unsupported argument type is an EncodeError.
*/
package proto

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/snksoft/crc"
)

const (
	// MaxMessageLength bounds an encoded command; servers reject anything
	// longer so there is no point sending it
	MaxMessageLength = 4096

	headCommand = "Start"
	headReply   = "Answer"

	statusOk  = "Ok"
	statusErr = "Err"

	sep  = "|"
	term = "\r\n"
)

var crcTable = crc.NewTable(crc.XMODEM)

// Command is a named instruction with typed arguments
type Command struct {
	Name string
	Args []interface{}
}

// Reply is a decoded server response
type Reply struct {
	// JID is the job ID of the command being answered
	JID int

	// Payload holds the typed values of an Ok reply
	Payload []interface{}
}

// Grid is a 2D array of samples with an optional validity mask.  Data is
// row-major with len == Rows*Cols.  If Mask is non-nil it has the same
// length and false marks an invalid sample; if it is nil, NaN samples are
// the invalid ones.
type Grid struct {
	Rows, Cols int
	Data       []float64
	Mask       []bool
}

// EncodeError is generated when a command cannot be serialized
type EncodeError struct {
	Cmd string
	Msg string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("proto: cannot encode %s: %s", e.Cmd, e.Msg)
}

// DecodeError is generated when an incoming message is malformed
type DecodeError struct {
	Msg string
}

func (e *DecodeError) Error() string {
	return "proto: malformed message: " + e.Msg
}

// ServerError is a logical error reported by the server in an Err reply.
// It indicates a real fault on the instrument side, not a transport
// problem, and must not be retried.
type ServerError struct {
	Detail string
}

func (e *ServerError) Error() string {
	return "proto: server reported error: " + e.Detail
}

func crcField(fields []string) string {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, []byte(strings.Join(fields, sep)))
	return fmt.Sprintf("%04X", crcTable.CRC16(c))
}

func seal(fields []string) []byte {
	fields = append(fields, crcField(fields))
	return []byte(strings.Join(fields, sep) + term)
}

// open strips the terminator, splits the message and verifies the CRC
// trailer, returning the fields before it
func open(msg []byte) ([]string, error) {
	s := string(msg)
	s = strings.TrimSuffix(s, term)
	s = strings.TrimSuffix(s, "\n") // transport may have eaten the linefeed
	s = strings.TrimSuffix(s, "\r")
	fields := strings.Split(s, sep)
	if len(fields) < 2 {
		return nil, &DecodeError{Msg: "too few fields"}
	}
	last := len(fields) - 1
	if got, want := fields[last], crcField(fields[:last]); got != want {
		return nil, &DecodeError{Msg: fmt.Sprintf("CRC mismatch, got %s want %s; data lost in transmission", got, want)}
	}
	return fields[:last], nil
}

// EncodeCommand serializes cmd with the given job ID
func EncodeCommand(cmd Command, jid int) ([]byte, error) {
	if cmd.Name == "" || strings.ContainsAny(cmd.Name, sep+"\r\n") {
		return nil, &EncodeError{Cmd: cmd.Name, Msg: "invalid command name"}
	}
	fields := []string{headCommand, fmt.Sprintf("%03d", jid%1000), cmd.Name}
	for _, arg := range cmd.Args {
		s, err := encodeValue(arg)
		if err != nil {
			return nil, &EncodeError{Cmd: cmd.Name, Msg: err.Error()}
		}
		fields = append(fields, s)
	}
	out := seal(fields)
	if len(out) > MaxMessageLength {
		return nil, &EncodeError{Cmd: cmd.Name, Msg: fmt.Sprintf("encoded length %d exceeds maximum %d", len(out), MaxMessageLength)}
	}
	return out, nil
}

// DecodeCommand parses an encoded command; it is the server half of
// EncodeCommand and exists for mock and simulator use
func DecodeCommand(msg []byte) (Command, int, error) {
	fields, err := open(msg)
	if err != nil {
		return Command{}, 0, err
	}
	if len(fields) < 3 || fields[0] != headCommand {
		return Command{}, 0, &DecodeError{Msg: "not a command"}
	}
	jid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Command{}, 0, &DecodeError{Msg: "bad job ID " + fields[1]}
	}
	cmd := Command{Name: fields[2]}
	for _, f := range fields[3:] {
		v, err := decodeValue(f)
		if err != nil {
			return Command{}, 0, err
		}
		cmd.Args = append(cmd.Args, v)
	}
	return cmd, jid, nil
}

// EncodeReply serializes an Ok reply carrying the given payload values
func EncodeReply(jid int, payload ...interface{}) ([]byte, error) {
	fields := []string{headReply, fmt.Sprintf("%03d", jid%1000), statusOk}
	for _, v := range payload {
		s, err := encodeValue(v)
		if err != nil {
			return nil, &EncodeError{Cmd: "reply", Msg: err.Error()}
		}
		fields = append(fields, s)
	}
	return seal(fields), nil
}

// EncodeErrReply serializes an Err reply carrying a detail message
func EncodeErrReply(jid int, detail string) []byte {
	detail = strings.ReplaceAll(detail, sep, "/")
	return seal([]string{headReply, fmt.Sprintf("%03d", jid%1000), statusErr, detail})
}

/*DecodeReply parses a server response.

An Err status is returned as a *ServerError: the message itself was well
formed, the instrument is telling us something went wrong on its side.  An
unrecognized status is a *DecodeError; it is never coerced to Ok or Err.
*/
func DecodeReply(msg []byte) (Reply, error) {
	fields, err := open(msg)
	if err != nil {
		return Reply{}, err
	}
	if len(fields) < 3 || fields[0] != headReply {
		return Reply{}, &DecodeError{Msg: "not a reply"}
	}
	jid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Reply{}, &DecodeError{Msg: "bad job ID " + fields[1]}
	}
	switch fields[2] {
	case statusOk:
		r := Reply{JID: jid}
		for _, f := range fields[3:] {
			v, err := decodeValue(f)
			if err != nil {
				return Reply{}, err
			}
			r.Payload = append(r.Payload, v)
		}
		return r, nil
	case statusErr:
		return Reply{}, &ServerError{Detail: strings.Join(fields[3:], " ")}
	default:
		return Reply{}, &DecodeError{Msg: "unrecognized status " + fields[2]}
	}
}

func encodeValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		if strings.ContainsAny(t, sep+"\r\n") {
			return "", fmt.Errorf("string %q contains reserved characters", t)
		}
		return "s:" + t, nil
	case int:
		return "i:" + strconv.Itoa(t), nil
	case float64:
		return "f:" + strconv.FormatFloat(t, 'g', -1, 64), nil
	case bool:
		return "b:" + strconv.FormatBool(t), nil
	case Grid:
		return encodeGrid(t)
	default:
		return "", fmt.Errorf("unsupported argument type %T", v)
	}
}

func decodeValue(f string) (interface{}, error) {
	if len(f) < 2 || f[1] != ':' {
		return nil, &DecodeError{Msg: "untyped value " + f}
	}
	body := f[2:]
	switch f[0] {
	case 's':
		return body, nil
	case 'i':
		i, err := strconv.Atoi(body)
		if err != nil {
			return nil, &DecodeError{Msg: "bad integer " + body}
		}
		return i, nil
	case 'f':
		fl, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return nil, &DecodeError{Msg: "bad float " + body}
		}
		return fl, nil
	case 'b':
		b, err := strconv.ParseBool(body)
		if err != nil {
			return nil, &DecodeError{Msg: "bad bool " + body}
		}
		return b, nil
	case 'g':
		return decodeGrid(body)
	default:
		return nil, &DecodeError{Msg: "unknown value type " + string(f[0])}
	}
}

func encodeGrid(g Grid) (string, error) {
	n := g.Rows * g.Cols
	if g.Rows < 1 || g.Cols < 1 || len(g.Data) != n {
		return "", fmt.Errorf("grid dimensions %dx%d do not match %d samples", g.Rows, g.Cols, len(g.Data))
	}
	if g.Mask != nil && len(g.Mask) != n {
		return "", fmt.Errorf("grid mask length %d does not match %d samples", len(g.Mask), n)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "g:%d;%d;", g.Rows, g.Cols)
	for i, v := range g.Data {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	if g.Mask != nil {
		b.WriteByte(';')
		for _, m := range g.Mask {
			if m {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		}
	}
	return b.String(), nil
}

func decodeGrid(body string) (Grid, error) {
	parts := strings.Split(body, ";")
	if len(parts) != 3 && len(parts) != 4 {
		return Grid{}, &DecodeError{Msg: "grid needs rows;cols;samples[;mask]"}
	}
	rows, err := strconv.Atoi(parts[0])
	if err != nil || rows < 1 {
		return Grid{}, &DecodeError{Msg: "bad grid row count " + parts[0]}
	}
	cols, err := strconv.Atoi(parts[1])
	if err != nil || cols < 1 {
		return Grid{}, &DecodeError{Msg: "bad grid col count " + parts[1]}
	}
	n := rows * cols
	samples := strings.Split(parts[2], ",")
	if len(samples) != n {
		return Grid{}, &DecodeError{Msg: fmt.Sprintf("grid says %dx%d but carries %d samples", rows, cols, len(samples))}
	}
	g := Grid{Rows: rows, Cols: cols, Data: make([]float64, n)}
	for i, s := range samples {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Grid{}, &DecodeError{Msg: "bad grid sample " + s}
		}
		g.Data[i] = v
	}
	if len(parts) == 4 {
		if len(parts[3]) != n {
			return Grid{}, &DecodeError{Msg: fmt.Sprintf("grid mask carries %d entries, want %d", len(parts[3]), n)}
		}
		g.Mask = make([]bool, n)
		for i := 0; i < n; i++ {
			switch parts[3][i] {
			case '1':
				g.Mask[i] = true
			case '0':
				g.Mask[i] = false
			default:
				return Grid{}, &DecodeError{Msg: "bad grid mask byte " + string(parts[3][i])}
			}
		}
	}
	return g, nil
}

// Valid reports whether sample i of g is usable
func (g Grid) Valid(i int) bool {
	if g.Mask != nil {
		return g.Mask[i]
	}
	return !math.IsNaN(g.Data[i])
}
