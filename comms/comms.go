// Package comms implements the packet protocol spoken by tests over the
// inherited socket and the dump format of the per-job comms file.
package comms

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// Canary precedes every packet, both on the socket and in the comms dump.
const Canary uint32 = 0x44555452

const (
	canarySize = 4
	headerSize = 8
	// MaxPacketSize bounds a single datagram.
	MaxPacketSize = 64 * 1024
)

// EnvSocketFD names the environment variable carrying the socket fd number.
const EnvSocketFD = "DUTRUN_SOCKET_FD"

var (
	ErrShort      = errors.New("comms: short packet")
	ErrBadCanary  = errors.New("comms: bad canary")
	ErrBadSize    = errors.New("comms: bad packet size")
	ErrMalformed  = errors.New("comms: malformed packet body")
	ErrUnknownPkt = errors.New("comms: unknown packet type")
)

type PacketType uint32

const (
	PacketLog PacketType = iota + 1
	PacketExecArgs
	PacketExit
	PacketSubtestStart
	PacketSubtestResult
	PacketDynamicSubtestStart
	PacketDynamicSubtestResult
	PacketVersionString
	PacketResultOverride
)

var packetTypeNames = map[PacketType]string{
	PacketLog:                  "log",
	PacketExecArgs:             "exec-args",
	PacketExit:                 "exit",
	PacketSubtestStart:         "subtest-start",
	PacketSubtestResult:        "subtest-result",
	PacketDynamicSubtestStart:  "dynamic-subtest-start",
	PacketDynamicSubtestResult: "dynamic-subtest-result",
	PacketVersionString:        "version-string",
	PacketResultOverride:       "result-override",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// Log streams.
const (
	StreamStdout uint8 = 1
	StreamStderr uint8 = 2
)

// Packet is a decoded runner packet. Which fields are meaningful depends on Type:
//
//	log                     Stream, Text
//	exec-args               Text (shell quoted command line)
//	exit                    ExitCode, TimeUsed
//	subtest-start           Name
//	subtest-result          Name, Result, TimeUsed, Reason
//	dynamic-subtest-start   Name
//	dynamic-subtest-result  Name, Result, TimeUsed, Reason
//	version-string          Text
//	result-override         Result
type Packet struct {
	Type     PacketType
	Stream   uint8
	Text     string
	Name     string
	Result   string
	TimeUsed string
	Reason   string
	ExitCode int32
}

func NewLog(stream uint8, text string) Packet {
	return Packet{Type: PacketLog, Stream: stream, Text: text}
}

// NewExecArgs records the argument vector used to launch a test.
func NewExecArgs(argv []string) Packet {
	return Packet{Type: PacketExecArgs, Text: shellescape.QuoteCommand(argv)}
}

func NewExit(code int32, timeUsed string) Packet {
	return Packet{Type: PacketExit, ExitCode: code, TimeUsed: timeUsed}
}

func NewResultOverride(result string) Packet {
	return Packet{Type: PacketResultOverride, Result: result}
}

func NewSubtestStart(name string) Packet {
	return Packet{Type: PacketSubtestStart, Name: name}
}

func NewSubtestResult(name, result, timeUsed, reason string) Packet {
	return Packet{Type: PacketSubtestResult, Name: name, Result: result, TimeUsed: timeUsed, Reason: reason}
}

func NewDynamicSubtestStart(name string) Packet {
	return Packet{Type: PacketDynamicSubtestStart, Name: name}
}

func NewDynamicSubtestResult(name, result, timeUsed, reason string) Packet {
	return Packet{Type: PacketDynamicSubtestResult, Name: name, Result: result, TimeUsed: timeUsed, Reason: reason}
}

// Encode serializes p including its leading canary.
func Encode(p Packet) ([]byte, error) {
	// Strings travel NUL terminated.
	for _, s := range []string{p.Text, p.Name, p.Result, p.TimeUsed, p.Reason} {
		if strings.IndexByte(s, 0) >= 0 {
			return nil, fmt.Errorf("%w: %v carries an embedded NUL", ErrMalformed, p.Type)
		}
	}

	var body bytes.Buffer
	switch p.Type {
	case PacketLog:
		body.WriteByte(p.Stream)
		putString(&body, p.Text)
	case PacketExecArgs, PacketVersionString:
		putString(&body, p.Text)
	case PacketExit:
		_ = binary.Write(&body, binary.LittleEndian, p.ExitCode)
		putString(&body, p.TimeUsed)
	case PacketSubtestStart, PacketDynamicSubtestStart:
		putString(&body, p.Name)
	case PacketSubtestResult, PacketDynamicSubtestResult:
		putString(&body, p.Name)
		putString(&body, p.Result)
		putString(&body, p.TimeUsed)
		putString(&body, p.Reason)
	case PacketResultOverride:
		putString(&body, p.Result)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownPkt, p.Type)
	}

	size := headerSize + body.Len()
	if size > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadSize, size)
	}
	buf := make([]byte, canarySize+headerSize, canarySize+size)
	binary.LittleEndian.PutUint32(buf[0:], Canary)
	binary.LittleEndian.PutUint32(buf[4:], uint32(size))
	binary.LittleEndian.PutUint32(buf[8:], uint32(p.Type))
	return append(buf, body.Bytes()...), nil
}

// Decode parses the packet at the start of buf. It returns the number of bytes
// consumed; on error nothing is consumed.
func Decode(buf []byte) (Packet, int, error) {
	if len(buf) < canarySize {
		return Packet{}, 0, ErrShort
	}
	if c := binary.LittleEndian.Uint32(buf); c != Canary {
		return Packet{}, 0, fmt.Errorf("%w: 0x%08x", ErrBadCanary, c)
	}
	if len(buf) < canarySize+headerSize {
		return Packet{}, 0, ErrShort
	}
	size := int(binary.LittleEndian.Uint32(buf[4:]))
	if size < headerSize || size > MaxPacketSize || canarySize+size > len(buf) {
		return Packet{}, 0, fmt.Errorf("%w: %d", ErrBadSize, size)
	}

	p := Packet{Type: PacketType(binary.LittleEndian.Uint32(buf[8:]))}
	r := &reader{buf: buf[canarySize+headerSize : canarySize+size]}
	switch p.Type {
	case PacketLog:
		p.Stream = r.byte()
		p.Text = r.string()
	case PacketExecArgs, PacketVersionString:
		p.Text = r.string()
	case PacketExit:
		p.ExitCode = r.int32()
		p.TimeUsed = r.string()
	case PacketSubtestStart, PacketDynamicSubtestStart:
		p.Name = r.string()
	case PacketSubtestResult, PacketDynamicSubtestResult:
		p.Name = r.string()
		p.Result = r.string()
		p.TimeUsed = r.string()
		p.Reason = r.string()
	case PacketResultOverride:
		p.Result = r.string()
	default:
		return Packet{}, 0, fmt.Errorf("%w: %v", ErrUnknownPkt, p.Type)
	}
	if r.err != nil {
		return Packet{}, 0, fmt.Errorf("%w: %v: %v", ErrMalformed, p.Type, r.err)
	}
	if len(r.buf) != 0 {
		return Packet{}, 0, fmt.Errorf("%w: %v has %d trailing bytes", ErrMalformed, p.Type, len(r.buf))
	}
	return p, canarySize + size, nil
}

// DecodeAll decodes consecutive packets, as found in a comms dump. The packets
// decoded before a failure are returned together with the error.
func DecodeAll(buf []byte) ([]Packet, error) {
	var packets []Packet
	for len(buf) > 0 {
		p, n, err := Decode(buf)
		if err != nil {
			return packets, err
		}
		packets = append(packets, p)
		buf = buf[n:]
	}
	return packets, nil
}

// DumpWithCanary appends p to the comms dump f.
func DumpWithCanary(f *os.File, p Packet, sync bool) error {
	data, err := Encode(p)
	if err != nil {
		return err
	}
	return DumpRaw(f, data, sync)
}

// DumpRaw appends an already encoded packet, canary included.
func DumpRaw(f *os.File, data []byte, sync bool) error {
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing comms dump: %w", err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("syncing comms dump: %w", err)
		}
	}
	return nil
}

func putString(b *bytes.Buffer, s string) {
	b.WriteString(s)
	b.WriteByte(0)
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) byte() uint8 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 1 {
		r.err = ErrShort
		return 0
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v
}

func (r *reader) int32() int32 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 4 {
		r.err = ErrShort
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.buf))
	r.buf = r.buf[4:]
	return v
}

func (r *reader) string() string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.buf, 0)
	if i < 0 {
		r.err = errors.New("unterminated string")
		return ""
	}
	s := string(r.buf[:i])
	r.buf = r.buf[i+1:]
	return s
}
