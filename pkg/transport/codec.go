// Package transport carries sync object requests between clients and the
// server over a stream socket.
//
// A frame is a little-endian u32 payload length followed by the payload.
// Request payloads start with an opcode byte, reply payloads with a status
// byte. Strings are a u16 length followed by the bytes.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmsync/pkg/namespace"
	"github.com/srediag/shmsync/pkg/syncobj"
)

// Opcode selects the request.
type Opcode uint8

const (
	OpCreate Opcode = iota + 1
	OpOpen
	OpGetSlot
	OpClose
)

func (op Opcode) String() string {
	switch op {
	case OpCreate:
		return "CreateSyncObject"
	case OpOpen:
		return "OpenSyncObject"
	case OpGetSlot:
		return "GetSlotIndex"
	case OpClose:
		return "CloseHandle"
	}
	return fmt.Sprintf("opcode(%d)", uint8(op))
}

// MaxFrame bounds a frame payload.
const MaxFrame = 4096

var (
	// ErrMalformed is returned for a well framed payload that does not decode.
	// The stream is still in sync after it.
	ErrMalformed = errors.New("transport: malformed payload")
	// ErrFrameTooLarge is returned for a length prefix over MaxFrame.
	ErrFrameTooLarge = errors.New("transport: frame too large")
)

// Request is one decoded request. Fields not carried by Op are zero.
type Request struct {
	Op     Opcode
	Name   string
	Access uint32
	Kind   syncobj.Kind
	Low    int32
	High   int32
	Handle namespace.Handle
}

// Reply is one decoded reply. Only Status is meaningful unless it is StatusOK.
type Reply struct {
	Status  Status
	Handle  namespace.Handle
	Slot    uint32
	Kind    syncobj.Kind
	Created bool
}

// WriteRequest encodes req as one frame on w.
func WriteRequest(w io.Writer, req Request) error {
	if len(req.Name) > namespace.MaxNameLen {
		return namespace.ErrNameTooLong
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.B = append(buf.B, 0, 0, 0, 0, byte(req.Op))
	switch req.Op {
	case OpCreate:
		buf.B = appendString(buf.B, req.Name)
		buf.B = binary.LittleEndian.AppendUint32(buf.B, req.Access)
		buf.B = append(buf.B, byte(req.Kind))
		buf.B = binary.LittleEndian.AppendUint32(buf.B, uint32(req.Low))
		buf.B = binary.LittleEndian.AppendUint32(buf.B, uint32(req.High))
	case OpOpen:
		buf.B = appendString(buf.B, req.Name)
		buf.B = binary.LittleEndian.AppendUint32(buf.B, req.Access)
	case OpGetSlot, OpClose:
		buf.B = binary.LittleEndian.AppendUint32(buf.B, uint32(req.Handle))
	default:
		return fmt.Errorf("%w: unknown %s", ErrMalformed, req.Op)
	}
	return writeFrame(w, buf)
}

// ReadRequest reads one request frame from r.
func ReadRequest(r io.Reader) (Request, error) {
	payload, err := readFrame(r)
	if err != nil {
		return Request{}, err
	}
	d := decoder{b: payload}
	req := Request{Op: Opcode(d.u8())}
	switch req.Op {
	case OpCreate:
		req.Name = d.str()
		req.Access = d.u32()
		req.Kind = syncobj.Kind(d.u8())
		req.Low = int32(d.u32())
		req.High = int32(d.u32())
	case OpOpen:
		req.Name = d.str()
		req.Access = d.u32()
	case OpGetSlot, OpClose:
		req.Handle = namespace.Handle(d.u32())
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: unknown %s", ErrMalformed, req.Op)
		}
	}
	if err := d.done(); err != nil {
		return req, err
	}
	return req, nil
}

// WriteReply encodes rep as one frame on w.
func WriteReply(w io.Writer, rep Reply) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.B = append(buf.B, 0, 0, 0, 0, byte(rep.Status))
	if rep.Status == StatusOK {
		buf.B = binary.LittleEndian.AppendUint32(buf.B, uint32(rep.Handle))
		buf.B = binary.LittleEndian.AppendUint32(buf.B, rep.Slot)
		created := byte(0)
		if rep.Created {
			created = 1
		}
		buf.B = append(buf.B, byte(rep.Kind), created)
	}
	return writeFrame(w, buf)
}

// ReadReply reads one reply frame from r.
func ReadReply(r io.Reader) (Reply, error) {
	payload, err := readFrame(r)
	if err != nil {
		return Reply{}, err
	}
	d := decoder{b: payload}
	rep := Reply{Status: Status(d.u8())}
	if rep.Status == StatusOK {
		rep.Handle = namespace.Handle(d.u32())
		rep.Slot = d.u32()
		rep.Kind = syncobj.Kind(d.u8())
		rep.Created = d.u8() != 0
	}
	if err := d.done(); err != nil {
		return Reply{}, err
	}
	return rep, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func writeFrame(w io.Writer, buf *bytebufferpool.ByteBuffer) error {
	binary.LittleEndian.PutUint32(buf.B[:4], uint32(len(buf.B)-4))
	_, err := w.Write(buf.B)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if n > MaxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// decoder reads fields off a payload and remembers the first short read.
type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.b)-d.off < n {
		d.err = fmt.Errorf("%w: short payload", ErrMalformed)
		return nil
	}
	p := d.b[d.off : d.off+n]
	d.off += n
	return p
}

func (d *decoder) u8() uint8 {
	if p := d.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if p := d.take(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (d *decoder) str() string {
	var n int
	if p := d.take(2); p != nil {
		n = int(binary.LittleEndian.Uint16(p))
	}
	if d.err == nil && n > namespace.MaxNameLen {
		d.err = fmt.Errorf("%w: %d byte name", namespace.ErrNameTooLong, n)
		return ""
	}
	return string(d.take(n))
}

func (d *decoder) done() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.b) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.b)-d.off)
	}
	return nil
}
