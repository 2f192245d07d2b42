package proto

import (
	"bytes"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Packet types. The protocol reuses the value 2 for both the outbound
// exec command and the inbound auth response, so a type is only meaningful
// together with its direction.
const (
	TypeAuth         int32 = 3
	TypeExecCommand  int32 = 2
	TypeAuthResponse int32 = 2
	TypeExecResponse int32 = 0
)

const (
	// SizeFieldLen is the length of the size prefix.
	SizeFieldLen = 4
	// headerSize is the id and type fields.
	headerSize = 4 + 4
	// wrapperSize is every counted byte that is not body: id, type and the
	// two terminating nulls. The size field itself is not counted.
	wrapperSize = headerSize + 2
	// MaxFrameSize caps the declared size of inbound frames so a corrupt
	// stream cannot make us allocate gigabytes.
	MaxFrameSize = 1 << 20
)

var (
	// ErrEmbeddedNul is returned when a body contains a null byte, which the
	// server would read as the terminator.
	ErrEmbeddedNul = xerrors.New("body contains an embedded null byte")
	// ErrShortRead is returned when the peer closes in the middle of a frame.
	ErrShortRead = xerrors.New("short read")
	// ErrMalformed is returned for frames whose declared size is impossible.
	ErrMalformed = xerrors.New("malformed frame")
)

// Packet is a single Source RCON frame.
type Packet struct {
	ID   int32
	Type int32
	Body []byte
}

// Size is the value written to the frame's size field.
func (p Packet) Size() int32 {
	return int32(len(p.Body) + wrapperSize)
}

// Encode builds the wire frame for the given fields.
func Encode(id, typ int32, body []byte) ([]byte, error) {
	return Packet{ID: id, Type: typ, Body: body}.MarshalBinary()
}

// MarshalBinary encodes the packet as
// size | id | type | body | 0x00 | 0x00, all integers little endian.
func (p Packet) MarshalBinary() ([]byte, error) {
	if bytes.IndexByte(p.Body, 0) != -1 {
		return nil, ErrEmbeddedNul
	}
	size := p.Size()
	b := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(b[0:], uint32(size))
	binary.LittleEndian.PutUint32(b[4:], uint32(p.ID))
	binary.LittleEndian.PutUint32(b[8:], uint32(p.Type))
	copy(b[12:], p.Body)
	// the last two bytes are already zero
	return b, nil
}

// WriteTo writes the encoded packet to w.
func (p Packet) WriteTo(w io.Writer) (int64, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadPacket reads exactly one frame from r. It returns io.EOF if the stream
// ends cleanly before the first byte of a frame and ErrShortRead if it ends
// anywhere inside one.
func ReadPacket(r io.Reader) (Packet, error) {
	var sizeBuf [SizeFieldLen]byte
	_, err := io.ReadFull(r, sizeBuf[:])
	if err != nil {
		return Packet{}, mapReadErr(err)
	}
	size, err := DecodeSize(sizeBuf[:])
	if err != nil {
		return Packet{}, err
	}

	frame := make([]byte, size)
	_, err = io.ReadFull(r, frame)
	if err != nil {
		if xerrors.Is(err, io.EOF) {
			return Packet{}, ErrShortRead
		}
		return Packet{}, mapReadErr(err)
	}
	return Unmarshal(frame)
}

// DecodeSize reads the size field at the start of b and checks that it
// describes a possible frame. The result is the number of bytes that follow
// the size field.
func DecodeSize(b []byte) (int, error) {
	if len(b) < SizeFieldLen {
		return 0, ErrShortRead
	}
	size := int32(binary.LittleEndian.Uint32(b))
	if size < wrapperSize || size > MaxFrameSize {
		return 0, xerrors.Errorf("declared size %d: %w", size, ErrMalformed)
	}
	return int(size), nil
}

// Unmarshal decodes the part of a frame after the size field.
func Unmarshal(frame []byte) (Packet, error) {
	if len(frame) < wrapperSize {
		return Packet{}, xerrors.Errorf("frame of %d bytes: %w", len(frame), ErrMalformed)
	}
	return Packet{
		ID:   int32(binary.LittleEndian.Uint32(frame[0:])),
		Type: int32(binary.LittleEndian.Uint32(frame[4:])),
		Body: frame[headerSize : len(frame)-2],
	}, nil
}

func mapReadErr(err error) error {
	if xerrors.Is(err, io.ErrUnexpectedEOF) {
		return ErrShortRead
	}
	return err
}

// Text renders the body as a string, dropping a stray trailing null some
// servers include inside the body.
func (p Packet) Text() string {
	return string(bytes.TrimRight(p.Body, "\x00"))
}
