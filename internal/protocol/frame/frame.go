package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic spells "VIWS" on the wire.
	Magic   uint32 = 0x56495753
	Version uint16 = 1

	FixedHeaderLen uint16 = 28

	FlagResponse uint16 = 0x01
	FlagError    uint16 = 0x02
	FlagHasAuth  uint16 = 0x04
)

var (
	ErrShortHeader       = errors.New("frame: short fixed header")
	ErrBadMagic          = errors.New("frame: bad magic")
	ErrUnsupportedVer    = errors.New("frame: unsupported version")
	ErrHeaderLenTooSmall = errors.New("frame: header_len smaller than fixed header")
	ErrAuthFlagMismatch  = errors.New("frame: auth flag set but header_len has no auth bytes")
	ErrAuthTooLarge      = errors.New("frame: auth block too large")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
)

// Header is the fixed wire header. Status is meaningful only on frames
// carrying FlagResponse; zero means success.
type Header struct {
	Magic      uint32
	Version    uint16
	HeaderLen  uint16
	RequestID  uint64
	Op         uint16
	Flags      uint16
	Status     uint32
	PayloadLen uint32
}

// Frame is one complete wire message. Auth carries per-call credential
// bytes on request frames and is empty on responses.
type Frame struct {
	Header  Header
	Auth    []byte
	Payload []byte
}

// Limits bounds decode-side allocations.
type Limits struct {
	MaxAuthBytes    uint32
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxAuthBytes:    4 * 1024,
		MaxPayloadBytes: 4 * 1024 * 1024,
	}
}

// Read consumes exactly one frame from r. Frames with an unknown magic or
// version are rejected before any variable-length reads happen.
func Read(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h := decodeHeader(fixed[:])
	if h.Magic != Magic {
		return Frame{}, ErrBadMagic
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVer, h.Version)
	}
	if h.HeaderLen < FixedHeaderLen {
		return Frame{}, ErrHeaderLenTooSmall
	}

	authLen := uint32(h.HeaderLen - FixedHeaderLen)
	if h.Flags&FlagHasAuth != 0 && authLen == 0 {
		return Frame{}, ErrAuthFlagMismatch
	}
	if authLen > limits.MaxAuthBytes {
		return Frame{}, ErrAuthTooLarge
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	f := Frame{Header: h}
	if authLen > 0 {
		f.Auth = make([]byte, authLen)
		if _, err := io.ReadFull(r, f.Auth); err != nil {
			return Frame{}, err
		}
	}
	if h.PayloadLen > 0 {
		f.Payload = make([]byte, h.PayloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// Write emits one frame to w. Magic, version, header_len, auth flag, and
// payload_len are derived here; callers fill only the semantic fields.
func Write(w io.Writer, f Frame, limits Limits) error {
	b, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Encode renders one frame as a single byte slice so callers can issue one
// conn.Write per message.
func Encode(f Frame, limits Limits) ([]byte, error) {
	authLen := len(f.Auth)
	payloadLen := len(f.Payload)
	if uint32(authLen) > limits.MaxAuthBytes {
		return nil, ErrAuthTooLarge
	}
	if uint32(payloadLen) > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen + uint16(authLen)
	h.PayloadLen = uint32(payloadLen)
	if authLen > 0 {
		h.Flags |= FlagHasAuth
	} else {
		h.Flags &^= FlagHasAuth
	}

	buf := make([]byte, int(FixedHeaderLen)+authLen+payloadLen)
	encodeHeader(buf[:FixedHeaderLen], h)
	copy(buf[FixedHeaderLen:], f.Auth)
	copy(buf[int(FixedHeaderLen)+authLen:], f.Payload)
	return buf, nil
}

func encodeHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.RequestID)
	binary.BigEndian.PutUint16(buf[16:18], h.Op)
	binary.BigEndian.PutUint16(buf[18:20], h.Flags)
	binary.BigEndian.PutUint32(buf[20:24], h.Status)
	binary.BigEndian.PutUint32(buf[24:28], h.PayloadLen)
}

func decodeHeader(b []byte) Header {
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:  binary.BigEndian.Uint16(b[6:8]),
		RequestID:  binary.BigEndian.Uint64(b[8:16]),
		Op:         binary.BigEndian.Uint16(b[16:18]),
		Flags:      binary.BigEndian.Uint16(b[18:20]),
		Status:     binary.BigEndian.Uint32(b[20:24]),
		PayloadLen: binary.BigEndian.Uint32(b[24:28]),
	}
}
