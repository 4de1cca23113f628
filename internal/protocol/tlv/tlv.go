package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Each field is id(u16) type(u8) len(u32) value.
const headerLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: field type mismatch")
	ErrInvalidLength    = errors.New("tlv: invalid value length")
)

const (
	TypeUint32 uint8 = 1
	TypeUint64 uint8 = 2
	TypeBool   uint8 = 3
	TypeString uint8 = 4
	TypeBytes  uint8 = 5
)

// Field is one typed wire field. The same ID may repeat to encode lists.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func Uint32(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Type: TypeUint32, Value: buf}
}

func Uint64(id uint16, v uint64) Field {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return Field{ID: id, Type: TypeUint64, Value: buf}
}

func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Type: TypeBytes, Value: buf}
}

// Strings encodes one field per element, all under the same ID.
func Strings(id uint16, vs []string) []Field {
	out := make([]Field, 0, len(vs))
	for _, v := range vs {
		out = append(out, String(id, v))
	}
	return out
}

func (f Field) AsUint32() (uint32, error) {
	if f.Type != TypeUint32 {
		return 0, fmt.Errorf("%w: field %d", ErrTypeMismatch, f.ID)
	}
	if len(f.Value) != 4 {
		return 0, fmt.Errorf("%w: field %d len %d", ErrInvalidLength, f.ID, len(f.Value))
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func (f Field) AsUint64() (uint64, error) {
	if f.Type != TypeUint64 {
		return 0, fmt.Errorf("%w: field %d", ErrTypeMismatch, f.ID)
	}
	if len(f.Value) != 8 {
		return 0, fmt.Errorf("%w: field %d len %d", ErrInvalidLength, f.ID, len(f.Value))
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

func (f Field) AsBool() (bool, error) {
	if f.Type != TypeBool {
		return false, fmt.Errorf("%w: field %d", ErrTypeMismatch, f.ID)
	}
	if len(f.Value) != 1 || f.Value[0] > 1 {
		return false, fmt.Errorf("%w: field %d", ErrInvalidLength, f.ID)
	}
	return f.Value[0] == 1, nil
}

func (f Field) AsString() (string, error) {
	if f.Type != TypeString {
		return "", fmt.Errorf("%w: field %d", ErrTypeMismatch, f.ID)
	}
	return string(f.Value), nil
}

// Encode concatenates fields in order. Order is preserved, which is what
// makes repeated-ID list fields deterministic.
func Encode(fields []Field) []byte {
	n := 0
	for _, f := range fields {
		n += headerLen + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		var hdr [headerLen]byte
		binary.BigEndian.PutUint16(hdr[0:2], f.ID)
		hdr[2] = f.Type
		binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Value)))
		out = append(out, hdr[:]...)
		out = append(out, f.Value...)
	}
	return out
}

// Decode splits a payload into fields, copying values out of the input
// buffer. Unknown IDs are kept; callers decide what to ignore.
func Decode(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	for i := 0; i < len(payload); {
		if len(payload)-i < headerLen {
			return nil, ErrShortFieldHeader
		}
		f := Field{
			ID:   binary.BigEndian.Uint16(payload[i : i+2]),
			Type: payload[i+2],
		}
		n := int(binary.BigEndian.Uint32(payload[i+3 : i+7]))
		i += headerLen
		if len(payload)-i < n {
			return nil, ErrShortFieldValue
		}
		f.Value = make([]byte, n)
		copy(f.Value, payload[i:i+n])
		i += n
		fields = append(fields, f)
	}
	return fields, nil
}

// First returns the first field with the given ID.
func First(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// AllStrings collects every string field with the given ID, in order.
func AllStrings(fields []Field, id uint16) ([]string, error) {
	out := make([]string, 0)
	for _, f := range fields {
		if f.ID != id {
			continue
		}
		s, err := f.AsString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
