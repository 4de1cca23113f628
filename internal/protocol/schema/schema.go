package schema

import (
	"fmt"

	"github.com/danmuck/viewsctl/internal/protocol/tlv"
)

// Op codes for the Views RPC surface.
const (
	OpHello        uint16 = 1
	OpRelease      uint16 = 2
	OpKeepalive    uint16 = 3
	OpPing         uint16 = 4
	OpVersion      uint16 = 5
	OpListViews    uint16 = 6
	OpListDatasets uint16 = 7
	OpListTags     uint16 = 8
)

// Response status codes carried in the frame header.
const (
	StatusOK           uint32 = 0
	StatusInternal     uint32 = 1
	StatusUnauthorized uint32 = 2
	StatusNotFound     uint32 = 3
	StatusBadRequest   uint32 = 4
	StatusUnavailable  uint32 = 5
)

// Field IDs.
const (
	FieldClientLabel uint16 = 1
	FieldUserID      uint16 = 2
	FieldCCI         uint16 = 3
	FieldBanner      uint16 = 4

	FieldMessage uint16 = 10

	FieldVersion uint16 = 20

	FieldView    uint16 = 30
	FieldDataset uint16 = 31
	FieldTag     uint16 = 32

	FieldIncludeHidden  uint16 = 40
	FieldStartingOffset uint16 = 41
	FieldMaxCount       uint16 = 42
)

// OpName returns the wire name of an op code for logs and error text.
func OpName(op uint16) string {
	switch op {
	case OpHello:
		return "hello"
	case OpRelease:
		return "release"
	case OpKeepalive:
		return "keepalive"
	case OpPing:
		return "ping"
	case OpVersion:
		return "version"
	case OpListViews:
		return "list_views"
	case OpListDatasets:
		return "list_datasets"
	case OpListTags:
		return "list_tags"
	default:
		return fmt.Sprintf("op(%d)", op)
	}
}

// StatusName returns the wire name of a status code.
func StatusName(status uint32) string {
	switch status {
	case StatusOK:
		return "ok"
	case StatusInternal:
		return "internal"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusNotFound:
		return "not_found"
	case StatusBadRequest:
		return "bad_request"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("status(%d)", status)
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Op      uint16
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: op=%s: %s", OpName(e.Op), e.Reason)
	}
	return fmt.Sprintf("schema: op=%s field=%d: %s", OpName(e.Op), e.FieldID, e.Reason)
}

var requestRequirements = map[uint16][]Requirement{
	OpHello: {
		{FieldClientLabel, tlv.TypeString},
		{FieldUserID, tlv.TypeString},
	},
	OpRelease: {
		{FieldCCI, tlv.TypeUint32},
	},
	OpKeepalive: {
		{FieldCCI, tlv.TypeUint32},
	},
	OpPing:    {},
	OpVersion: {},
	OpListViews: {
		{FieldCCI, tlv.TypeUint32},
	},
	OpListDatasets: {
		{FieldCCI, tlv.TypeUint32},
		{FieldView, tlv.TypeString},
		{FieldIncludeHidden, tlv.TypeBool},
	},
	OpListTags: {
		{FieldCCI, tlv.TypeUint32},
		{FieldView, tlv.TypeString},
		{FieldDataset, tlv.TypeString},
		{FieldStartingOffset, tlv.TypeUint32},
		{FieldMaxCount, tlv.TypeUint32},
	},
}

// ValidateRequest enforces required fields and field types for one request
// op. Unknown fields are ignored so the schema can grow.
func ValidateRequest(op uint16, fields []tlv.Field) error {
	reqs, ok := requestRequirements[op]
	if !ok {
		return ValidationError{Op: op, Reason: "unknown op"}
	}
	for _, req := range reqs {
		f, found := tlv.First(fields, req.ID)
		if !found {
			return ValidationError{Op: op, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return ValidationError{Op: op, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// KnownOp reports whether op is part of the protocol surface.
func KnownOp(op uint16) bool {
	_, ok := requestRequirements[op]
	return ok
}
