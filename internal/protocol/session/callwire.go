package session

import (
	"fmt"
	"strings"

	"github.com/danmuck/viewsctl/internal/protocol/frame"
	"github.com/danmuck/viewsctl/internal/protocol/schema"
	"github.com/danmuck/viewsctl/internal/protocol/tlv"
)

// Hello is the wire shape of the connection handshake request.
type Hello struct {
	ClientLabel string
	UserID      string
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.ClientLabel) == "" {
		return fmt.Errorf("hello missing client_label")
	}
	if strings.TrimSpace(h.UserID) == "" {
		return fmt.Errorf("hello missing user_id")
	}
	return nil
}

// Welcome is the wire shape of the handshake response. CCI identifies the
// registered client connection for the rest of the session.
type Welcome struct {
	CCI    uint32
	Banner string
}

// DatasetQuery scopes a list_datasets request.
type DatasetQuery struct {
	CCI           uint32
	View          string
	IncludeHidden bool
}

func (q DatasetQuery) Validate() error {
	if strings.TrimSpace(q.View) == "" {
		return fmt.Errorf("dataset query missing view")
	}
	return nil
}

// TagQuery scopes a list_tags request. MaxCount zero means no cap.
type TagQuery struct {
	CCI            uint32
	View           string
	Dataset        string
	StartingOffset uint32
	MaxCount       uint32
}

func (q TagQuery) Validate() error {
	if strings.TrimSpace(q.View) == "" {
		return fmt.Errorf("tag query missing view")
	}
	if strings.TrimSpace(q.Dataset) == "" {
		return fmt.Errorf("tag query missing dataset")
	}
	return nil
}

// Fault is a decoded error response. It carries the header status plus the
// optional human-readable message field.
type Fault struct {
	Op      uint16
	Status  uint32
	Message string
}

func (f Fault) Error() string {
	if f.Message == "" {
		return fmt.Sprintf("%s: %s", schema.OpName(f.Op), schema.StatusName(f.Status))
	}
	return fmt.Sprintf("%s: %s: %s", schema.OpName(f.Op), schema.StatusName(f.Status), f.Message)
}

// RequestFrame builds a validated request frame. The API key rides in the
// auth block of every request so the service can authorize each call on its
// own.
func RequestFrame(requestID uint64, op uint16, apiKey string, fields []tlv.Field) (frame.Frame, error) {
	if err := schema.ValidateRequest(op, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			RequestID: requestID,
			Op:        op,
		},
		Auth:    []byte(apiKey),
		Payload: tlv.Encode(fields),
	}, nil
}

// ResponseFrame builds a success response matched to a request frame.
func ResponseFrame(req frame.Frame, fields []tlv.Field) frame.Frame {
	return frame.Frame{
		Header: frame.Header{
			RequestID: req.Header.RequestID,
			Op:        req.Header.Op,
			Flags:     frame.FlagResponse,
			Status:    schema.StatusOK,
		},
		Payload: tlv.Encode(fields),
	}
}

// ErrorFrame builds an error response matched to a request frame.
func ErrorFrame(req frame.Frame, status uint32, message string) frame.Frame {
	var payload []byte
	if message != "" {
		payload = tlv.Encode([]tlv.Field{tlv.String(schema.FieldMessage, message)})
	}
	return frame.Frame{
		Header: frame.Header{
			RequestID: req.Header.RequestID,
			Op:        req.Header.Op,
			Flags:     frame.FlagResponse | frame.FlagError,
			Status:    status,
		},
		Payload: payload,
	}
}

// RequestFields decodes and schema-checks a request frame's payload.
func RequestFields(f frame.Frame) ([]tlv.Field, error) {
	if f.Header.Flags&frame.FlagResponse != 0 {
		return nil, fmt.Errorf("session: response frame where request expected")
	}
	fields, err := tlv.Decode(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidateRequest(f.Header.Op, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// ResponseFields decodes a response frame's payload. Error frames decode
// into a Fault, which the caller receives as the error.
func ResponseFields(f frame.Frame) ([]tlv.Field, error) {
	if f.Header.Flags&frame.FlagResponse == 0 {
		return nil, fmt.Errorf("session: request frame where response expected")
	}
	fields, err := tlv.Decode(f.Payload)
	if err != nil {
		return nil, err
	}
	if f.Header.Flags&frame.FlagError != 0 || f.Header.Status != schema.StatusOK {
		fault := Fault{Op: f.Header.Op, Status: f.Header.Status}
		if mf, ok := tlv.First(fields, schema.FieldMessage); ok {
			fault.Message, _ = mf.AsString()
		}
		return nil, fault
	}
	return fields, nil
}

func EncodeHelloRequest(requestID uint64, apiKey string, h Hello) (frame.Frame, error) {
	if err := h.Validate(); err != nil {
		return frame.Frame{}, err
	}
	return RequestFrame(requestID, schema.OpHello, apiKey, []tlv.Field{
		tlv.String(schema.FieldClientLabel, h.ClientLabel),
		tlv.String(schema.FieldUserID, h.UserID),
	})
}

func DecodeHello(fields []tlv.Field) (Hello, error) {
	h := Hello{
		ClientLabel: requiredString(fields, schema.FieldClientLabel),
		UserID:      requiredString(fields, schema.FieldUserID),
	}
	if err := h.Validate(); err != nil {
		return Hello{}, err
	}
	return h, nil
}

func EncodeWelcome(req frame.Frame, w Welcome) frame.Frame {
	fields := []tlv.Field{tlv.Uint32(schema.FieldCCI, w.CCI)}
	if w.Banner != "" {
		fields = append(fields, tlv.String(schema.FieldBanner, w.Banner))
	}
	return ResponseFrame(req, fields)
}

func DecodeWelcome(fields []tlv.Field) (Welcome, error) {
	cf, ok := tlv.First(fields, schema.FieldCCI)
	if !ok {
		return Welcome{}, fmt.Errorf("welcome missing cci")
	}
	cci, err := cf.AsUint32()
	if err != nil {
		return Welcome{}, err
	}
	w := Welcome{CCI: cci}
	if bf, ok := tlv.First(fields, schema.FieldBanner); ok {
		w.Banner, _ = bf.AsString()
	}
	return w, nil
}

// EncodeCCIRequest covers the ops whose request is just the connection ID:
// release, keepalive, list_views.
func EncodeCCIRequest(requestID uint64, op uint16, apiKey string, cci uint32) (frame.Frame, error) {
	return RequestFrame(requestID, op, apiKey, []tlv.Field{tlv.Uint32(schema.FieldCCI, cci)})
}

func DecodeCCI(fields []tlv.Field) (uint32, error) {
	f, ok := tlv.First(fields, schema.FieldCCI)
	if !ok {
		return 0, fmt.Errorf("request missing cci")
	}
	return f.AsUint32()
}

func EncodePingRequest(requestID uint64, apiKey string) (frame.Frame, error) {
	return RequestFrame(requestID, schema.OpPing, apiKey, nil)
}

func EncodePingResponse(req frame.Frame, message string) frame.Frame {
	return ResponseFrame(req, []tlv.Field{tlv.String(schema.FieldMessage, message)})
}

func DecodePingMessage(fields []tlv.Field) (string, error) {
	f, ok := tlv.First(fields, schema.FieldMessage)
	if !ok {
		return "", fmt.Errorf("ping response missing message")
	}
	return f.AsString()
}

func EncodeVersionRequest(requestID uint64, apiKey string) (frame.Frame, error) {
	return RequestFrame(requestID, schema.OpVersion, apiKey, nil)
}

func EncodeVersionResponse(req frame.Frame, version string) frame.Frame {
	return ResponseFrame(req, []tlv.Field{tlv.String(schema.FieldVersion, version)})
}

func DecodeVersion(fields []tlv.Field) (string, error) {
	f, ok := tlv.First(fields, schema.FieldVersion)
	if !ok {
		return "", fmt.Errorf("version response missing version")
	}
	return f.AsString()
}

func EncodeViewsResponse(req frame.Frame, views []string) frame.Frame {
	return ResponseFrame(req, tlv.Strings(schema.FieldView, views))
}

func DecodeViews(fields []tlv.Field) ([]string, error) {
	return tlv.AllStrings(fields, schema.FieldView)
}

func EncodeDatasetRequest(requestID uint64, apiKey string, q DatasetQuery) (frame.Frame, error) {
	if err := q.Validate(); err != nil {
		return frame.Frame{}, err
	}
	return RequestFrame(requestID, schema.OpListDatasets, apiKey, []tlv.Field{
		tlv.Uint32(schema.FieldCCI, q.CCI),
		tlv.String(schema.FieldView, q.View),
		tlv.Bool(schema.FieldIncludeHidden, q.IncludeHidden),
	})
}

func DecodeDatasetQuery(fields []tlv.Field) (DatasetQuery, error) {
	cci, err := DecodeCCI(fields)
	if err != nil {
		return DatasetQuery{}, err
	}
	hf, _ := tlv.First(fields, schema.FieldIncludeHidden)
	hidden, err := hf.AsBool()
	if err != nil {
		return DatasetQuery{}, err
	}
	q := DatasetQuery{
		CCI:           cci,
		View:          requiredString(fields, schema.FieldView),
		IncludeHidden: hidden,
	}
	if err := q.Validate(); err != nil {
		return DatasetQuery{}, err
	}
	return q, nil
}

func EncodeDatasetsResponse(req frame.Frame, datasets []string) frame.Frame {
	return ResponseFrame(req, tlv.Strings(schema.FieldDataset, datasets))
}

func DecodeDatasets(fields []tlv.Field) ([]string, error) {
	return tlv.AllStrings(fields, schema.FieldDataset)
}

func EncodeTagRequest(requestID uint64, apiKey string, q TagQuery) (frame.Frame, error) {
	if err := q.Validate(); err != nil {
		return frame.Frame{}, err
	}
	return RequestFrame(requestID, schema.OpListTags, apiKey, []tlv.Field{
		tlv.Uint32(schema.FieldCCI, q.CCI),
		tlv.String(schema.FieldView, q.View),
		tlv.String(schema.FieldDataset, q.Dataset),
		tlv.Uint32(schema.FieldStartingOffset, q.StartingOffset),
		tlv.Uint32(schema.FieldMaxCount, q.MaxCount),
	})
}

func DecodeTagQuery(fields []tlv.Field) (TagQuery, error) {
	cci, err := DecodeCCI(fields)
	if err != nil {
		return TagQuery{}, err
	}
	of, _ := tlv.First(fields, schema.FieldStartingOffset)
	offset, err := of.AsUint32()
	if err != nil {
		return TagQuery{}, err
	}
	mf, _ := tlv.First(fields, schema.FieldMaxCount)
	maxCount, err := mf.AsUint32()
	if err != nil {
		return TagQuery{}, err
	}
	q := TagQuery{
		CCI:            cci,
		View:           requiredString(fields, schema.FieldView),
		Dataset:        requiredString(fields, schema.FieldDataset),
		StartingOffset: offset,
		MaxCount:       maxCount,
	}
	if err := q.Validate(); err != nil {
		return TagQuery{}, err
	}
	return q, nil
}

func EncodeTagsResponse(req frame.Frame, tags []string) frame.Frame {
	return ResponseFrame(req, tlv.Strings(schema.FieldTag, tags))
}

func DecodeTags(fields []tlv.Field) ([]string, error) {
	return tlv.AllStrings(fields, schema.FieldTag)
}

func requiredString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.First(fields, id)
	return string(f.Value)
}
