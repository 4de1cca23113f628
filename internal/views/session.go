package views

import (
	"bufio"
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/viewsctl/internal/protocol/frame"
	"github.com/danmuck/viewsctl/internal/protocol/schema"
	"github.com/danmuck/viewsctl/internal/protocol/session"
	"github.com/danmuck/viewsctl/internal/protocol/tlv"
	"github.com/rs/zerolog"
)

type sessionState int

const (
	stateUnopened sessionState = iota
	stateOpen
	stateClosed
)

// Session is one registered connection to the historian. It moves through
// unopened → open → closed, forward only. Calls serialize on an internal
// mutex: the protocol is one request, one response, in order.
type Session struct {
	cfg Config
	rng *rand.Rand
	log zerolog.Logger

	conn   net.Conn
	reader *bufio.Reader
	cci    uint32
	banner string

	reqID atomic.Uint64
	mu    sync.Mutex
	state sessionState
}

// CCI returns the client connection ID issued at handshake.
func (s *Session) CCI() uint32 { return s.cci }

// Banner returns the optional service banner from the handshake.
func (s *Session) Banner() string { return s.banner }

// Ping checks service liveness and returns the echo message.
func (s *Session) Ping(ctx context.Context) (string, error) {
	req, err := session.EncodePingRequest(s.nextRequestID(), s.cfg.APIKey)
	if err != nil {
		return "", err
	}
	fields, err := s.call(ctx, "ping", req)
	if err != nil {
		return "", err
	}
	msg, err := session.DecodePingMessage(fields)
	if err != nil {
		return "", &TransportError{Op: "ping", Err: err}
	}
	return msg, nil
}

// Version returns the service version string.
func (s *Session) Version(ctx context.Context) (string, error) {
	req, err := session.EncodeVersionRequest(s.nextRequestID(), s.cfg.APIKey)
	if err != nil {
		return "", err
	}
	fields, err := s.call(ctx, "version", req)
	if err != nil {
		return "", err
	}
	v, err := session.DecodeVersion(fields)
	if err != nil {
		return "", &TransportError{Op: "version", Err: err}
	}
	return v, nil
}

// Keepalive refreshes the CCI lease on the service.
func (s *Session) Keepalive(ctx context.Context) error {
	req, err := session.EncodeCCIRequest(s.nextRequestID(), schema.OpKeepalive, s.cfg.APIKey, s.cci)
	if err != nil {
		return err
	}
	_, err = s.call(ctx, "keepalive", req)
	return err
}

// ListViews returns the names of all views, in service catalog order.
func (s *Session) ListViews(ctx context.Context) ([]string, error) {
	req, err := session.EncodeCCIRequest(s.nextRequestID(), schema.OpListViews, s.cfg.APIKey, s.cci)
	if err != nil {
		return nil, err
	}
	fields, err := s.call(ctx, "list_views", req)
	if err != nil {
		return nil, err
	}
	views, err := session.DecodeViews(fields)
	if err != nil {
		return nil, &TransportError{Op: "list_views", Err: err}
	}
	return views, nil
}

// ListDatasets returns the dataset names under one view. Hidden datasets
// are included only when includeHidden is set.
func (s *Session) ListDatasets(ctx context.Context, view string, includeHidden bool) ([]string, error) {
	req, err := session.EncodeDatasetRequest(s.nextRequestID(), s.cfg.APIKey, session.DatasetQuery{
		CCI:           s.cci,
		View:          view,
		IncludeHidden: includeHidden,
	})
	if err != nil {
		return nil, err
	}
	fields, err := s.call(ctx, "list_datasets", req)
	if err != nil {
		return nil, err
	}
	datasets, err := session.DecodeDatasets(fields)
	if err != nil {
		return nil, &TransportError{Op: "list_datasets", Err: err}
	}
	return datasets, nil
}

// ListTags returns a window of tag names under one dataset, starting at
// startingOffset. maxCount zero means the rest of the list.
func (s *Session) ListTags(ctx context.Context, view, dataset string, startingOffset, maxCount uint32) ([]string, error) {
	req, err := session.EncodeTagRequest(s.nextRequestID(), s.cfg.APIKey, session.TagQuery{
		CCI:            s.cci,
		View:           view,
		Dataset:        dataset,
		StartingOffset: startingOffset,
		MaxCount:       maxCount,
	})
	if err != nil {
		return nil, err
	}
	fields, err := s.call(ctx, "list_tags", req)
	if err != nil {
		return nil, err
	}
	tags, err := session.DecodeTags(fields)
	if err != nil {
		return nil, &TransportError{Op: "list_tags", Err: err}
	}
	return tags, nil
}

// Close releases the CCI on the service and closes the connection. It is
// idempotent, and a no-op when no connection is open: a session that never
// opened stays unopened. Request methods after Close return ErrNotConnected.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return nil
	}
	s.state = stateClosed

	// Release is best effort: the connection closes either way, and the
	// service reaps the CCI on disconnect.
	req, err := session.EncodeCCIRequest(s.nextRequestID(), schema.OpRelease, s.cfg.APIKey, s.cci)
	if err == nil {
		_ = s.conn.SetDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
		if werr := frame.Write(s.conn, req, frame.DefaultLimits()); werr == nil {
			if _, rerr := s.roundTripRead(s.reader, req); rerr != nil {
				s.log.Debug().Err(rerr).Uint32("cci", s.cci).Msg("views release ack not received")
			}
		}
	}
	return s.conn.Close()
}

func (s *Session) nextRequestID() uint64 {
	return s.reqID.Add(1)
}

// call performs one locked request/response exchange with deadlines from
// config and ctx.
func (s *Session) call(ctx context.Context, op string, req frame.Frame) ([]tlv.Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := s.setWriteDeadline(ctx); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if err := frame.Write(s.conn, req, frame.DefaultLimits()); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	if err := s.setReadDeadline(ctx); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	fields, err := s.roundTripRead(s.reader, req)
	if err != nil {
		var fault session.Fault
		if errors.As(err, &fault) {
			return nil, &StatusError{Op: op, Code: fault.Status, Message: fault.Message}
		}
		return nil, &TransportError{Op: op, Err: err}
	}
	return fields, nil
}

// roundTrip writes a request and reads its response on an explicit conn,
// for the handshake before the conn is installed on the session.
func (s *Session) roundTrip(op string, conn net.Conn, reader *bufio.Reader, req frame.Frame) ([]tlv.Field, error) {
	if err := frame.Write(conn, req, frame.DefaultLimits()); err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	fields, err := s.roundTripRead(reader, req)
	if err != nil {
		var fault session.Fault
		if errors.As(err, &fault) {
			return nil, &StatusError{Op: op, Code: fault.Status, Message: fault.Message}
		}
		return nil, &TransportError{Op: op, Err: err}
	}
	return fields, nil
}

func (s *Session) roundTripRead(reader *bufio.Reader, req frame.Frame) ([]tlv.Field, error) {
	for {
		resp, err := frame.Read(reader, frame.DefaultLimits())
		if err != nil {
			return nil, err
		}
		// Stale responses from an earlier timed-out call are skipped.
		if resp.Header.RequestID != req.Header.RequestID {
			s.log.Debug().
				Uint64("want", req.Header.RequestID).
				Uint64("got", resp.Header.RequestID).
				Msg("views skipping stale response")
			continue
		}
		return session.ResponseFields(resp)
	}
}

func (s *Session) setWriteDeadline(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.Session.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return s.conn.SetWriteDeadline(deadline)
}

func (s *Session) setReadDeadline(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.Session.ReadTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return s.conn.SetReadDeadline(deadline)
}
