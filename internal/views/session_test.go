package views

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/viewsctl/internal/protocol/frame"
	"github.com/danmuck/viewsctl/internal/protocol/schema"
	"github.com/danmuck/viewsctl/internal/protocol/session"
	"github.com/danmuck/viewsctl/internal/protocol/tlv"
	"github.com/danmuck/viewsctl/internal/testutil/testlog"
)

// fakeHistorian is a minimal in-process service speaking the wire protocol,
// used to exercise the client without the real server package.
type fakeHistorian struct {
	ln       net.Listener
	apiKey   string
	views    []string
	releases atomic.Int32
	nextCCI  atomic.Uint32
}

func startFakeHistorian(t *testing.T, apiKey string) *fakeHistorian {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeHistorian{ln: ln, apiKey: apiKey, views: []string{"plant-a"}}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeHistorian) addr() string { return f.ln.Addr().String() }

func (f *fakeHistorian) serve(conn net.Conn) {
	defer conn.Close()
	limits := frame.DefaultLimits()
	r := bufio.NewReader(conn)
	for {
		fr, err := frame.Read(r, limits)
		if err != nil {
			return
		}
		if f.apiKey != "" && string(fr.Auth) != f.apiKey {
			_ = frame.Write(conn, session.ErrorFrame(fr, schema.StatusUnauthorized, "bad api key"), limits)
			continue
		}
		fields, err := session.RequestFields(fr)
		if err != nil {
			_ = frame.Write(conn, session.ErrorFrame(fr, schema.StatusBadRequest, err.Error()), limits)
			continue
		}
		_ = frame.Write(conn, f.respond(fr, fields), limits)
	}
}

func (f *fakeHistorian) respond(fr frame.Frame, fields []tlv.Field) frame.Frame {
	switch fr.Header.Op {
	case schema.OpHello:
		return session.EncodeWelcome(fr, session.Welcome{CCI: f.nextCCI.Add(1), Banner: "fake historian"})
	case schema.OpPing:
		return session.EncodePingResponse(fr, "pong")
	case schema.OpVersion:
		return session.EncodeVersionResponse(fr, "1.0.0")
	case schema.OpRelease:
		f.releases.Add(1)
		return session.ResponseFrame(fr, nil)
	case schema.OpKeepalive:
		return session.ResponseFrame(fr, nil)
	case schema.OpListViews:
		return session.EncodeViewsResponse(fr, f.views)
	case schema.OpListDatasets:
		q, err := session.DecodeDatasetQuery(fields)
		if err != nil {
			return session.ErrorFrame(fr, schema.StatusBadRequest, err.Error())
		}
		if q.View != "plant-a" {
			return session.ErrorFrame(fr, schema.StatusNotFound, "unknown view")
		}
		datasets := []string{"sensors"}
		if q.IncludeHidden {
			datasets = append(datasets, "maintenance")
		}
		return session.EncodeDatasetsResponse(fr, datasets)
	case schema.OpListTags:
		q, err := session.DecodeTagQuery(fields)
		if err != nil {
			return session.ErrorFrame(fr, schema.StatusBadRequest, err.Error())
		}
		if q.View != "plant-a" || q.Dataset != "sensors" {
			return session.ErrorFrame(fr, schema.StatusNotFound, "unknown dataset")
		}
		return session.EncodeTagsResponse(fr, []string{"temp", "pressure"})
	default:
		return session.ErrorFrame(fr, schema.StatusBadRequest, "unknown op")
	}
}

func testConfig(endpoint, apiKey string) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.APIKey = apiKey
	cfg.UserID = "operator"
	return cfg
}

func newTestSession(t *testing.T, endpoint, apiKey string) *Session {
	t.Helper()
	s, err := NewSession(testConfig(endpoint, apiKey))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestSessionEndToEnd(t *testing.T) {
	testlog.Start(t)
	f := startFakeHistorian(t, "key-1")
	s := newTestSession(t, f.addr(), "key-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.Ping(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ping before open: %v", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Open(ctx); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second open: %v", err)
	}

	if s.CCI() == 0 {
		t.Fatalf("cci not issued")
	}
	if s.Banner() != "fake historian" {
		t.Fatalf("banner: %q", s.Banner())
	}

	msg, err := s.Ping(ctx)
	if err != nil || msg != "pong" {
		t.Fatalf("ping: %q %v", msg, err)
	}
	v, err := s.Version(ctx)
	if err != nil || v != "1.0.0" {
		t.Fatalf("version: %q %v", v, err)
	}
	if err := s.Keepalive(ctx); err != nil {
		t.Fatalf("keepalive: %v", err)
	}

	viewsList, err := s.ListViews(ctx)
	if err != nil {
		t.Fatalf("list views: %v", err)
	}
	if len(viewsList) != 1 || viewsList[0] != "plant-a" {
		t.Fatalf("views: %v", viewsList)
	}

	datasets, err := s.ListDatasets(ctx, "plant-a", false)
	if err != nil {
		t.Fatalf("list datasets: %v", err)
	}
	if len(datasets) != 1 || datasets[0] != "sensors" {
		t.Fatalf("datasets: %v", datasets)
	}

	hidden, err := s.ListDatasets(ctx, "plant-a", true)
	if err != nil {
		t.Fatalf("list datasets hidden: %v", err)
	}
	if len(hidden) != 2 || hidden[1] != "maintenance" {
		t.Fatalf("hidden datasets: %v", hidden)
	}

	tags, err := s.ListTags(ctx, "plant-a", "sensors", 0, 100)
	if err != nil {
		t.Fatalf("list tags: %v", err)
	}
	if len(tags) != 2 || tags[0] != "temp" || tags[1] != "pressure" {
		t.Fatalf("tags: %v", tags)
	}
}

func TestStatusErrorNotFound(t *testing.T) {
	testlog.Start(t)
	f := startFakeHistorian(t, "")
	s := newTestSession(t, f.addr(), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	_, err := s.ListDatasets(ctx, "nope", false)
	if err == nil {
		t.Fatalf("unknown view accepted")
	}
	if !IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Op != "list_datasets" {
		t.Fatalf("status error: %v", err)
	}

	// A status error leaves the session usable.
	if _, err := s.Ping(ctx); err != nil {
		t.Fatalf("ping after status error: %v", err)
	}
}

func TestUnauthorizedStatus(t *testing.T) {
	testlog.Start(t)
	f := startFakeHistorian(t, "key-1")
	s := newTestSession(t, f.addr(), "wrong-key")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Open(ctx)
	if err == nil {
		t.Fatalf("wrong key accepted")
	}
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected connect error, got %T", err)
	}
	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestCallAfterClose(t *testing.T) {
	testlog.Start(t)
	f := startFakeHistorian(t, "")
	s := newTestSession(t, f.addr(), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := s.Ping(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	// A closed session cannot be reopened.
	if err := s.Open(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("reopen after close: %v", err)
	}
}

func TestCloseReleasesCCI(t *testing.T) {
	testlog.Start(t)
	f := startFakeHistorian(t, "")
	s := newTestSession(t, f.addr(), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()
	_ = s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.releases.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.releases.Load(); got != 1 {
		t.Fatalf("release sent %d times, want 1", got)
	}
}

func TestWithSessionClosesOnReturn(t *testing.T) {
	testlog.Start(t)
	f := startFakeHistorian(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var captured *Session
	err := WithSession(ctx, testConfig(f.addr(), ""), func(ctx context.Context, s *Session) error {
		captured = s
		_, err := s.Ping(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("with session: %v", err)
	}
	if _, err := captured.Ping(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("session not closed after WithSession: %v", err)
	}
}

func TestEmptyCatalogEndToEnd(t *testing.T) {
	testlog.Start(t)
	f := startFakeHistorian(t, "")
	f.views = nil
	s := newTestSession(t, f.addr(), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}

	// An empty catalog is a successful, empty listing, not an error.
	viewsList, err := s.ListViews(ctx)
	if err != nil {
		t.Fatalf("list views: %v", err)
	}
	if len(viewsList) != 0 {
		t.Fatalf("views: %v", viewsList)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.releases.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.releases.Load(); got != 1 {
		t.Fatalf("release sent %d times, want 1", got)
	}
}

func TestCloseBeforeOpenIsNoOp(t *testing.T) {
	testlog.Start(t)
	f := startFakeHistorian(t, "")
	s := newTestSession(t, f.addr(), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Close with no connection open does nothing and does not lock the
	// session out of opening.
	if err := s.Close(); err != nil {
		t.Fatalf("close before open: %v", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open after no-op close: %v", err)
	}
	defer s.Close()
	if _, err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestWithSessionPropagatesError(t *testing.T) {
	testlog.Start(t)
	f := startFakeHistorian(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := errors.New("caller failure")
	err := WithSession(ctx, testConfig(f.addr(), ""), func(ctx context.Context, s *Session) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("error not propagated: %v", err)
	}
}

func TestWithSessionClosesOnceAfterRequestFailure(t *testing.T) {
	testlog.Start(t)
	f := startFakeHistorian(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := WithSession(ctx, testConfig(f.addr(), ""), func(ctx context.Context, s *Session) error {
		_, err := s.ListDatasets(ctx, "nope", false)
		return err
	})
	if !IsNotFound(err) {
		t.Fatalf("request failure not propagated: %v", err)
	}

	// The failed request inside the scope still results in exactly one
	// release on the way out.
	deadline := time.Now().Add(2 * time.Second)
	for f.releases.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.releases.Load(); got != 1 {
		t.Fatalf("release sent %d times, want 1", got)
	}
}

func TestOpenConnectError(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	s := newTestSession(t, addr, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = s.Open(ctx)
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("expected connect error, got %v", err)
	}
	// A failed open leaves the session unopened, not closed.
	if _, err := s.Ping(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ping after failed open: %v", err)
	}
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(Config{UserID: "operator"})
	if !errors.Is(err, ErrEndpointRequired) {
		t.Fatalf("missing endpoint: %v", err)
	}

	s, err := NewSession(Config{Endpoint: "127.0.0.1:4280"})
	if err != nil {
		t.Fatalf("blank user_id rejected: %v", err)
	}
	if s.cfg.UserID != DefaultUserID {
		t.Fatalf("user_id default: %q", s.cfg.UserID)
	}
	if s.cfg.ClientLabel != "viewsctl" {
		t.Fatalf("client label default: %q", s.cfg.ClientLabel)
	}
}
