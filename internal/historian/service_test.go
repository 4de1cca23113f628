package historian

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/viewsctl/internal/protocol/frame"
	"github.com/danmuck/viewsctl/internal/protocol/session"
	"github.com/danmuck/viewsctl/internal/testutil/testlog"
	"github.com/danmuck/viewsctl/internal/testutil/tlstest"
	"github.com/danmuck/viewsctl/internal/views"
	"github.com/rs/zerolog"
)

func writeFrame(conn net.Conn, f frame.Frame) error {
	return frame.Write(conn, f, frame.DefaultLimits())
}

func readFrame(conn net.Conn) (frame.Frame, error) {
	return frame.Read(bufio.NewReader(conn), frame.DefaultLimits())
}

func serviceConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.Version = "1.0.0"
	cfg.Banner = "historian test"
	cfg.Catalog = []View{
		{
			Name: "plant-a",
			Datasets: []Dataset{
				{Name: "sensors", Tags: []string{"temp", "pressure"}},
				{Name: "maintenance", Hidden: true, Tags: []string{"last_service"}},
			},
		},
	}
	return cfg
}

func startService(t *testing.T, cfg ServiceConfig) (*Service, string) {
	t.Helper()
	svc := NewService(cfg, zerolog.Nop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if cfg.Session.TLS.Enabled {
		tlsCfg, err := svc.serverTLSConfig()
		if err != nil {
			t.Fatalf("server tls config: %v", err)
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, ln.Addr().String()
}

func sessionFor(t *testing.T, endpoint, apiKey string) *views.Session {
	t.Helper()
	ccfg := views.DefaultConfig()
	ccfg.Endpoint = endpoint
	ccfg.APIKey = apiKey
	ccfg.UserID = "operator"
	s, err := views.NewSession(ccfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestServiceEndToEnd(t *testing.T) {
	testlog.Start(t)
	cfg := serviceConfig()
	cfg.APIKey = "key-1"
	svc, addr := startService(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := sessionFor(t, addr, "key-1")
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if s.CCI() == 0 {
		t.Fatalf("cci not issued")
	}
	if s.Banner() != "historian test" {
		t.Fatalf("banner: %q", s.Banner())
	}
	if svc.Registry().Count() != 1 {
		t.Fatalf("registry count: %d", svc.Registry().Count())
	}

	if msg, err := s.Ping(ctx); err != nil || msg != "pong" {
		t.Fatalf("ping: %q %v", msg, err)
	}
	if v, err := s.Version(ctx); err != nil || v != "1.0.0" {
		t.Fatalf("version: %q %v", v, err)
	}

	viewsList, err := s.ListViews(ctx)
	if err != nil || len(viewsList) != 1 || viewsList[0] != "plant-a" {
		t.Fatalf("views: %v %v", viewsList, err)
	}
	datasets, err := s.ListDatasets(ctx, "plant-a", false)
	if err != nil || len(datasets) != 1 || datasets[0] != "sensors" {
		t.Fatalf("datasets: %v %v", datasets, err)
	}
	tags, err := s.ListTags(ctx, "plant-a", "sensors", 0, 100)
	if err != nil || len(tags) != 2 || tags[0] != "temp" || tags[1] != "pressure" {
		t.Fatalf("tags: %v %v", tags, err)
	}

	if err := s.Keepalive(ctx); err != nil {
		t.Fatalf("keepalive: %v", err)
	}
}

func TestServiceRejectsBadAPIKey(t *testing.T) {
	testlog.Start(t)
	cfg := serviceConfig()
	cfg.APIKey = "key-1"
	_, addr := startService(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := sessionFor(t, addr, "wrong")
	if err := s.Open(ctx); !views.IsUnauthorized(err) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestServiceNotFoundStatuses(t *testing.T) {
	testlog.Start(t)
	svc, addr := startService(t, serviceConfig())
	_ = svc

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := sessionFor(t, addr, "")
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.ListDatasets(ctx, "nope", false); !views.IsNotFound(err) {
		t.Fatalf("unknown view: %v", err)
	}
	if _, err := s.ListTags(ctx, "plant-a", "nope", 0, 0); !views.IsNotFound(err) {
		t.Fatalf("unknown dataset: %v", err)
	}
	// Status errors leave the session usable.
	if _, err := s.Ping(ctx); err != nil {
		t.Fatalf("ping after errors: %v", err)
	}
}

func TestServiceHiddenDatasets(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, serviceConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := sessionFor(t, addr, "")
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	all, err := s.ListDatasets(ctx, "plant-a", true)
	if err != nil {
		t.Fatalf("datasets: %v", err)
	}
	if len(all) != 2 || all[1] != "maintenance" {
		t.Fatalf("hidden datasets: %v", all)
	}
}

func TestServiceReleaseReapsCCI(t *testing.T) {
	testlog.Start(t)
	svc, addr := startService(t, serviceConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := sessionFor(t, addr, "")
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for svc.Registry().Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := svc.Registry().Count(); got != 0 {
		t.Fatalf("registry count after close: %d", got)
	}
}

func TestServiceReapsCCIOnDisconnect(t *testing.T) {
	testlog.Start(t)
	svc, addr := startService(t, serviceConfig())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	req, err := session.EncodeHelloRequest(1, "", session.Hello{ClientLabel: "raw", UserID: "operator"})
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	if err := writeFrame(conn, req); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	if _, err := readFrame(conn); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if svc.Registry().Count() != 1 {
		t.Fatalf("registry count: %d", svc.Registry().Count())
	}

	// Drop the connection without a release.
	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for svc.Registry().Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := svc.Registry().Count(); got != 0 {
		t.Fatalf("cci not reaped on disconnect: %d live", got)
	}
}

func TestServiceOverTLS(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir)
	certPath, keyPath := ca.IssueServerCert(t, dir, "127.0.0.1")

	cfg := serviceConfig()
	cfg.Session.TLS = session.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath}
	_, addr := startService(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ccfg := views.DefaultConfig()
	ccfg.Endpoint = addr
	ccfg.UserID = "operator"
	ccfg.Session.TLS = session.TLSConfig{Enabled: true, CAFile: ca.CAFile()}

	err := views.WithSession(ctx, ccfg, func(ctx context.Context, s *views.Session) error {
		v, err := s.Version(ctx)
		if err != nil {
			return err
		}
		if v != "1.0.0" {
			return errors.New("version mismatch: " + v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tls session: %v", err)
	}
}
