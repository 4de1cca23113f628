package historian

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/viewsctl/internal/auth"
	"github.com/danmuck/viewsctl/internal/observability"
	"github.com/danmuck/viewsctl/internal/protocol/frame"
	"github.com/danmuck/viewsctl/internal/protocol/schema"
	"github.com/danmuck/viewsctl/internal/protocol/session"
	"github.com/rs/zerolog"
)

// ServiceConfig configures the historian wire endpoint.
type ServiceConfig struct {
	ListenAddr      string
	AdminListenAddr string
	Version         string
	Banner          string
	APIKey          string
	Catalog         []View
	Session         session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: ":4280",
		Version:    "0.0.0-dev",
		Session:    session.DefaultConfig(),
	}
}

// Service serves the Views wire protocol over TCP or TLS.
type Service struct {
	cfg       ServiceConfig
	catalog   *Catalog
	registry  *ConnectionRegistry
	validator auth.Validator
	log       zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	clientCount atomic.Int64
}

func NewService(cfg ServiceConfig, log zerolog.Logger) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = DefaultServiceConfig().Version
	}
	cfg.Session = cfg.Session.WithDefaults()

	catalog := NewCatalog()
	catalog.Load(cfg.Catalog)
	return &Service{
		cfg:       cfg,
		catalog:   catalog,
		registry:  NewConnectionRegistry(),
		validator: auth.StaticKey{Key: cfg.APIKey},
		log:       log,
		conns:     make(map[net.Conn]struct{}),
	}
}

// Catalog exposes the store for the admin surface.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Registry exposes live CCI state for the admin surface.
func (s *Service) Registry() *ConnectionRegistry { return s.registry }

// Run serves until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("historian listening")

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		go func() {
			adminErr <- s.serveAdmin(ctx, addr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.serverTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts client sessions on an existing listener until ctx ends.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

// handleConn owns one client connection: hello, request loop, CCI reaping.
func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	s.log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("client connected")
	defer func() {
		remaining := s.clientCount.Add(-1)
		s.log.Debug().Str("remote", remote).Int64("active_clients", remaining).Msg("client disconnected")
	}()
	reader := bufio.NewReader(conn)
	limits := frame.DefaultLimits()

	var cci uint32
	defer func() {
		// Disconnect reaps an unreleased CCI.
		if cci != 0 && s.registry.Release(cci) {
			observability.SessionClosed()
			s.log.Debug().Uint32("cci", cci).Msg("cci reaped on disconnect")
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Session.ReadTimeout))
		fr, err := frame.Read(reader, limits)
		if err != nil {
			return
		}
		start := time.Now()
		resp, registered := s.dispatch(conn, fr, cci)
		if registered != 0 {
			cci = registered
		}
		observability.RecordRPC(schema.OpName(fr.Header.Op), schema.StatusName(resp.Header.Status), time.Since(start))

		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
		if err := frame.Write(conn, resp, limits); err != nil {
			s.log.Warn().Err(err).Str("remote", remote).Msg("write response failed")
			return
		}
		if fr.Header.Op == schema.OpRelease && resp.Header.Status == schema.StatusOK {
			cci = 0
		}
	}
}

// dispatch serves one request frame. The returned CCI is nonzero only when
// this request registered a new connection.
func (s *Service) dispatch(conn net.Conn, fr frame.Frame, boundCCI uint32) (frame.Frame, uint32) {
	if err := s.validator.Validate(string(fr.Auth)); err != nil {
		s.log.Warn().Str("remote", conn.RemoteAddr().String()).Str("op", schema.OpName(fr.Header.Op)).
			Msg("rejected api key")
		return session.ErrorFrame(fr, schema.StatusUnauthorized, "invalid api key"), 0
	}
	fields, err := session.RequestFields(fr)
	if err != nil {
		return session.ErrorFrame(fr, schema.StatusBadRequest, err.Error()), 0
	}

	switch fr.Header.Op {
	case schema.OpHello:
		hello, err := session.DecodeHello(fields)
		if err != nil {
			return session.ErrorFrame(fr, schema.StatusBadRequest, err.Error()), 0
		}
		if boundCCI != 0 {
			return session.ErrorFrame(fr, schema.StatusBadRequest, "connection already registered"), 0
		}
		reg := s.registry.Register(hello.ClientLabel, hello.UserID, conn.RemoteAddr().String())
		observability.SessionOpened()
		s.log.Info().Uint32("cci", reg.CCI).Str("client", hello.ClientLabel).Str("user", hello.UserID).
			Msg("client registered")
		return session.EncodeWelcome(fr, session.Welcome{CCI: reg.CCI, Banner: s.cfg.Banner}), reg.CCI

	case schema.OpPing:
		return session.EncodePingResponse(fr, "pong"), 0

	case schema.OpVersion:
		return session.EncodeVersionResponse(fr, s.cfg.Version), 0

	case schema.OpRelease:
		cci, err := session.DecodeCCI(fields)
		if err != nil {
			return session.ErrorFrame(fr, schema.StatusBadRequest, err.Error()), 0
		}
		if !s.registry.Release(cci) {
			return session.ErrorFrame(fr, schema.StatusNotFound, "unknown cci"), 0
		}
		observability.SessionClosed()
		s.log.Info().Uint32("cci", cci).Msg("cci released")
		return session.ResponseFrame(fr, nil), 0

	case schema.OpKeepalive:
		cci, err := session.DecodeCCI(fields)
		if err != nil {
			return session.ErrorFrame(fr, schema.StatusBadRequest, err.Error()), 0
		}
		if !s.registry.Touch(cci) {
			return session.ErrorFrame(fr, schema.StatusNotFound, "unknown cci"), 0
		}
		return session.ResponseFrame(fr, nil), 0

	case schema.OpListViews:
		cci, err := session.DecodeCCI(fields)
		if err != nil {
			return session.ErrorFrame(fr, schema.StatusBadRequest, err.Error()), 0
		}
		if !s.registry.Touch(cci) {
			return session.ErrorFrame(fr, schema.StatusNotFound, "unknown cci"), 0
		}
		return session.EncodeViewsResponse(fr, s.catalog.Views()), 0

	case schema.OpListDatasets:
		q, err := session.DecodeDatasetQuery(fields)
		if err != nil {
			return session.ErrorFrame(fr, schema.StatusBadRequest, err.Error()), 0
		}
		if !s.registry.Touch(q.CCI) {
			return session.ErrorFrame(fr, schema.StatusNotFound, "unknown cci"), 0
		}
		datasets, err := s.catalog.Datasets(q.View, q.IncludeHidden)
		if err != nil {
			return session.ErrorFrame(fr, schema.StatusNotFound, err.Error()), 0
		}
		return session.EncodeDatasetsResponse(fr, datasets), 0

	case schema.OpListTags:
		q, err := session.DecodeTagQuery(fields)
		if err != nil {
			return session.ErrorFrame(fr, schema.StatusBadRequest, err.Error()), 0
		}
		if !s.registry.Touch(q.CCI) {
			return session.ErrorFrame(fr, schema.StatusNotFound, "unknown cci"), 0
		}
		tags, err := s.catalog.Tags(q.View, q.Dataset, q.StartingOffset, q.MaxCount)
		if err != nil {
			return session.ErrorFrame(fr, schema.StatusNotFound, err.Error()), 0
		}
		return session.EncodeTagsResponse(fr, tags), 0

	default:
		return session.ErrorFrame(fr, schema.StatusBadRequest, "unknown op"), 0
	}
}

func (s *Service) serverTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.Session.TLS.CertFile, s.cfg.Session.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if s.cfg.Session.TLS.Mutual {
		caPEM, err := os.ReadFile(s.cfg.Session.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("historian: parse tls ca bundle: %s", s.cfg.Session.TLS.CAFile)
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
