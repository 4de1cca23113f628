package views

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/viewsctl/internal/protocol/session"

	"github.com/rs/zerolog"
)

// NewSession builds an unopened session from cfg. The session owns no
// connection until Open succeeds.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.ClientLabel) == "" {
		cfg.ClientLabel = "viewsctl"
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		cfg.UserID = DefaultUserID
	}
	cfg.Session = cfg.Session.WithDefaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	s := &Session{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		log: log,
	}
	s.reqID.Store(uint64(time.Now().UnixNano()))
	return s, nil
}

// Open dials the endpoint and performs the hello handshake, binding a live
// CCI to the session. It is valid only on a session that has never been
// opened: a second Open returns ErrAlreadyOpen, and a closed session cannot
// be reopened. Attempts beyond the first back off per the session config.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateOpen:
		return ErrAlreadyOpen
	case stateClosed:
		return ErrSessionClosed
	}

	var attempt int
	for {
		attempt++
		conn, err := s.dial(ctx)
		if err != nil {
			s.log.Warn().Int("attempt", attempt).Str("endpoint", s.cfg.Endpoint).Err(err).
				Msg("views dial failed")
			if !s.shouldRetry(attempt) {
				return &ConnectError{Endpoint: s.cfg.Endpoint, Err: err}
			}
			if err := s.sleepBackoff(ctx, attempt); err != nil {
				return &ConnectError{Endpoint: s.cfg.Endpoint, Err: err}
			}
			continue
		}

		err = s.hello(conn)
		if err == nil {
			s.state = stateOpen
			s.log.Debug().Uint32("cci", s.cci).Str("endpoint", s.cfg.Endpoint).
				Msg("views session registered")
			return nil
		}
		_ = conn.Close()
		var se *StatusError
		if errors.As(err, &se) || !s.shouldRetry(attempt) {
			return &ConnectError{Endpoint: s.cfg.Endpoint, Err: err}
		}
		if err := s.sleepBackoff(ctx, attempt); err != nil {
			return &ConnectError{Endpoint: s.cfg.Endpoint, Err: err}
		}
	}
}

// WithSession opens a session over cfg, runs fn, and guarantees exactly one
// Close regardless of how fn returns.
func WithSession(ctx context.Context, cfg Config, fn func(ctx context.Context, s *Session) error) error {
	s, err := NewSession(cfg)
	if err != nil {
		return err
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			s.log.Warn().Err(cerr).Msg("views session close failed")
		}
	}()
	return fn(ctx, s)
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	if err := s.cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: s.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", s.cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	if !s.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := s.clientTLSConfig()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *Session) clientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.Session.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(s.cfg.Session.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(s.cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(s.cfg.Session.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("views: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if s.cfg.Session.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(s.cfg.Session.TLS.CertFile, s.cfg.Session.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (s *Session) shouldRetry(attempt int) bool {
	return attempt < s.cfg.Session.DialAttempts
}

func (s *Session) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(s.cfg.Session.Backoff, attempt, s.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// hello runs the registration exchange on a freshly dialed conn. On success
// the conn and welcome fields are installed on the session; on failure the
// session is left untouched and the caller owns the conn.
func (s *Session) hello(conn net.Conn) error {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	req, err := session.EncodeHelloRequest(s.nextRequestID(), s.cfg.APIKey, session.Hello{
		ClientLabel: s.cfg.ClientLabel,
		UserID:      s.cfg.UserID,
	})
	if err != nil {
		return err
	}
	fields, err := s.roundTrip("hello", conn, reader, req)
	if err != nil {
		return err
	}
	w, err := session.DecodeWelcome(fields)
	if err != nil {
		return &TransportError{Op: "hello", Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	s.conn = conn
	s.reader = reader
	s.cci = w.CCI
	s.banner = w.Banner
	return nil
}
