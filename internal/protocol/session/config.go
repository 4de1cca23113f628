package session

import "time"

// BackoffConfig defines dial retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// SecurityMode selects the transport policy envelope.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig describes transport encryption for one endpoint.
type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
	Mutual             bool
}

// Config defines transport/session reliability settings. The zero value is
// not usable; call WithDefaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration

	// DialAttempts bounds connection attempts in open(). The default of 1
	// matches the observed client contract: fail fast, no retry. Values
	// above 1 opt in to jittered backoff between attempts.
	DialAttempts int
	Backoff      BackoffConfig

	SecurityMode SecurityMode
	TLS          TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     15 * time.Second,
		DialAttempts:     1,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills zero-valued timeouts from DefaultConfig so partially
// populated configs stay usable.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = def.DialAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
