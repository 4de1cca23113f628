package views

import (
	"strings"

	"github.com/danmuck/viewsctl/internal/protocol/session"
	"github.com/rs/zerolog"
)

// DefaultUserID is the attribution identity sent when the caller does not
// configure one.
const DefaultUserID = "viewsctl"

// Config identifies the historian endpoint and the caller. APIKey may be
// empty against services that run without auth; UserID falls back to
// DefaultUserID.
type Config struct {
	Endpoint    string
	APIKey      string
	UserID      string
	ClientLabel string

	Session session.Config
	Logger  *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		ClientLabel: "viewsctl",
		UserID:      DefaultUserID,
		Session:     session.DefaultConfig(),
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return ErrEndpointRequired
	}
	return nil
}
