package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/viewsctl/internal/protocol/session"
	"github.com/danmuck/viewsctl/internal/views"
)

const (
	EnvEndpoint = "VIEWSCTL_ENDPOINT"
	EnvAPIKey   = "VIEWSCTL_API_KEY"
	EnvUserID   = "VIEWSCTL_USER_ID"
)

// viewsctl config.toml key mapping to client settings.
type fileConfig struct {
	Endpoint    string `toml:"endpoint"`
	APIKey      string `toml:"api_key"`
	UserID      string `toml:"user_id"`
	ClientLabel string `toml:"client_label"`

	IncludeHidden  bool   `toml:"include_hidden"`
	StartingOffset uint32 `toml:"starting_offset"`
	MaxCount       uint32 `toml:"max_count"`

	SessionSecurityMode   string `toml:"session_security_mode"`
	SessionTLSEnabled     bool   `toml:"session_tls_enabled"`
	SessionTLSSkipVerify  bool   `toml:"session_tls_insecure_skip_verify"`
	SessionTLSServerName  string `toml:"session_tls_server_name"`
	SessionTLSCAFile      string `toml:"session_tls_ca_file"`
	SessionTLSMutual      bool   `toml:"session_tls_mutual"`
	SessionTLSCertFile    string `toml:"session_tls_cert_file"`
	SessionTLSKeyFile     string `toml:"session_tls_key_file"`
}

// queryConfig shapes the catalog walk done by the smoke flow.
type queryConfig struct {
	IncludeHidden  bool
	StartingOffset uint32
	MaxCount       uint32
}

func defaultQueryConfig() queryConfig {
	return queryConfig{MaxCount: 100}
}

// loadClientConfig overlays config.toml (when given) and environment
// variables onto client defaults. Environment wins over the file.
func loadClientConfig(path string) (views.Config, queryConfig, error) {
	cfg := views.DefaultConfig()
	query := defaultQueryConfig()

	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return views.Config{}, queryConfig{}, fmt.Errorf("load viewsctl config: %w", err)
		}
		if meta.IsDefined("endpoint") {
			cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
		}
		if meta.IsDefined("api_key") {
			cfg.APIKey = strings.TrimSpace(raw.APIKey)
		}
		if meta.IsDefined("user_id") {
			cfg.UserID = strings.TrimSpace(raw.UserID)
		}
		if meta.IsDefined("client_label") {
			cfg.ClientLabel = strings.TrimSpace(raw.ClientLabel)
		}
		if meta.IsDefined("include_hidden") {
			query.IncludeHidden = raw.IncludeHidden
		}
		if meta.IsDefined("starting_offset") {
			query.StartingOffset = raw.StartingOffset
		}
		if meta.IsDefined("max_count") {
			query.MaxCount = raw.MaxCount
		}
		if meta.IsDefined("session_security_mode") {
			cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
		}
		if meta.IsDefined("session_tls_enabled") {
			cfg.Session.TLS.Enabled = raw.SessionTLSEnabled
		}
		if meta.IsDefined("session_tls_insecure_skip_verify") {
			cfg.Session.TLS.InsecureSkipVerify = raw.SessionTLSSkipVerify
		}
		if meta.IsDefined("session_tls_server_name") {
			cfg.Session.TLS.ServerName = strings.TrimSpace(raw.SessionTLSServerName)
		}
		if meta.IsDefined("session_tls_ca_file") {
			cfg.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
		}
		if meta.IsDefined("session_tls_mutual") {
			cfg.Session.TLS.Mutual = raw.SessionTLSMutual
		}
		if meta.IsDefined("session_tls_cert_file") {
			cfg.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
		}
		if meta.IsDefined("session_tls_key_file") {
			cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, query, nil
}

func applyEnvOverrides(cfg *views.Config) {
	if v := strings.TrimSpace(os.Getenv(EnvEndpoint)); v != "" {
		cfg.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		cfg.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvUserID)); v != "" {
		cfg.UserID = v
	}
}
