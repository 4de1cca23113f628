package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/viewsctl/internal/historian"
	"github.com/danmuck/viewsctl/internal/protocol/session"
)

// historianctl config.toml key mapping to service settings.
type fileConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	AdminListenAddr string `toml:"admin_listen_addr"`
	Version         string `toml:"version"`
	Banner          string `toml:"banner"`
	APIKey          string `toml:"api_key"`

	SessionSecurityMode string `toml:"session_security_mode"`
	SessionTLSEnabled   bool   `toml:"session_tls_enabled"`
	SessionTLSMutual    bool   `toml:"session_tls_mutual"`
	SessionTLSCertFile  string `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string `toml:"session_tls_key_file"`
	SessionTLSCAFile    string `toml:"session_tls_ca_file"`

	Views []fileView `toml:"views"`
}

type fileView struct {
	Name     string        `toml:"name"`
	Datasets []fileDataset `toml:"datasets"`
}

type fileDataset struct {
	Name   string   `toml:"name"`
	Hidden bool     `toml:"hidden"`
	Tags   []string `toml:"tags"`
}

// loadServiceConfig overlays config.toml values onto service defaults.
func loadServiceConfig(path string) (historian.ServiceConfig, error) {
	cfg := historian.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return historian.ServiceConfig{}, fmt.Errorf("load historian config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("version") {
		cfg.Version = strings.TrimSpace(raw.Version)
	}
	if meta.IsDefined("banner") {
		cfg.Banner = strings.TrimSpace(raw.Banner)
	}
	if meta.IsDefined("api_key") {
		cfg.APIKey = strings.TrimSpace(raw.APIKey)
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Session.TLS.Enabled = raw.SessionTLSEnabled
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
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}

	cfg.Catalog = make([]historian.View, 0, len(raw.Views))
	for _, v := range raw.Views {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			return historian.ServiceConfig{}, fmt.Errorf("load historian config: view with empty name")
		}
		view := historian.View{Name: name, Datasets: make([]historian.Dataset, 0, len(v.Datasets))}
		for _, d := range v.Datasets {
			dsName := strings.TrimSpace(d.Name)
			if dsName == "" {
				return historian.ServiceConfig{}, fmt.Errorf("load historian config: view %q dataset with empty name", name)
			}
			view.Datasets = append(view.Datasets, historian.Dataset{
				Name:   dsName,
				Hidden: d.Hidden,
				Tags:   d.Tags,
			})
		}
		cfg.Catalog = append(cfg.Catalog, view)
	}
	return cfg, nil
}
