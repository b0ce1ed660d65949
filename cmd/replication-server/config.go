package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-replication/pkg/protocol"
	"github.com/dd0wney/cluso-replication/pkg/replication"
	rtls "github.com/dd0wney/cluso-replication/pkg/tls"
	"github.com/dd0wney/cluso-replication/pkg/validation"
)

// serverConfig is the replication server configuration file
type serverConfig struct {
	Replication  replication.Config `yaml:"replication"`
	ChangelogDir string             `yaml:"changelog_dir" validate:"required"`
	AdminAddr    string             `yaml:"admin_addr" validate:"required"`
	AdminTLS     rtls.Config        `yaml:"admin_tls"`
	LogLevel     string             `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Transport    string             `yaml:"transport" validate:"required"`
	SendTimeout  time.Duration      `yaml:"send_timeout"`
	BaseDNs      []string           `yaml:"base_dns" validate:"required,min=1,dive,required"`
	Peers        []peerConfig       `yaml:"peers" validate:"dive"`
}

// peerConfig is a statically configured peer connection
type peerConfig struct {
	BaseDN       string `yaml:"base_dn" validate:"required"`
	Address      string `yaml:"address" validate:"required"`
	Listen       bool   `yaml:"listen"`
	ServerID     int32  `yaml:"server_id" validate:"gt=0"`
	Kind         string `yaml:"kind" validate:"oneof=ds rs"`
	GroupID      uint8  `yaml:"group_id"`
	GenerationID int64  `yaml:"generation_id"`
	ServerURL    string `yaml:"server_url"`
	Weight       int    `yaml:"weight" validate:"gte=0"`
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Replication:  replication.DefaultConfig(),
		ChangelogDir: "./data/changelog",
		AdminAddr:    ":8989",
		AdminTLS:     rtls.DefaultConfig(),
		LogLevel:     "info",
		Transport:    "nng",
		SendTimeout:  5 * time.Second,
	}
}

// loadConfig reads path over the defaults. An empty path keeps the defaults.
func loadConfig(path string) (*serverConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// validate checks the file and the peers against the configured domains
func (c *serverConfig) validate() error {
	c.Replication.ApplyDefaults()
	if err := c.Replication.Validate(); err != nil {
		return fmt.Errorf("invalid replication config: %w", err)
	}
	if err := validation.Struct(c); err != nil {
		return err
	}

	domains := make(map[string]bool, len(c.BaseDNs))
	for _, dn := range c.BaseDNs {
		if domains[dn] {
			return fmt.Errorf("base DN %q configured twice", dn)
		}
		domains[dn] = true
	}

	transports := replication.Transports()
	known := false
	for _, name := range transports {
		known = known || name == c.Transport
	}
	if !known {
		return fmt.Errorf("%w: %q (available: %v)", replication.ErrUnknownTransport, c.Transport, transports)
	}

	for i, p := range c.Peers {
		if !domains[p.BaseDN] {
			return fmt.Errorf("peer %d: unknown base DN %q", i, p.BaseDN)
		}
		if p.ServerID == c.Replication.ServerID {
			return fmt.Errorf("peer %d: server id %d is the local server", i, p.ServerID)
		}
	}
	return nil
}

// peerInfo converts the configured peer for registration
func (p peerConfig) peerInfo() replication.PeerInfo {
	kind := replication.KindDS
	if p.Kind == "rs" {
		kind = replication.KindRS
	}
	info := replication.PeerInfo{
		ServerID:     p.ServerID,
		Kind:         kind,
		GroupID:      p.GroupID,
		GenerationID: p.GenerationID,
		ServerURL:    p.ServerURL,
		Weight:       p.Weight,
	}
	if kind == replication.KindDS {
		info.Status = protocol.StatusNormal
	}
	return info
}

func (p peerConfig) sessionConfig(sendTimeout time.Duration) replication.SessionConfig {
	return replication.SessionConfig{
		Address:     p.Address,
		Listen:      p.Listen,
		SendTimeout: sendTimeout,
	}
}
