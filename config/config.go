// Package config loads the static replica set from network.json, the only
// persisted state this core reads. Config errors are fatal at startup: the
// caller exits with status 1.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"pbftnode/perr"
)

// Port is one replica's listening port, the network.json unit of identity.
type Port struct {
	Value uint64 `json:"port"`
}

func (p Port) String() string { return fmt.Sprintf("%d", p.Value) }

// Config is the decoded network.json: the full replica set and which of
// its ports is primary.
type Config struct {
	Nodes   []Port `json:"nodes"`
	Primary Port   `json:"primary"`
}

// Load reads and parses path, returning a *perr.Error of kind Config on
// any failure: unreadable file, malformed JSON, or a primary port absent
// from the node list.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.New(perr.Config, "UnreadableConfig", err.Error())
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, perr.New(perr.Config, "MalformedConfig", err.Error())
	}

	if len(cfg.Nodes) == 0 {
		return nil, perr.New(perr.Config, "MalformedConfig", "network.json lists no nodes")
	}

	found := false
	for _, n := range cfg.Nodes {
		if n.Value == cfg.Primary.Value {
			found = true
			break
		}
	}
	if !found {
		return nil, perr.New(perr.Config, "MissingPrimary", "primary port not present in node list")
	}

	return &cfg, nil
}

// IsPrimary reports whether port is the configured primary.
func (c *Config) IsPrimary(port uint64) bool {
	return c.Primary.Value == port
}

// IsBackup reports whether port is a configured node other than the primary.
func (c *Config) IsBackup(port uint64) bool {
	for _, n := range c.Nodes {
		if n.Value == port {
			return !c.IsPrimary(port)
		}
	}
	return false
}

// BackupNodes returns every configured node other than the primary.
func (c *Config) BackupNodes() []Port {
	out := make([]Port, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.Value != c.Primary.Value {
			out = append(out, n)
		}
	}
	return out
}
