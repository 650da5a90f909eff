package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/peerline-io/peerline/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Ice      Ice      `json:"ice"`
	Call     Call     `json:"call"`
	Bridge   Bridge   `json:"bridge"`
	History  History  `json:"history"`
}

type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url"`
}

type Store struct {
	// Backend selects the signaling relay: "mongo" or "memory".
	// "memory" only reaches peers inside the same process; it exists for
	// tests and local demos.
	Backend  string `json:"backend"`
	URI      string `json:"uri"`
	Database string `json:"database"`
}

type Ice struct {
	// Servers are STUN/TURN URLs handed to the connection layer.
	Servers []string `json:"servers"`
}

type Call struct {
	// RingTimeoutSec bounds how long an outgoing call rings before it is
	// ended as unanswered. 0 disables the timeout.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// EndDelayMS keeps the ended state visible before the session closes.
	EndDelayMS int `json:"end_delay_ms"`
}

type Bridge struct {
	// HTTPAddr is the local websocket bridge bind address. Empty disables
	// the bridge.
	HTTPAddr string `json:"http_addr"`
}

type History struct {
	Enabled bool `json:"enabled"`
	// Dir holds the local call log database. Relative to the peer dir.
	Dir string `json:"dir"`
}

func Default() Config {
	return Config{
		Store: Store{
			Backend:  "mongo",
			URI:      "mongodb://127.0.0.1:27017",
			Database: "peerline",
		},
		Ice: Ice{
			Servers: []string{
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
		},
		Call: Call{
			RingTimeoutSec: 45,
			EndDelayMS:     1500,
		},
		Bridge: Bridge{
			HTTPAddr: "127.0.0.1:8790",
		},
		History: History{
			Enabled: true,
			Dir:     "data",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UID) == "" {
		return errors.New("identity.uid is required")
	}
	if strings.ContainsAny(c.Identity.UID, "_/ ") {
		return errors.New("identity.uid must not contain '_', '/' or spaces")
	}

	// Store
	switch c.Store.Backend {
	case "mongo":
		if strings.TrimSpace(c.Store.URI) == "" {
			return errors.New("store.uri is required for the mongo backend")
		}
		u, err := url.Parse(c.Store.URI)
		if err != nil {
			return fmt.Errorf("store.uri: %v", err)
		}
		if u.Scheme != "mongodb" && u.Scheme != "mongodb+srv" {
			return errors.New("store.uri scheme must be mongodb or mongodb+srv")
		}
		if strings.TrimSpace(c.Store.Database) == "" {
			return errors.New("store.database is required for the mongo backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be mongo or memory, got %q", c.Store.Backend)
	}

	// Ice
	for _, s := range c.Ice.Servers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("ice.servers entry %q must be a stun:/turn:/turns: url", s)
		}
	}

	// Call
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if c.Call.EndDelayMS < 0 {
		return errors.New("call.end_delay_ms must be >= 0")
	}

	// History
	if c.History.Enabled && strings.TrimSpace(c.History.Dir) == "" {
		return errors.New("history.dir is required when history is enabled")
	}

	return nil
}

// RingTimeout returns the configured ring timeout as a duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

// EndDelay returns the configured end delay as a duration.
func (c *Config) EndDelay() time.Duration {
	return time.Duration(c.Call.EndDelayMS) * time.Millisecond
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). The created default still fails Validate
// until an identity uid is filled in, so it is returned unvalidated.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
