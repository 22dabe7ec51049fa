package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/petervdpas/sigrelay/internal/util"
)

type Config struct {
	Server Server `json:"server"`
	Client Client `json:"client"`
}

type Server struct {
	// Listen address, host:port.
	Addr string `json:"addr"`

	// TLS cert/key paths. Both empty = plain HTTP/WS; both must be set
	// together.
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`

	// Topology mode: "public" (broadcast discovery) or "private"
	// (two fixed participants per connection id).
	Mode string `json:"mode"`

	// Transport: "poll" (HTTP polling) or "websocket" (persistent push).
	// The two never run simultaneously in one deployment.
	Transport string `json:"transport"`

	// Inactivity threshold in milliseconds before a silent session is
	// swept and its connections torn down.
	SessionTimeoutMs int `json:"session_timeout_ms"`
}

type Client struct {
	// Interval between GET polls against the relay (poll transport).
	PollIntervalMs int `json:"poll_interval_ms"`

	// How long the impolite side waits for the negotiation to go stable
	// before re-sending its offer.
	ResendIntervalMs int `json:"resend_interval_ms"`
}

const (
	TransportPoll      = "poll"
	TransportWebsocket = "websocket"
)

func Default() Config {
	return Config{
		Server: Server{
			Addr:             "127.0.0.1:8989",
			Mode:             "private",
			Transport:        TransportPoll,
			SessionTimeoutMs: 10000,
		},
		Client: Client{
			PollIntervalMs:   1000,
			ResendIntervalMs: 3000,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	switch c.Server.Mode {
	case "public", "private":
	default:
		return fmt.Errorf("server.mode must be public or private, got %q", c.Server.Mode)
	}
	switch c.Server.Transport {
	case TransportPoll, TransportWebsocket:
	default:
		return fmt.Errorf("server.transport must be poll or websocket, got %q", c.Server.Transport)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.SessionTimeoutMs <= 0 {
		return errors.New("server.session_timeout_ms must be > 0")
	}
	if c.Client.PollIntervalMs <= 0 {
		return errors.New("client.poll_interval_ms must be > 0")
	}
	if c.Client.ResendIntervalMs <= 0 {
		return errors.New("client.resend_interval_ms must be > 0")
	}
	if c.Client.PollIntervalMs >= c.Server.SessionTimeoutMs {
		return errors.New("client.poll_interval_ms must be < server.session_timeout_ms")
	}
	return nil
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

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
