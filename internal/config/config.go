package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/goopcall/internal/util"
)

// FileName is the config file inside a peer or relay directory.
const FileName = "goopcall.json"

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	Relay     Relay     `json:"relay"`
	ICE       ICE       `json:"ice"`
	Call      Call      `json:"call"`
	Media     Media     `json:"media"`
	Viewer    Viewer    `json:"viewer"`
	Log       Log       `json:"log"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Signaling selects the shared store that carries call records.
type Signaling struct {
	// memory | sqlite | redis | relay
	Backend string `json:"backend"`

	// Root path of the call records inside the store.
	Root string `json:"root"`

	// relay: ws:// or wss:// URL of a goopcall relay.
	RelayURL string `json:"relay_url"`

	// redis
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	RedisPrefix   string `json:"redis_prefix"`

	// sqlite: relative to the peer directory.
	DBPath string `json:"db_path"`
}

// Relay configures `goopcall relay`.
type Relay struct {
	Bind    string `json:"bind"`
	Port    int    `json:"port"`
	Persist bool   `json:"persist"`
	DBPath  string `json:"db_path"`

	PingIntervalSec int `json:"ping_interval_seconds"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	Servers                []ICEServer `json:"servers"`
	DisconnectedTimeoutSec int         `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int         `json:"failed_timeout_seconds"`
	KeepaliveSec           int         `json:"keepalive_seconds"`
}

type Call struct {
	// 0 disables the ring timeout.
	RingTimeoutSec     int `json:"ring_timeout_seconds"`
	TeardownGraceMS    int `json:"teardown_grace_ms"`
	WriteRetryDelayMS  int `json:"write_retry_delay_ms"`
	MaxPendingIncoming int `json:"max_pending_incoming"`

	// Continue receive-only when camera/microphone capture fails instead of
	// failing the call.
	ReceiveOnlyFallback bool `json:"receive_only_fallback"`
}

type Media struct {
	MaxWidth     int `json:"max_width"`
	MaxHeight    int `json:"max_height"`
	VideoBitrate int `json:"video_bitrate"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Log struct {
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

var backends = map[string]bool{"memory": true, "sqlite": true, "redis": true, "relay": true}

var levels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "dpanic": true, "panic": true, "fatal": true}

func Default() Config {
	return Config{
		Signaling: Signaling{
			Backend:     "sqlite",
			Root:        "calls",
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "goopcall",
			DBPath:      "data/signal.db",
		},
		Relay: Relay{
			Bind:            "127.0.0.1",
			Port:            8788,
			DBPath:          "data/relay.db",
			PingIntervalSec: 20,
		},
		ICE: ICE{
			Servers: []ICEServer{
				{URLs: []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}},
			},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepaliveSec:           2,
		},
		Call: Call{
			RingTimeoutSec:     45,
			TeardownGraceMS:    2000,
			WriteRetryDelayMS:  250,
			MaxPendingIncoming: 8,
		},
		Media: Media{
			MaxWidth:     640,
			MaxHeight:    480,
			VideoBitrate: 1_500_000,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Validate checks the peer settings.
func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if strings.ContainsAny(c.Identity.UserID, "/ ") {
		return errors.New("identity.user_id must not contain slashes or spaces")
	}

	// Signaling
	if !backends[c.Signaling.Backend] {
		return fmt.Errorf("signaling.backend must be one of memory, sqlite, redis, relay (got %q)", c.Signaling.Backend)
	}
	if strings.Trim(c.Signaling.Root, "/") == "" {
		return errors.New("signaling.root is required")
	}
	switch c.Signaling.Backend {
	case "relay":
		if err := validateRelayURL(c.Signaling.RelayURL); err != nil {
			return fmt.Errorf("signaling.relay_url: %w", err)
		}
	case "redis":
		if strings.TrimSpace(c.Signaling.RedisAddr) == "" {
			return errors.New("signaling.redis_addr is required for the redis backend")
		}
		if c.Signaling.RedisDB < 0 {
			return errors.New("signaling.redis_db must be >= 0")
		}
	case "sqlite":
		if strings.TrimSpace(c.Signaling.DBPath) == "" {
			return errors.New("signaling.db_path is required for the sqlite backend")
		}
	}

	// ICE
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is required", i)
		}
	}
	if c.ICE.DisconnectedTimeoutSec < 0 || c.ICE.FailedTimeoutSec < 0 || c.ICE.KeepaliveSec < 0 {
		return errors.New("ice timeouts must be >= 0")
	}

	// Call
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if c.Call.TeardownGraceMS < 0 || c.Call.TeardownGraceMS > 60_000 {
		return errors.New("call.teardown_grace_ms must be 0..60000")
	}
	if c.Call.WriteRetryDelayMS < 0 {
		return errors.New("call.write_retry_delay_ms must be >= 0")
	}
	if c.Call.MaxPendingIncoming < 1 {
		return errors.New("call.max_pending_incoming must be > 0")
	}

	// Media
	if c.Media.MaxWidth < 0 || c.Media.MaxHeight < 0 || c.Media.VideoBitrate < 0 {
		return errors.New("media limits must be >= 0")
	}

	if err := c.validateLog(); err != nil {
		return err
	}
	return nil
}

// ValidateRelay checks the settings `goopcall relay` uses. No identity is
// needed there.
func (c *Config) ValidateRelay() error {
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 1..65535")
	}
	if b := c.Relay.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("relay.bind must be a valid IP address")
	}
	if c.Relay.Persist && strings.TrimSpace(c.Relay.DBPath) == "" {
		return errors.New("relay.db_path is required when relay.persist is enabled")
	}
	if c.Relay.PingIntervalSec < 1 {
		return errors.New("relay.ping_interval_seconds must be > 0")
	}
	if strings.Trim(c.Signaling.Root, "/") == "" {
		return errors.New("signaling.root is required")
	}
	return c.validateLog()
}

func (c *Config) validateLog() error {
	if !levels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	for sub, lvl := range c.Log.Subsystems {
		if !levels[strings.ToLower(lvl)] {
			return fmt.Errorf("log.subsystems.%s: %q is not a valid level", sub, lvl)
		}
	}
	return nil
}

// RelayAddr returns the relay listen address.
func (c *Config) RelayAddr() string {
	return net.JoinHostPort(c.Relay.Bind, fmt.Sprint(c.Relay.Port))
}

func validateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("required for the relay backend")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. The relay mode uses
// it since it has no identity.
func LoadPartial(path string) (Config, error) {
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

// Ensure loads config if it exists; otherwise creates a default config file
// for userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
