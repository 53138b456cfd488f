// Package config loads a peer's settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	RolePeer      = "peer"
	RoleAuthority = "authority"
)

// Config is the whole file. Zero fields are filled from Default.
type Config struct {
	NetworkID uint32        `yaml:"network_id"`
	Role      string        `yaml:"role"`
	TickRate  time.Duration `yaml:"tick_rate"`

	CorrectRejected   bool `yaml:"correct_rejected"`
	InboundByteCap    int  `yaml:"inbound_byte_cap"`
	TombstoneCapacity int  `yaml:"tombstone_capacity"`
	AppendSetSize     int  `yaml:"append_set_size"`

	Components []ComponentConfig `yaml:"components"`
	Parent     ParentConfig      `yaml:"parent"`
	Link       LinkConfig        `yaml:"link"`

	HTTP  HTTPConfig   `yaml:"http"`
	QUIC  QUICConfig   `yaml:"quic"`
	Redis *RedisConfig `yaml:"redis,omitempty"`
	Dial  []DialTarget `yaml:"dial,omitempty"`
	Log   LogConfig    `yaml:"log"`
}

const (
	ComponentTransform = "transform"
	ComponentRaw       = "raw"
)

// ComponentConfig declares a component the node stores. Transforms are decoded,
// raw components are kept as opaque payloads.
type ComponentConfig struct {
	ID   uint32 `yaml:"id"`
	Kind string `yaml:"kind"`
}

// ParentConfig locates the parent reference that is rewritten between local and
// network ids.
type ParentConfig struct {
	Disabled  bool   `yaml:"disabled"`
	Component uint32 `yaml:"component"`
	Offset    int    `yaml:"offset"`
	Lazy      *bool  `yaml:"lazy,omitempty"`
}

// LinkConfig applies to every network connection.
type LinkConfig struct {
	MaxFrameSize int     `yaml:"max_frame_size"`
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// WebTransport serves HTTP/3 on Addr as well when a certificate is set.
	WebTransport bool   `yaml:"webtransport"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
}

type QUICConfig struct {
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

const (
	DialWebSocket    = "ws"
	DialQUIC         = "quic"
	DialWebTransport = "webtransport"
)

// DialTarget is a peer this node connects to on startup.
type DialTarget struct {
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
	// Insecure skips certificate verification for quic and webtransport.
	Insecure bool `yaml:"insecure"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Backend string `yaml:"backend"`
}

// Default returns a peer with a random network id.
func Default() Config {
	return Config{
		NetworkID:         uuid.New().ID(),
		Role:              RolePeer,
		TickRate:          50 * time.Millisecond,
		InboundByteCap:    4 << 20,
		TombstoneCapacity: 4096,
		AppendSetSize:     100,
		Components: []ComponentConfig{
			{ID: 1, Kind: ComponentTransform},
		},
		Parent: ParentConfig{
			Component: 1,
			Offset:    40,
		},
		Link: LinkConfig{
			MaxFrameSize: 1 << 20,
			RateLimit:    200,
			RateBurst:    400,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Log: LogConfig{
			Level:   "info",
			Format:  "text",
			Backend: "slog",
		},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LazyParents reports whether unknown parents get a local id right away.
func (c Config) LazyParents() bool {
	return c.Parent.Lazy == nil || *c.Parent.Lazy
}

func (c Config) Validate() error {
	var errs []error
	if c.NetworkID == 0 {
		errs = append(errs, errors.New("network_id must not be 0"))
	}
	switch c.Role {
	case RolePeer, RoleAuthority:
	default:
		errs = append(errs, fmt.Errorf("role %q: must be %q or %q", c.Role, RolePeer, RoleAuthority))
	}
	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("tick_rate %s: must be positive", c.TickRate))
	}
	if c.InboundByteCap <= 0 {
		errs = append(errs, errors.New("inbound_byte_cap must be positive"))
	}
	if c.TombstoneCapacity <= 0 {
		errs = append(errs, errors.New("tombstone_capacity must be positive"))
	}
	if c.AppendSetSize <= 0 {
		errs = append(errs, errors.New("append_set_size must be positive"))
	}
	seen := make(map[uint32]bool, len(c.Components))
	transforms := 0
	for i, comp := range c.Components {
		switch comp.Kind {
		case ComponentTransform:
			transforms++
		case ComponentRaw:
		default:
			errs = append(errs, fmt.Errorf("components[%d]: unknown kind %q", i, comp.Kind))
		}
		if seen[comp.ID] {
			errs = append(errs, fmt.Errorf("components[%d]: id %d declared twice", i, comp.ID))
		}
		seen[comp.ID] = true
	}
	if transforms > 1 {
		errs = append(errs, errors.New("at most one transform component"))
	}
	if !c.Parent.Disabled && c.Parent.Offset < 0 {
		errs = append(errs, errors.New("parent.offset must not be negative"))
	}
	if c.Link.MaxFrameSize <= 0 {
		errs = append(errs, errors.New("link.max_frame_size must be positive"))
	}
	if c.Link.RateLimit < 0 || c.Link.RateBurst < 0 {
		errs = append(errs, errors.New("link rate limit must not be negative"))
	}
	if c.HTTP.WebTransport && (c.HTTP.CertFile == "" || c.HTTP.KeyFile == "") {
		errs = append(errs, errors.New("http.webtransport needs cert_file and key_file"))
	}
	if c.QUIC.Addr != "" && (c.QUIC.CertFile == "" || c.QUIC.KeyFile == "") {
		errs = append(errs, errors.New("quic needs cert_file and key_file"))
	}
	if c.Redis != nil && (c.Redis.Addr == "" || c.Redis.Channel == "") {
		errs = append(errs, errors.New("redis needs addr and channel"))
	}
	for i, d := range c.Dial {
		switch d.Kind {
		case DialWebSocket, DialQUIC, DialWebTransport:
		default:
			errs = append(errs, fmt.Errorf("dial[%d]: unknown kind %q", i, d.Kind))
		}
		if d.URL == "" {
			errs = append(errs, fmt.Errorf("dial[%d]: url is required", i))
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be text or json", c.Log.Format))
	}
	switch c.Log.Backend {
	case "slog", "zerolog", "logrus":
	default:
		errs = append(errs, fmt.Errorf("log.backend %q: must be slog, zerolog or logrus", c.Log.Backend))
	}
	return errors.Join(errs...)
}
