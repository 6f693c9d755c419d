package avbd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mikey-austin/avbridge/pkg/bridge"
)

// Config is the top-level configuration for avbd.
type Config struct {
	Server    ServerConfig     `toml:"server"`
	SOAP      SOAPConfig       `toml:"soap"`
	Defaults  RendererDefaults `toml:"defaults"`
	Renderers []RendererConfig `toml:"renderers"`
	Modules   ModulesConfig    `toml:"modules"`
}

// ServerConfig defines shared server settings.
type ServerConfig struct {
	Broker    string     `toml:"broker"`
	Identity  string     `toml:"identity"`
	TopicBase string     `toml:"topic_base"`
	LogLevel  string     `toml:"log_level"`
	LogFormat string     `toml:"log_format"`
	LogOutput string     `toml:"log_output"`
	LogSource bool       `toml:"log_source"`
	LogUTC    bool       `toml:"log_utc"`
	TLS       TLSConfig  `toml:"tls"`
	Auth      AuthConfig `toml:"auth"`
}

// TLSConfig holds TLS paths for MQTT.
type TLSConfig struct {
	CA   string `toml:"ca"`
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// AuthConfig holds MQTT auth credentials.
type AuthConfig struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// SOAPConfig tunes the renderer control transport.
type SOAPConfig struct {
	TimeoutMS int64 `toml:"timeout_ms"`
	Workers   int   `toml:"workers"`
	Backlog   int   `toml:"backlog"`
}

// Timeout is the per-action deadline.
func (c SOAPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RendererDefaults applies to every renderer unless overridden.
type RendererDefaults struct {
	SendMetadata  bool   `toml:"send_metadata"`
	AcceptNextURI bool   `toml:"accept_next_uri"`
	ForceVolume   bool   `toml:"force_volume"`
	NoZeroVolume  bool   `toml:"no_zero_volume"`
	VolumeCurve   string `toml:"volume_curve"`
}

// RendererConfig declares one renderer. Either Location (a device
// description URL) or the AVTransport and RenderingControl URLs must be set.
type RendererConfig struct {
	UDN               string `toml:"udn"`
	Name              string `toml:"name"`
	Location          string `toml:"location"`
	AVTransportURL    string `toml:"avtransport_url"`
	RenderingURL      string `toml:"rendering_url"`
	ConnectionURL     string `toml:"connection_url"`
	GroupRenderingURL string `toml:"group_rendering_url"`

	SendMetadata  *bool   `toml:"send_metadata"`
	AcceptNextURI *bool   `toml:"accept_next_uri"`
	ForceVolume   *bool   `toml:"force_volume"`
	NoZeroVolume  *bool   `toml:"no_zero_volume"`
	VolumeCurve   *string `toml:"volume_curve"`
}

// Effective merges the renderer's overrides onto defaults.
func (r RendererConfig) Effective(defaults RendererDefaults) RendererDefaults {
	out := defaults
	if r.SendMetadata != nil {
		out.SendMetadata = *r.SendMetadata
	}
	if r.AcceptNextURI != nil {
		out.AcceptNextURI = *r.AcceptNextURI
	}
	if r.ForceVolume != nil {
		out.ForceVolume = *r.ForceVolume
	}
	if r.NoZeroVolume != nil {
		out.NoZeroVolume = *r.NoZeroVolume
	}
	if r.VolumeCurve != nil {
		out.VolumeCurve = *r.VolumeCurve
	}
	return out
}

// ModulesConfig holds module configurations.
type ModulesConfig struct {
	EmbeddedMQTT EmbeddedMQTTConfig `toml:"embedded_mqtt"`
	StatusHTTP   StatusHTTPConfig   `toml:"status_http"`
}

// StatusHTTPConfig configures the read-only status server.
type StatusHTTPConfig struct {
	Enabled     bool   `toml:"enabled"`
	Listen      string `toml:"listen"`
	MaxWatchers int    `toml:"max_watchers"`
}

// EmbeddedMQTTConfig configures the embedded MQTT broker.
type EmbeddedMQTTConfig struct {
	Enabled        bool   `toml:"enabled"`
	Listen         string `toml:"listen"`
	AllowAnonymous bool   `toml:"allow_anonymous"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	TLSCA          string `toml:"tls_ca"`
	TLSCert        string `toml:"tls_cert"`
	TLSKey         string `toml:"tls_key"`
}

// DefaultConfig returns the values used for keys absent from the file.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			TopicBase: bridge.BaseTopic,
			LogLevel:  "info",
			LogFormat: "text",
			LogOutput: "stderr",
		},
		SOAP: SOAPConfig{TimeoutMS: 5000, Workers: 4, Backlog: 64},
		Defaults: RendererDefaults{
			SendMetadata:  true,
			AcceptNextURI: true,
		},
	}
}

// LoadConfig loads a config file from path on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the renderer list and transport settings.
func (c Config) Validate() error {
	if c.SOAP.TimeoutMS <= 0 {
		return errors.New("soap.timeout_ms must be positive")
	}
	if c.SOAP.Workers <= 0 || c.SOAP.Backlog <= 0 {
		return errors.New("soap.workers and soap.backlog must be positive")
	}
	seen := map[string]bool{}
	for i, r := range c.Renderers {
		if r.Location == "" {
			if r.UDN == "" {
				return fmt.Errorf("renderers[%d]: udn required without location", i)
			}
			if r.AVTransportURL == "" || r.RenderingURL == "" {
				return fmt.Errorf("renderers[%d]: location or avtransport_url and rendering_url required", i)
			}
		}
		if r.UDN != "" {
			if seen[r.UDN] {
				return fmt.Errorf("renderers[%d]: duplicate udn %s", i, r.UDN)
			}
			seen[r.UDN] = true
		}
	}
	return nil
}

// Encode writes cfg as TOML.
func (c Config) Encode() (string, error) {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", err
	}
	return b.String(), nil
}

// DefaultConfigPath returns the default config location.
func DefaultConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "avbridge", "avbd.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "avbridge", "avbd.toml"), nil
}
