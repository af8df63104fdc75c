// Package config loads and validates the chorus.yaml table: modes,
// commands, personas and adapter endpoints. The file is data, not
// code — adding a mode or command needs no rebuild. Load is strict: a
// malformed table is fatal at startup, the daemon never runs on a
// partial config.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"chorus/internal/action"
	"chorus/internal/mode"
)

// ErrConfig wraps every load/validate failure so callers can tell a
// config fault from an IO fault.
var ErrConfig = errors.New("config")

type Persona struct {
	ID     string `yaml:"id"`
	System string `yaml:"system"`
}

type AdvisorConfig struct {
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
	Proxy    string `yaml:"proxy"` // optional SOCKS5 host:port
	Fallback string `yaml:"fallback"`
}

// ReplyTimeout returns the parsed timeout; Validate has already
// guaranteed it parses.
func (a AdvisorConfig) ReplyTimeout() time.Duration {
	if a.Timeout == "" {
		return 45 * time.Second
	}
	d, err := time.ParseDuration(a.Timeout)
	if err != nil {
		return 45 * time.Second
	}
	return d
}

// FallbackReply is what users see when the advisor is unreachable.
func (a AdvisorConfig) FallbackReply() string {
	if a.Fallback == "" {
		return "I can't reach my advisor right now, but I'm still listening."
	}
	return a.Fallback
}

type StoreConfig struct {
	Path       string `yaml:"path"`
	HistoryCap int    `yaml:"history_cap"`
}

type VoiceConfig struct {
	Enabled       bool    `yaml:"enabled"`
	RecognizerURL string  `yaml:"recognizer_url"`
	MinConfidence float64 `yaml:"min_confidence"`
	Earcon        string  `yaml:"earcon"`
}

type TextLineConfig struct {
	Enabled bool `yaml:"enabled"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type BridgeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	CallbackURL string `yaml:"callback_url"`
	DedupTTL    string `yaml:"dedup_ttl"`
}

// DedupWindow is how long delivered event ids are remembered.
func (b BridgeConfig) DedupWindow() time.Duration {
	if b.DedupTTL == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(b.DedupTTL)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

type IPCConfig struct {
	Socket string `yaml:"socket"`
}

type AdaptersConfig struct {
	Voice    VoiceConfig    `yaml:"voice"`
	TextLine TextLineConfig `yaml:"textline"`
	Web      WebConfig      `yaml:"web"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	IPC      IPCConfig      `yaml:"ipc"`
}

type Config struct {
	DefaultMode string   `yaml:"default_mode"`
	ToggleOrder []string `yaml:"toggle_order"`
	LogFile     string   `yaml:"log_file"`

	Modes    []mode.Mode                  `yaml:"modes"`
	Commands map[string]action.Descriptor `yaml:"commands"`
	Personas []Persona                    `yaml:"personas"`

	Advisor  AdvisorConfig  `yaml:"advisor"`
	Store    StoreConfig    `yaml:"store"`
	Adapters AdaptersConfig `yaml:"adapters"`
}

var nameRe = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// Load reads, parses and validates the file. The returned warnings are
// legal-but-suspicious declarations (shadowed triggers and the like)
// the caller should log.
func Load(path string) (*Config, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}

	cfg.applyDefaults()
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, nil, err
	}
	return &cfg, warnings, nil
}

func (c *Config) applyDefaults() {
	if c.Store.HistoryCap <= 0 {
		c.Store.HistoryCap = 40
	}
	if c.Advisor.Model == "" {
		c.Advisor.Model = "gpt-5-nano"
	}
	if c.Adapters.IPC.Socket == "" {
		c.Adapters.IPC.Socket = "/tmp/chorusd.sock"
	}
}

// Validate checks the whole table. Errors are fatal at load time;
// callers keep the previous config on a failed reload.
func (c *Config) Validate() ([]string, error) {
	if c.DefaultMode == "" {
		return nil, fmt.Errorf("%w: default_mode is required", ErrConfig)
	}

	// Build a throwaway table: it runs the full mode/trigger/toggle
	// validation and reports shadowed triggers.
	_, shadowed, err := mode.NewTable(c.Modes, c.DefaultMode, c.ToggleOrder)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	warnings := shadowed

	if len(c.ToggleOrder) > 0 {
		for _, m := range c.Modes {
			if m.HasTrigger(mode.ToggleToken) {
				warnings = append(warnings, fmt.Sprintf(
					"mode %q declares trigger %q, which the toggle order overrides", m.Name, mode.ToggleToken))
			}
		}
	}

	personas := make(map[string]bool, len(c.Personas))
	for _, p := range c.Personas {
		if p.ID == "" || !nameRe.MatchString(p.ID) {
			return nil, fmt.Errorf("%w: invalid persona id %q", ErrConfig, p.ID)
		}
		if personas[p.ID] {
			return nil, fmt.Errorf("%w: persona %q declared twice", ErrConfig, p.ID)
		}
		if p.System == "" {
			return nil, fmt.Errorf("%w: persona %q has no system text", ErrConfig, p.ID)
		}
		personas[p.ID] = true
	}

	for _, m := range c.Modes {
		if m.Persona != "" && !personas[m.Persona] {
			return nil, fmt.Errorf("%w: mode %q references unknown persona %q", ErrConfig, m.Name, m.Persona)
		}
	}

	for name, d := range c.Commands {
		if !nameRe.MatchString(name) {
			return nil, fmt.Errorf("%w: invalid command name %q", ErrConfig, name)
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: command %q: %v", ErrConfig, name, err)
		}
	}

	if err := c.validateAdapters(); err != nil {
		return nil, err
	}

	if c.Advisor.Timeout != "" {
		if _, err := time.ParseDuration(c.Advisor.Timeout); err != nil {
			return nil, fmt.Errorf("%w: advisor timeout: %v", ErrConfig, err)
		}
	}

	return warnings, nil
}

func (c *Config) validateAdapters() error {
	a := c.Adapters

	if a.Voice.Enabled {
		u, err := url.Parse(a.Voice.RecognizerURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("%w: voice recognizer_url must be a ws:// or wss:// URL, got %q", ErrConfig, a.Voice.RecognizerURL)
		}
		if a.Voice.MinConfidence < 0 || a.Voice.MinConfidence > 1 {
			return fmt.Errorf("%w: voice min_confidence %v outside [0,1]", ErrConfig, a.Voice.MinConfidence)
		}
	}

	if a.Web.Enabled && a.Web.Addr == "" {
		return fmt.Errorf("%w: web adapter enabled without addr", ErrConfig)
	}

	if a.Bridge.Enabled {
		if a.Bridge.Addr == "" {
			return fmt.Errorf("%w: bridge adapter enabled without addr", ErrConfig)
		}
		u, err := url.Parse(a.Bridge.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: bridge callback_url must be an http(s) URL, got %q", ErrConfig, a.Bridge.CallbackURL)
		}
		if a.Bridge.DedupTTL != "" {
			if _, err := time.ParseDuration(a.Bridge.DedupTTL); err != nil {
				return fmt.Errorf("%w: bridge dedup_ttl: %v", ErrConfig, err)
			}
		}
	}

	return nil
}

// PersonaTable projects the persona list into the id -> system map the
// context store wants.
func (c *Config) PersonaTable() map[string]string {
	table := make(map[string]string, len(c.Personas))
	for _, p := range c.Personas {
		table[p.ID] = p.System
	}
	return table
}

// ChangedAdapters names the adapter sections that differ between two
// configs. A reload restarts only those: an adapter whose section is
// untouched keeps running.
func ChangedAdapters(old, cur *Config) []string {
	var changed []string
	if old.Adapters.Voice != cur.Adapters.Voice {
		changed = append(changed, "voice")
	}
	if old.Adapters.TextLine != cur.Adapters.TextLine {
		changed = append(changed, "textline")
	}
	if old.Adapters.Web != cur.Adapters.Web {
		changed = append(changed, "web")
	}
	if old.Adapters.Bridge != cur.Adapters.Bridge {
		changed = append(changed, "bridge")
	}
	if old.Adapters.IPC != cur.Adapters.IPC {
		changed = append(changed, "ipc")
	}
	return changed
}
