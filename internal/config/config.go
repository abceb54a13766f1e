// Package config loads and holds the server's TOML configuration as an
// immutable snapshot, supporting the atomic REHASH swap described in the
// spec's concurrency model (§5, §9).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// TLSConfig names a certificate pair for a listener.
type TLSConfig struct {
	CertFile string `toml:"cert_file"`
	CertKey  string `toml:"cert_key_file"`
}

// Listener describes one `[[listeners]]` entry.
type Listener struct {
	Listen    string     `toml:"listen"`
	Port      int        `toml:"port"`
	TLS       *TLSConfig `toml:"tls"`
	WebSocket bool       `toml:"websocket"`
}

// Operator describes one `[[operators]]` entry.
type Operator struct {
	Name     string `toml:"name"`
	Password string `toml:"password"` // Argon2-encoded
	Mask     string `toml:"mask"`
}

// PreregisteredUser describes one `[[users]]` entry.
type PreregisteredUser struct {
	Name     string `toml:"name"`
	Nick     string `toml:"nick"`
	Password string `toml:"password"`
	Mask     string `toml:"mask"`
}

// ChannelModes mirrors `[channels.modes]`. The config surface historically
// spells the ban-exception key both "excpetion" and "exception"; both are
// accepted on read (see normalizeExceptionTypo) and this struct only ever
// holds the canonical "exception" spelling.
type ChannelModes struct {
	Bans                []string `toml:"bans"`
	Exceptions          []string `toml:"exception"`
	InviteExceptions    []string `toml:"invite_exception"`
	Key                 string   `toml:"key"`
	Founders            []string `toml:"founders"`
	Protecteds          []string `toml:"protecteds"`
	Operators           []string `toml:"operators"`
	HalfOperators       []string `toml:"half_operators"`
	Voices              []string `toml:"voices"`
	Moderated           bool     `toml:"moderated"`
	InviteOnly          bool     `toml:"invite_only"`
	Secret              bool     `toml:"secret"`
	ProtectedTopic      bool     `toml:"protected_topic"`
	NoExternalMessages  bool     `toml:"no_external_messages"`
	OnlyIRCOps          bool     `toml:"only_ircops"`
	Registered          bool     `toml:"registered"`
}

// PreregisteredChannel describes one `[[channels]]` entry.
type PreregisteredChannel struct {
	Name  string       `toml:"name"`
	Topic string       `toml:"topic"`
	Modes ChannelModes `toml:"modes"`
}

// AMQP describes the `[amqp]` relay transport table.
type AMQP struct {
	URL      string `toml:"url"`
	Exchange string `toml:"exchange"`
	Queue    string `toml:"queue"`
}

// Database describes the `[database]` persistence table. Database is
// normalized to one of "sqlite"/"mysql" by Load (accepting "sqlite3" as a
// synonym).
type Database struct {
	Database string `toml:"database"`
	URL      string `toml:"url"`
}

// Cloak describes the `[cloack]` host-cloaking table (the historical
// misspelling of "cloak" is the config surface's own key name).
type Cloak struct {
	Key1   string `toml:"key1"`
	Key2   string `toml:"key2"`
	Key3   string `toml:"key3"`
	Prefix string `toml:"prefix"`
}

// Admin describes the optional `[admin]` HTTP status/rehash listener.
type Admin struct {
	Listen string `toml:"listen"`
	Port   int    `toml:"port"`
	Token  string `toml:"token"`
}

// Config is one immutable, fully-decoded configuration snapshot. REHASH
// loads a new Config and atomically swaps it in via *atomic.Pointer[Config]
// at the call site (see dispatch.Server.Rehash) — nothing in this package
// holds global state itself.
type Config struct {
	Name          string `toml:"name"`
	Network       string `toml:"network"`
	Info          string `toml:"info"`
	AdminInfo     string `toml:"admin_info"`
	AdminInfo2    string `toml:"admin_info2"`
	MOTD          string `toml:"motd"`
	Password      string `toml:"password"`

	MaxConnections      int `toml:"max_connections"`
	MaxConnectionsPerIP int `toml:"max_connections_per_ip"`
	MaxJoins            int `toml:"max_joins"`

	PingTimeout int `toml:"ping_timeout"`
	PongTimeout int `toml:"pong_timeout"`

	DNSLookup bool   `toml:"dns_lookup"`
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`

	Listeners        []Listener             `toml:"listeners"`
	DefaultUserModes map[string]bool        `toml:"default_user_modes"`
	Cloak            Cloak                  `toml:"cloack"`
	Operators        []Operator             `toml:"operators"`
	Users            []PreregisteredUser    `toml:"users"`
	Channels         []PreregisteredChannel `toml:"channels"`
	AMQP             AMQP                   `toml:"amqp"`
	DB               Database               `toml:"database"`
	Admin            Admin                  `toml:"admin"`
}

var excpetionTypo = regexp.MustCompile(`(?i)excpetion`)

// normalizeExceptionTypo rewrites any "excpetion" key (observed in sample
// configs) to "exception" before decoding, so either spelling lands in
// ChannelModes.Exceptions. Decision recorded in DESIGN.md.
func normalizeExceptionTypo(raw []byte) []byte {
	return excpetionTypo.ReplaceAllFunc(raw, func(b []byte) []byte {
		return []byte(strings.Replace(string(b), "excpetion", "exception", 1))
	})
}

// normalizeDatabaseKind lower-cases and strips a trailing "3" so "sqlite3"
// and "sqlite" are treated as synonyms, per the open question decision.
func normalizeDatabaseKind(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.TrimSuffix(k, "3")
	return k
}

// Load reads and decodes the TOML file at path into a Config, applying the
// documented open-question normalizations and filling in defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	raw = normalizeExceptionTypo(raw)

	var cfg Config
	if _, err := toml.Decode(string(raw), &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	applyDefaults(&cfg)
	cfg.DB.Database = normalizeDatabaseKind(cfg.DB.Database)
	if cfg.DB.Database != "sqlite" && cfg.DB.Database != "mysql" && cfg.DB.Database != "" {
		return nil, fmt.Errorf("config: unsupported database.database %q", cfg.DB.Database)
	}

	for _, ch := range cfg.Channels {
		if ch.Modes.Registered {
			slog.Warn("channel registered-by-default, unusual for this network", "channel", ch.Name)
		}
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MaxJoins <= 0 {
		cfg.MaxJoins = 20
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 120
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 20
	}
	if cfg.Name == "" {
		cfg.Name = "irc.example.net"
	}
	if cfg.Network == "" {
		cfg.Network = "ExampleNet"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DB.Database == "" {
		cfg.DB.Database = "sqlite"
	}
}
