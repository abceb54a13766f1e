package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ircd.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `name = "irc.test.net"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxJoins != 20 || cfg.PingTimeout != 120 || cfg.PongTimeout != 20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DB.Database != "sqlite" {
		t.Fatalf("expected default sqlite database, got %q", cfg.DB.Database)
	}
}

func TestExceptionTypoNormalized(t *testing.T) {
	path := writeConfig(t, `
name = "irc.test.net"
[[channels]]
name = "#t"
[channels.modes]
excpetion = ["nick!*@*"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Channels) != 1 || len(cfg.Channels[0].Modes.Exceptions) != 1 {
		t.Fatalf("expected the 'excpetion' typo to decode into Exceptions, got %+v", cfg.Channels)
	}
}

func TestDatabaseSynonym(t *testing.T) {
	path := writeConfig(t, `
name = "irc.test.net"
[database]
database = "sqlite3"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.Database != "sqlite" {
		t.Fatalf("expected sqlite3 to normalize to sqlite, got %q", cfg.DB.Database)
	}
}

func TestUnsupportedDatabaseRejected(t *testing.T) {
	path := writeConfig(t, `
name = "irc.test.net"
[database]
database = "postgres"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for an unsupported database kind")
	}
}
