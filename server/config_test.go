package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janelia-flyem/remotetiles/pix"
)

const testConfig = `
[server]
httpAddress = "localhost:9000"
workers = 4
cors_domains = ["https://viewer.example.org"]
note = "test server"

[remote]
rpcAddress = "pixels.example.org:4064"
level_order = "smallest-first"
fetch_timeout_ms = 2500
min_server_version = "1.0.0"

[pool]
max_primary = 8
idle_secs = 60

[cache]
megabytes = 32

[decode]
clip_floats = true
min = 0.0
max = 1.0

[logging]
logfile = "logs/tiles.log"
max_log_size = 50
max_log_age = 7
`

func writeConfig(t *testing.T, contents string) string {
	dir := t.TempDir()
	filename := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(filename, []byte(contents), 0644); err != nil {
		t.Fatalf("couldn't write TOML file: %v\n", err)
	}
	return filename
}

func TestLoadConfig(t *testing.T) {
	filename := writeConfig(t, testConfig)
	c, err := LoadConfig(filename)
	if err != nil {
		t.Fatalf("bad TOML configuration: %v\n", err)
	}
	if c.Server.HTTPAddress != "localhost:9000" || c.Server.Workers != 4 || c.Server.Note != "test server" {
		t.Errorf("bad [server] section: %+v\n", c.Server)
	}
	if c.Server.ShutdownDelay != 5 {
		t.Errorf("expected default shutdown delay, got %d\n", c.Server.ShutdownDelay)
	}
	if c.Remote.CallTimeoutMs != 30000 {
		t.Errorf("expected default call timeout, got %d\n", c.Remote.CallTimeoutMs)
	}
	want := filepath.Join(filepath.Dir(filename), "logs", "tiles.log")
	if c.Logging.Logfile != want || c.Logging.MaxSize != 50 || c.Logging.MaxAge != 7 {
		t.Errorf("bad [logging] section: %+v, expected logfile %s\n", c.Logging, want)
	}

	ic := c.ImageServerConfig()
	if ic.LevelOrder != pix.SmallestFirst {
		t.Errorf("expected smallest-first level order, got %s\n", ic.LevelOrder)
	}
	if ic.FetchTimeout != 2500*time.Millisecond {
		t.Errorf("bad fetch timeout %s\n", ic.FetchTimeout)
	}
	if !ic.Decode.ClipFloats || ic.Decode.Max != 1 {
		t.Errorf("bad decode options %+v\n", ic.Decode)
	}
	if ic.Pool.MaxPrimary != 8 || ic.Pool.MaxIdle != time.Minute || ic.Pool.ReapInterval != 30*time.Second {
		t.Errorf("bad pool config %+v\n", ic.Pool)
	}

	c.SetAddresses("", "localhost:4064")
	if c.Server.HTTPAddress != "localhost:9000" || c.Remote.RPCAddress != "localhost:4064" {
		t.Errorf("bad address override: %s, %s\n", c.Server.HTTPAddress, c.Remote.RPCAddress)
	}
}

func TestBadConfig(t *testing.T) {
	if _, err := LoadConfig(""); err == nil {
		t.Errorf("expected error for missing config file\n")
	}
	if _, err := LoadConfig(writeConfig(t, "[remote]\nlevel_order = \"sideways\"\n")); err == nil {
		t.Errorf("expected error for bad level order\n")
	}
	if _, err := LoadConfig(writeConfig(t, "[decode]\nclip_floats = true\nmin = 2.0\nmax = 1.0\n")); err == nil {
		t.Errorf("expected error for inverted clip range\n")
	}
	if _, err := LoadConfig(writeConfig(t, "[server\n")); err == nil {
		t.Errorf("expected error for malformed TOML\n")
	}
}
