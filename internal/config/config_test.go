package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	proto "github.com/ystepanoff/nowcomm/protocol"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func valid() *Config {
	cfg := Default()
	cfg.LocalAddress = proto.MustParsePeerAddress("02:00:00:00:00:0A")
	cfg.Peer.Address = proto.MustParsePeerAddress("94:B5:55:F6:F6:40")
	cfg.Peer.Endpoint = "127.0.0.1:4211"
	return cfg
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), writeFile(t, "empty.env", ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := Default()
	if cfg.Driver != def.Driver || cfg.SendInterval != 5*time.Second || cfg.ReplyDelay != 100*time.Millisecond {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}
	if cfg.SendTemplate != proto.DefaultSendTemplate || cfg.ReplyTemplate != proto.DefaultReplyTemplate {
		t.Errorf("templates = %q / %q", cfg.SendTemplate, cfg.ReplyTemplate)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "node.yaml", `
driver: nats
label: Device_B
local_address: "02:00:00:00:00:0b"
peer:
  address: "94:B5:55:F6:F6:40"
  channel: 6
send_interval: 0s
reply_delay: 250ms
listen_only: false
link:
  ack_timeout: 1s
  attempts: 5
log:
  format: json
  level: debug
`)
	cfg, err := Load(path, writeFile(t, "empty.env", ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Driver != DriverNATS || cfg.Label != "Device_B" {
		t.Errorf("driver/label = %q/%q", cfg.Driver, cfg.Label)
	}
	if cfg.LocalAddress != (proto.PeerAddress{0x02, 0, 0, 0, 0, 0x0b}) {
		t.Errorf("local_address = %v", cfg.LocalAddress)
	}
	if cfg.Peer.Address.String() != "94:B5:55:F6:F6:40" || cfg.Peer.Channel != 6 {
		t.Errorf("peer = %+v", cfg.Peer)
	}
	if cfg.SendInterval != 0 || cfg.ReplyDelay != 250*time.Millisecond {
		t.Errorf("intervals = %v/%v", cfg.SendInterval, cfg.ReplyDelay)
	}
	if cfg.Link.AckTimeout != time.Second || cfg.Link.Attempts != 5 {
		t.Errorf("link = %+v", cfg.Link)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "debug" {
		t.Errorf("log = %+v", cfg.Log)
	}
	// Keys not in the file keep their defaults.
	if cfg.InitAttempts != Default().InitAttempts {
		t.Errorf("init_attempts = %d", cfg.InitAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, "node.yaml", "label: FromYAML\nreply_delay: 1s\nsend_interval: 2s\n")
	env := writeFile(t, "node.env", "NOWCOMM_LABEL=FromDotenv\nNOWCOMM_REPLY_DELAY=300ms\nNOWCOMM_PEER_CHANNEL=11\n")
	t.Setenv("NOWCOMM_REPLY_DELAY", "50ms")

	cfg, err := Load(path, env)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Label != "FromDotenv" {
		t.Errorf("label = %q, want the dotenv value", cfg.Label)
	}
	if cfg.ReplyDelay != 50*time.Millisecond {
		t.Errorf("reply_delay = %v, want the environment value", cfg.ReplyDelay)
	}
	if cfg.SendInterval != 2*time.Second {
		t.Errorf("send_interval = %v, want the YAML value", cfg.SendInterval)
	}
	if cfg.Peer.Channel != 11 {
		t.Errorf("peer.channel = %d", cfg.Peer.Channel)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("bad yaml", func(t *testing.T) {
		if _, err := Load(writeFile(t, "bad.yaml", "send_interval: [\n"), writeFile(t, "empty.env", "")); err == nil {
			t.Error("Load() accepted malformed YAML")
		}
	})
	t.Run("bad address", func(t *testing.T) {
		if _, err := Load(writeFile(t, "bad.yaml", "peer:\n  address: nope\n"), writeFile(t, "empty.env", "")); err == nil {
			t.Error("Load() accepted a malformed address")
		}
	})
	t.Run("bad env values", func(t *testing.T) {
		t.Setenv("NOWCOMM_SEND_INTERVAL", "often")
		t.Setenv("NOWCOMM_INIT_ATTEMPTS", "many")
		_, err := Load("", writeFile(t, "empty.env", ""))
		if err == nil {
			t.Fatal("Load() accepted malformed environment values")
		}
		for _, key := range []string{"NOWCOMM_SEND_INTERVAL", "NOWCOMM_INIT_ATTEMPTS"} {
			if !strings.Contains(err.Error(), key) {
				t.Errorf("error %q does not name %s", err, key)
			}
		}
	})
	t.Run("missing env file", func(t *testing.T) {
		if _, err := Load("", filepath.Join(t.TempDir(), "absent.env")); err == nil {
			t.Error("Load() ignored an explicit env file that does not exist")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string // substring of the error, empty for valid
	}{
		{"valid", func(*Config) {}, ""},
		{"pure responder needs no endpoint", func(c *Config) { c.SendInterval = 0; c.Peer.Endpoint = "" }, ""},
		{"unknown driver", func(c *Config) { c.Driver = "lora" }, "unknown driver"},
		{"missing endpoint", func(c *Config) { c.Peer.Endpoint = "" }, "peer.endpoint"},
		{"empty label", func(c *Config) { c.Label = "" }, "label"},
		{"long label", func(c *Config) { c.Label = strings.Repeat("x", proto.LabelSize) }, "label"},
		{"zero peer", func(c *Config) { c.Peer.Address = proto.PeerAddress{} }, "zero address"},
		{"broadcast peer", func(c *Config) { c.Peer.Address = proto.BroadcastAddress }, "broadcast"},
		{"channel", func(c *Config) { c.Peer.Channel = proto.MaxChannel + 1 }, "channel"},
		{"negative interval", func(c *Config) { c.SendInterval = -time.Second }, "send_interval"},
		{"negative delay", func(c *Config) { c.ReplyDelay = -time.Second }, "reply_delay"},
		{"template without verb", func(c *Config) { c.SendTemplate = "hello" }, "send_template"},
		{"template with string verb", func(c *Config) { c.ReplyTemplate = "re %s" }, "reply_template"},
		{"template with two verbs", func(c *Config) { c.ReplyTemplate = "%d of %d" }, "reply_template"},
		{"init attempts", func(c *Config) { c.InitAttempts = 0 }, "init_attempts"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"nats url", func(c *Config) { c.Driver = DriverNATS; c.NatsURL = "" }, "nats_url"},
		{"udp without local address", func(c *Config) { c.LocalAddress = proto.PeerAddress{} }, "local_address"},
		{"nats without local address", func(c *Config) { c.Driver = DriverNATS; c.LocalAddress = proto.PeerAddress{} }, "local_address"},
		{"stub generates its address", func(c *Config) { c.Driver = DriverStub; c.LocalAddress = proto.PeerAddress{} }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestCheckTemplate(t *testing.T) {
	tests := []struct {
		tmpl string
		ok   bool
	}{
		{proto.DefaultSendTemplate, true},
		{proto.DefaultReplyTemplate, true},
		{"100%% sure about #%d", true},
		{"#%d%", false},
		{"%x", false},
		{"", false},
	}
	for _, tt := range tests {
		if err := checkTemplate(tt.tmpl); (err == nil) != tt.ok {
			t.Errorf("checkTemplate(%q) error = %v, want ok=%v", tt.tmpl, err, tt.ok)
		}
	}
}
