package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	proto "github.com/ystepanoff/nowcomm/protocol"
)

const (
	DriverUDP  = "udp"
	DriverNATS = "nats"
	DriverStub = "stub"

	EnvPrefix = "NOWCOMM_"
)

// Config holds everything a node needs to run.
type Config struct {
	Driver       string            `yaml:"driver"`
	Label        string            `yaml:"label"`
	LocalAddress proto.PeerAddress `yaml:"local_address"`
	Peer         PeerConfig        `yaml:"peer"`

	Listen  string `yaml:"listen"`   // UDP bind address
	NatsURL string `yaml:"nats_url"` // NATS server for the nats driver

	SendInterval    time.Duration `yaml:"send_interval"` // 0 disables the periodic sender
	SendTemplate    string        `yaml:"send_template"`
	ReplyDelay      time.Duration `yaml:"reply_delay"`
	ReplyTemplate   string        `yaml:"reply_template"`
	ListenOnly      bool          `yaml:"listen_only"`
	DispatchReplies bool          `yaml:"dispatch_replies"`

	InitAttempts int           `yaml:"init_attempts"`
	InitBackoff  time.Duration `yaml:"init_backoff"`

	Link LinkConfig `yaml:"link"`

	MetricsAddr string    `yaml:"metrics_addr"` // empty disables the HTTP endpoint
	Log         LogConfig `yaml:"log"`
}

type PeerConfig struct {
	Address  proto.PeerAddress `yaml:"address"`
	Channel  uint8             `yaml:"channel"`
	Endpoint string            `yaml:"endpoint"` // UDP host:port of the peer
}

// LinkConfig tunes link-level acknowledgement on drivers that have one.
type LinkConfig struct {
	AckTimeout time.Duration `yaml:"ack_timeout"`
	Attempts   int           `yaml:"attempts"`
}

type LogConfig struct {
	Format string `yaml:"format"` // console or json
	Level  string `yaml:"level"`
}

// Default returns the configuration of the reference two-node exchange.
func Default() *Config {
	return &Config{
		Driver:        DriverUDP,
		Label:         "Device_A",
		Listen:        ":4210",
		NatsURL:       "nats://127.0.0.1:4222",
		SendInterval:  proto.DefaultSendInterval,
		SendTemplate:  proto.DefaultSendTemplate,
		ReplyDelay:    proto.DefaultReplyDelay,
		ReplyTemplate: proto.DefaultReplyTemplate,
		InitAttempts:  5,
		InitBackoff:   200 * time.Millisecond,
		Link: LinkConfig{
			AckTimeout: 200 * time.Millisecond,
			Attempts:   3,
		},
		Log: LogConfig{
			Format: "console",
			Level:  "info",
		},
	}
}

// Load builds a Config from defaults, then the YAML file at path (a missing
// file is not an error), then the dotenv files (".env" when none are
// given), then NOWCOMM_* environment variables. The process environment
// wins over dotenv values.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	dotenv := map[string]string{}
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		var err error
		dotenv, err = godotenv.Read(envFiles...)
		if err != nil {
			return nil, fmt.Errorf("read env files: %w", err)
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok && v != ""
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(dst *string, key string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	num := func(dst *int, key string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(dst *bool, key string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	addr := func(dst *proto.PeerAddress, key string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			}
		}
	}

	str(&c.Driver, "DRIVER")
	str(&c.Label, "LABEL")
	addr(&c.LocalAddress, "LOCAL_ADDRESS")
	addr(&c.Peer.Address, "PEER_ADDRESS")
	str(&c.Peer.Endpoint, "PEER_ENDPOINT")
	str(&c.Listen, "LISTEN")
	str(&c.NatsURL, "NATS_URL")
	dur(&c.SendInterval, "SEND_INTERVAL")
	str(&c.SendTemplate, "SEND_TEMPLATE")
	dur(&c.ReplyDelay, "REPLY_DELAY")
	str(&c.ReplyTemplate, "REPLY_TEMPLATE")
	flag(&c.ListenOnly, "LISTEN_ONLY")
	flag(&c.DispatchReplies, "DISPATCH_REPLIES")
	num(&c.InitAttempts, "INIT_ATTEMPTS")
	dur(&c.InitBackoff, "INIT_BACKOFF")
	dur(&c.Link.AckTimeout, "LINK_ACK_TIMEOUT")
	num(&c.Link.Attempts, "LINK_ATTEMPTS")
	str(&c.MetricsAddr, "METRICS_ADDR")
	str(&c.Log.Format, "LOG_FORMAT")
	str(&c.Log.Level, "LOG_LEVEL")

	if v, ok := lookup(EnvPrefix + "PEER_CHANNEL"); ok {
		ch, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sPEER_CHANNEL: %w", EnvPrefix, err))
		} else {
			c.Peer.Channel = uint8(ch)
		}
	}

	return errors.Join(errs...)
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Driver {
	case DriverUDP:
		if c.Listen == "" {
			errs = append(errs, errors.New("listen is required for the udp driver"))
		}
		if c.SendInterval > 0 && c.Peer.Endpoint == "" {
			errs = append(errs, errors.New("peer.endpoint is required to send periodically over udp"))
		}
	case DriverNATS:
		if c.NatsURL == "" {
			errs = append(errs, errors.New("nats_url is required for the nats driver"))
		}
	case DriverStub:
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q", c.Driver))
	}

	if c.Label == "" {
		errs = append(errs, errors.New("label must not be empty"))
	} else if len(c.Label) > proto.MaxLabelLen {
		errs = append(errs, fmt.Errorf("label is %d bytes, at most %d fit", len(c.Label), proto.MaxLabelLen))
	}
	if c.LocalAddress.IsZero() && c.Driver != DriverStub {
		errs = append(errs, fmt.Errorf("%w: local_address is required for the %s driver", proto.ErrInvalidAddress, c.Driver))
	}
	if c.LocalAddress.IsBroadcast() {
		errs = append(errs, fmt.Errorf("%w: local_address is the broadcast address", proto.ErrInvalidAddress))
	}
	if c.Peer.Address.IsBroadcast() {
		errs = append(errs, fmt.Errorf("%w: peer.address is the broadcast address", proto.ErrInvalidAddress))
	}
	if err := (proto.PeerInfo{Address: c.Peer.Address, Channel: c.Peer.Channel}).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("peer: %w", err))
	}

	if c.SendInterval < 0 {
		errs = append(errs, errors.New("send_interval must not be negative"))
	}
	if c.ReplyDelay < 0 {
		errs = append(errs, errors.New("reply_delay must not be negative"))
	}
	if err := checkTemplate(c.SendTemplate); err != nil {
		errs = append(errs, fmt.Errorf("send_template: %w", err))
	}
	if err := checkTemplate(c.ReplyTemplate); err != nil {
		errs = append(errs, fmt.Errorf("reply_template: %w", err))
	}

	if c.InitAttempts < 1 {
		errs = append(errs, errors.New("init_attempts must be at least 1"))
	}
	if c.InitBackoff < 0 {
		errs = append(errs, errors.New("init_backoff must not be negative"))
	}
	if c.Link.AckTimeout < 0 {
		errs = append(errs, errors.New("link.ack_timeout must not be negative"))
	}
	if c.Link.Attempts < 0 {
		errs = append(errs, errors.New("link.attempts must not be negative"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// checkTemplate accepts format strings with exactly one verb, a %d.
func checkTemplate(tmpl string) error {
	verbs := 0
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '%' {
			continue
		}
		if i+1 >= len(tmpl) {
			return errors.New("trailing %")
		}
		i++
		if tmpl[i] == '%' {
			continue
		}
		if tmpl[i] != 'd' {
			return fmt.Errorf("unsupported verb %%%c", tmpl[i])
		}
		verbs++
	}
	if verbs != 1 {
		return fmt.Errorf("want exactly one %%d, found %d", verbs)
	}
	return nil
}
