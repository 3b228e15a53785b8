// Package config loads the filetunnel configuration from an optional YAML
// file and the command line. Flags override the file.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/filetunnel/internal/adapter"
	"github.com/1ureka/filetunnel/internal/channel"
)

// EnvConfig names the YAML file when -config is not given.
const EnvConfig = "FILETUNNEL_CONFIG"

// Variant selects the channel implementation.
type Variant string

const (
	VariantReusable       Variant = "reusable"
	VariantUploadDownload Variant = "upload-download"
	VariantWriteWait      Variant = "write-wait"
)

// Backend selects the shared medium.
type Backend string

const (
	BackendLocal Backend = "local"
	BackendFTP   Backend = "ftp"
	BackendRelay Backend = "relay"
)

type FTPConfig struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Dir      string `yaml:"dir"`
}

type RelayConfig struct {
	URL string `yaml:"url"`
	PIN string `yaml:"pin"`
}

// Config is the complete runtime configuration.
type Config struct {
	Name    string  `yaml:"name"`
	Variant Variant `yaml:"variant"`
	Backend Backend `yaml:"backend"`

	Dir   string      `yaml:"dir"` // local backend root
	FTP   FTPConfig   `yaml:"ftp"`
	Relay RelayConfig `yaml:"relay"`

	WriteName string `yaml:"writeFile"`
	ReadName  string `yaml:"readFile"`

	Timeout           time.Duration `yaml:"timeout"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	IdleCheckInterval time.Duration `yaml:"idleCheckInterval"`
	PingInterval      time.Duration `yaml:"pingInterval"`
	RestartDelay      time.Duration `yaml:"restartDelay"`
	MinOpDelay        time.Duration `yaml:"minOpDelay"`
	PurgeThreshold    ByteSize      `yaml:"purgeThreshold"`
	BatchBytes        ByteSize      `yaml:"batchBytes"`
	BatchWindow       time.Duration `yaml:"batchWindow"`

	DialTimeout time.Duration `yaml:"dialTimeout"`
	UDPIdle     time.Duration `yaml:"udpIdle"`

	Forwards       []string `yaml:"forwards"`       // -L listen=proto://dest
	RemoteForwards []string `yaml:"remoteForwards"` // -R proto://listen=dest

	StatsInterval time.Duration `yaml:"statsInterval"`
	Debug         bool          `yaml:"debug"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Name:              "filetunnel",
		Variant:           VariantReusable,
		Backend:           BackendLocal,
		Dir:               ".",
		Timeout:           channel.DefaultTimeout,
		PollInterval:      channel.DefaultPollInterval,
		IdleCheckInterval: channel.DefaultIdleCheckInterval,
		PingInterval:      channel.DefaultPingInterval,
		RestartDelay:      channel.DefaultRestartDelay,
		PurgeThreshold:    channel.DefaultPurgeThreshold,
		BatchBytes:        channel.DefaultBatchBytes,
		BatchWindow:       channel.DefaultBatchWindow,
		DialTimeout:       adapter.DefaultDialTimeout,
		UDPIdle:           adapter.DefaultUDPIdle,
		StatsInterval:     5 * time.Second,
	}
}

// Parse reads the process flags and the config file they or the
// environment name.
func Parse() (*Config, error) {
	return parse(flag.CommandLine, os.Args[1:])
}

// parse is an internal helper for testing with isolated flag sets.
func parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Default()
	path := os.Getenv(EnvConfig)

	cfg.bind(fs)
	fs.StringVar(&path, "config", path, "YAML config file (env "+EnvConfig+")")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if path != "" {
		fileCfg, err := Load(path)
		if err != nil {
			return nil, err
		}
		// Apply the same arguments on top of the file.
		again := flag.NewFlagSet(fs.Name(), flag.ContinueOnError)
		again.SetOutput(io.Discard)
		fileCfg.bind(again)
		again.String("config", "", "")
		if err := again.Parse(args); err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bind registers every flag onto fs, writing into c.
func (c *Config) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.Name, "name", c.Name, "name shown in logs")
	fs.Var((*variantFlag)(&c.Variant), "variant", "channel variant: reusable, upload-download or write-wait")
	fs.Var((*backendFlag)(&c.Backend), "backend", "shared medium: local, ftp or relay")

	fs.StringVar(&c.Dir, "dir", c.Dir, "shared directory (local backend)")
	fs.StringVar(&c.FTP.Addr, "ftp-addr", c.FTP.Addr, "FTP server host:port")
	fs.StringVar(&c.FTP.User, "ftp-user", c.FTP.User, "FTP user")
	fs.StringVar(&c.FTP.Password, "ftp-password", c.FTP.Password, "FTP password")
	fs.StringVar(&c.FTP.Dir, "ftp-dir", c.FTP.Dir, "FTP directory holding the channel files")
	fs.StringVar(&c.Relay.URL, "relay-url", c.Relay.URL, "relay WebSocket URL, e.g. ws://host:port/ws")
	fs.StringVar(&c.Relay.PIN, "relay-pin", c.Relay.PIN, "relay PIN")

	fs.StringVar(&c.WriteName, "write", c.WriteName, "file this side writes")
	fs.StringVar(&c.ReadName, "read", c.ReadName, "file the peer writes")

	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "tunnel timeout")
	fs.DurationVar(&c.PollInterval, "poll", c.PollInterval, "poll interval")
	fs.DurationVar(&c.IdleCheckInterval, "idle-check", c.IdleCheckInterval, "idle reader reopen interval")
	fs.DurationVar(&c.PingInterval, "ping", c.PingInterval, "ping interval")
	fs.DurationVar(&c.RestartDelay, "restart-delay", c.RestartDelay, "pause before a failed pump restarts")
	fs.DurationVar(&c.MinOpDelay, "min-op-delay", c.MinOpDelay, "minimum spacing between file operations")
	fs.Var(&c.PurgeThreshold, "purge-threshold", "file size that triggers a purge, e.g. 10MB")
	fs.Var(&c.BatchBytes, "batch-bytes", "write-wait batch budget, e.g. 256KB")
	fs.DurationVar(&c.BatchWindow, "batch-window", c.BatchWindow, "write-wait batch window")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "timeout dialing a destination")
	fs.DurationVar(&c.UDPIdle, "udp-idle", c.UDPIdle, "idle time after which a UDP flow is dropped")

	fs.Var((*stringSlice)(&c.Forwards), "L", "local forward listen=proto://dest (repeatable)")
	fs.Var((*stringSlice)(&c.RemoteForwards), "R", "remote listener proto://listen=dest (repeatable)")

	fs.DurationVar(&c.StatsInterval, "stats", c.StatsInterval, "traffic report interval (0 disables)")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging")
}

// Load reads a YAML file over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	problem := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Variant {
	case VariantReusable, VariantUploadDownload, VariantWriteWait:
	default:
		problem("unknown variant %q", c.Variant)
	}

	switch c.Backend {
	case BackendLocal:
		if c.Dir == "" {
			problem("local backend needs -dir")
		}
	case BackendFTP:
		if c.FTP.Addr == "" {
			problem("ftp backend needs -ftp-addr")
		}
	case BackendRelay:
		if c.Relay.URL == "" {
			problem("relay backend needs -relay-url")
		}
	default:
		problem("unknown backend %q", c.Backend)
	}
	if c.Variant == VariantReusable && c.Backend != BackendLocal {
		problem("variant %s needs random-access files and only runs on the local backend", c.Variant)
	}

	if c.WriteName == "" || c.ReadName == "" {
		problem("both -write and -read file names are required")
	} else if c.WriteName == c.ReadName {
		problem("-write and -read must name different files")
	}

	for name, d := range map[string]time.Duration{
		"timeout":       c.Timeout,
		"poll":          c.PollInterval,
		"idle-check":    c.IdleCheckInterval,
		"ping":          c.PingInterval,
		"restart-delay": c.RestartDelay,
		"batch-window":  c.BatchWindow,
		"dial-timeout":  c.DialTimeout,
		"udp-idle":      c.UDPIdle,
	} {
		if d <= 0 {
			problem("%s must be positive, got %v", name, d)
		}
	}
	if c.MinOpDelay < 0 {
		problem("min-op-delay must not be negative")
	}
	if c.StatsInterval < 0 {
		problem("stats must not be negative")
	}
	if c.PurgeThreshold < 1024 {
		problem("purge-threshold %s is below 1KiB", c.PurgeThreshold)
	}
	if c.BatchBytes <= 0 {
		problem("batch-bytes must be positive")
	}

	for _, s := range c.Forwards {
		if _, err := adapter.ParseLocal(s); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range c.RemoteForwards {
		if _, err := adapter.ParseRemote(s); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n%w", errors.Join(errs...))
	}
	return nil
}

// ChannelOptions converts the tuning fields for the channel package.
func (c *Config) ChannelOptions() channel.Options {
	return channel.Options{
		Name:              c.Name,
		Timeout:           c.Timeout,
		PollInterval:      c.PollInterval,
		IdleCheckInterval: c.IdleCheckInterval,
		PingInterval:      c.PingInterval,
		RestartDelay:      c.RestartDelay,
		MinOpDelay:        c.MinOpDelay,
		PurgeThreshold:    int64(c.PurgeThreshold),
		BatchBytes:        int(c.BatchBytes),
		BatchWindow:       c.BatchWindow,
	}
}

// AdapterOptions parses the forwards. Call it after Validate.
func (c *Config) AdapterOptions() (adapter.Options, error) {
	opts := adapter.Options{DialTimeout: c.DialTimeout, UDPIdle: c.UDPIdle}
	for _, s := range c.Forwards {
		f, err := adapter.ParseLocal(s)
		if err != nil {
			return adapter.Options{}, err
		}
		opts.Local = append(opts.Local, f)
	}
	for _, s := range c.RemoteForwards {
		f, err := adapter.ParseRemote(s)
		if err != nil {
			return adapter.Options{}, err
		}
		opts.Remote = append(opts.Remote, f)
	}
	return opts, nil
}
