// Package config loads the agent configuration. Sources are applied in
// order of increasing precedence: built-in defaults, SNAPGUEST_*
// environment variables, an optional TOML file, then command line flags.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/seantiz/snapguest/internal/guest"
	"github.com/seantiz/snapguest/internal/handler"
	"github.com/seantiz/snapguest/internal/portio"
	"github.com/seantiz/snapguest/internal/transport"
)

const (
	defaultTransport   = "line"
	defaultInput       = "/dev/ttyS1"
	defaultVsockMode   = transport.VsockDial
	defaultVsockPort   = 52
	defaultVsockCID    = 2
	defaultAppDevice   = "/dev/vdb"
	defaultAppRoot     = "/srv"
	defaultFSType      = "ext4"
	defaultHandler     = handler.KindProcess
	defaultHandlerPath = "/srv/main.py"
	defaultRuntime     = "python"

	envConfig         = "SNAPGUEST_CONFIG"
	envTransport      = "SNAPGUEST_TRANSPORT"
	envFraming        = "SNAPGUEST_RESPONSE_FRAMING"
	envInput          = "SNAPGUEST_INPUT"
	envVsockMode      = "SNAPGUEST_VSOCK_MODE"
	envVsockPort      = "SNAPGUEST_VSOCK_PORT"
	envVsockCID       = "SNAPGUEST_VSOCK_CID"
	envAppDevice      = "SNAPGUEST_APP_DEVICE"
	envAppRoot        = "SNAPGUEST_APP_ROOT"
	envFSType         = "SNAPGUEST_FSTYPE"
	envReadWrite      = "SNAPGUEST_READ_WRITE"
	envHandler        = "SNAPGUEST_HANDLER"
	envHandlerPath    = "SNAPGUEST_HANDLER_PATH"
	envRuntime        = "SNAPGUEST_RUNTIME"
	envHandlerTimeout = "SNAPGUEST_HANDLER_TIMEOUT"
	envInstrument     = "SNAPGUEST_INSTRUMENT"
	envPortDevice     = "SNAPGUEST_PORT_DEVICE"
	envStatusAddr     = "SNAPGUEST_STATUS_ADDR"
	envLogLevel       = "SNAPGUEST_LOG_LEVEL"
	envSkipBoot       = "SNAPGUEST_SKIP_BOOT"
)

// Config holds the agent configuration.
type Config struct {
	// Transport is line, relay or stdout.
	Transport string
	// Framing is the line transport's response framing. Empty picks the
	// transport default.
	Framing string
	// Input is the request device for the line and stdout transports.
	Input string

	VsockMode string
	VsockPort uint32
	VsockCID  uint32

	AppDevice string
	AppRoot   string
	FSType    string
	// ReadWrite mounts the app filesystem writable. When never set it
	// defaults to true for the relay transport only.
	ReadWrite bool

	Handler        string
	HandlerPath    string
	Runtime        string
	HandlerTimeout time.Duration
	Instrument     bool

	// PortDevice is the I/O port device. Empty logs signals instead.
	PortDevice string
	// StatusAddr enables the HTTP status server when non-empty.
	StatusAddr string
	LogLevel   slog.Level
	// SkipBoot omits boot convergence, for running outside a VM.
	SkipBoot bool

	// ConfigPath is the TOML file the configuration was read from, if any.
	ConfigPath string

	readWriteSet bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Transport:   defaultTransport,
		Input:       defaultInput,
		VsockMode:   defaultVsockMode,
		VsockPort:   defaultVsockPort,
		VsockCID:    defaultVsockCID,
		AppDevice:   defaultAppDevice,
		AppRoot:     defaultAppRoot,
		FSType:      defaultFSType,
		Handler:     defaultHandler,
		HandlerPath: defaultHandlerPath,
		Runtime:     defaultRuntime,
		PortDevice:  portio.DefaultDevice,
		LogLevel:    slog.LevelInfo,
	}
}

// Load builds the configuration from the environment, the optional config
// file and args (without the program name). It returns pflag.ErrHelp when
// help was requested.
func Load(args []string) (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.ConfigPath = os.Getenv(envConfig)

	flagSet := NewFlagSet(&cfg)
	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	changed := flagSet.Changed
	if changed("log-level") {
		cfg.LogLevel = parseLogLevel(flagSet.Lookup("log-level").Value.String())
	}
	if changed("read-write") {
		cfg.readWriteSet = true
	}

	if cfg.ConfigPath != "" {
		if err := cfg.applyFile(cfg.ConfigPath, changed); err != nil {
			return Config{}, err
		}
	}

	if !cfg.readWriteSet {
		cfg.ReadWrite = cfg.Transport == string(transport.KindRelay)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewFlagSet binds the command line flags to cfg. Flag defaults are the
// values already in cfg.
func NewFlagSet(cfg *Config) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("snapguest", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "TOML configuration file")
	flagSet.StringVar(&cfg.Transport, "transport", cfg.Transport, "host channel: line, relay or stdout")
	flagSet.StringVar(&cfg.Framing, "response-framing", cfg.Framing, "line transport response framing: newline or prefixed")
	flagSet.StringVar(&cfg.Input, "input", cfg.Input, "request device for the line and stdout transports")
	flagSet.StringVar(&cfg.VsockMode, "vsock-mode", cfg.VsockMode, "relay connection mode: listen or dial")
	flagSet.Uint32Var(&cfg.VsockPort, "vsock-port", cfg.VsockPort, "relay vsock port")
	flagSet.Uint32Var(&cfg.VsockCID, "vsock-cid", cfg.VsockCID, "context id dialed in relay dial mode")
	flagSet.StringVar(&cfg.AppDevice, "app-device", cfg.AppDevice, "workload block device")
	flagSet.StringVar(&cfg.AppRoot, "app-root", cfg.AppRoot, "workload mount point")
	flagSet.StringVar(&cfg.FSType, "fstype", cfg.FSType, "workload filesystem type")
	flagSet.BoolVar(&cfg.ReadWrite, "read-write", cfg.ReadWrite, "mount the workload filesystem writable (default true for relay)")
	flagSet.StringVar(&cfg.Handler, "handler", cfg.Handler, "handler kind: plugin or process")
	flagSet.StringVar(&cfg.HandlerPath, "handler-path", cfg.HandlerPath, "plugin shared object or workload entrypoint")
	flagSet.StringVar(&cfg.Runtime, "runtime", cfg.Runtime, "process handler runtime: python, node, go or exec")
	flagSet.DurationVar(&cfg.HandlerTimeout, "handler-timeout", cfg.HandlerTimeout, "per-request handler time limit (0 for none)")
	flagSet.BoolVar(&cfg.Instrument, "instrument", cfg.Instrument, "attach runtime_sec and runtime_ms to responses")
	flagSet.StringVar(&cfg.PortDevice, "port-device", cfg.PortDevice, "I/O port device; empty logs signals instead")
	flagSet.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "HTTP status listen address; empty disables")
	flagSet.String("log-level", cfg.LogLevel.String(), "log level: debug, info, warn or error")
	flagSet.BoolVar(&cfg.SkipBoot, "skip-boot", cfg.SkipBoot, "skip boot convergence signals")
	return flagSet
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Transport, envTransport)
	setString(&c.Framing, envFraming)
	setString(&c.Input, envInput)
	setString(&c.VsockMode, envVsockMode)
	setString(&c.AppDevice, envAppDevice)
	setString(&c.AppRoot, envAppRoot)
	setString(&c.FSType, envFSType)
	setString(&c.Handler, envHandler)
	setString(&c.HandlerPath, envHandlerPath)
	setString(&c.Runtime, envRuntime)
	setString(&c.StatusAddr, envStatusAddr)

	// An explicitly empty port device disables it.
	if v, ok := os.LookupEnv(envPortDevice); ok {
		c.PortDevice = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}

	for key, dst := range map[string]*uint32{envVsockPort: &c.VsockPort, envVsockCID: &c.VsockCID} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = uint32(n)
		}
	}

	for key, dst := range map[string]*bool{envReadWrite: &c.ReadWrite, envInstrument: &c.Instrument, envSkipBoot: &c.SkipBoot} {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = b
			if key == envReadWrite {
				c.readWriteSet = true
			}
		}
	}

	if v := os.Getenv(envHandlerTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envHandlerTimeout, err)
		}
		c.HandlerTimeout = d
	}
	return nil
}

type fileConfig struct {
	Transport      string `toml:"transport"`
	Framing        string `toml:"response_framing"`
	Input          string `toml:"input"`
	VsockMode      string `toml:"vsock_mode"`
	VsockPort      uint32 `toml:"vsock_port"`
	VsockCID       uint32 `toml:"vsock_cid"`
	AppDevice      string `toml:"app_device"`
	AppRoot        string `toml:"app_root"`
	FSType         string `toml:"fstype"`
	ReadWrite      bool   `toml:"read_write"`
	Handler        string `toml:"handler"`
	HandlerPath    string `toml:"handler_path"`
	Runtime        string `toml:"runtime"`
	HandlerTimeout string `toml:"handler_timeout"`
	Instrument     bool   `toml:"instrument"`
	PortDevice     string `toml:"port_device"`
	StatusAddr     string `toml:"status_addr"`
	LogLevel       string `toml:"log_level"`
	SkipBoot       bool   `toml:"skip_boot"`
}

// applyFile overlays keys defined in the TOML file at path, skipping any
// whose flag was given on the command line.
func (c *Config) applyFile(path string, changed func(flag string) bool) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	use := func(key, flag string) bool {
		return meta.IsDefined(key) && !changed(flag)
	}

	if use("transport", "transport") {
		c.Transport = strings.TrimSpace(raw.Transport)
	}
	if use("response_framing", "response-framing") {
		c.Framing = strings.TrimSpace(raw.Framing)
	}
	if use("input", "input") {
		c.Input = strings.TrimSpace(raw.Input)
	}
	if use("vsock_mode", "vsock-mode") {
		c.VsockMode = strings.TrimSpace(raw.VsockMode)
	}
	if use("vsock_port", "vsock-port") {
		c.VsockPort = raw.VsockPort
	}
	if use("vsock_cid", "vsock-cid") {
		c.VsockCID = raw.VsockCID
	}
	if use("app_device", "app-device") {
		c.AppDevice = strings.TrimSpace(raw.AppDevice)
	}
	if use("app_root", "app-root") {
		c.AppRoot = strings.TrimSpace(raw.AppRoot)
	}
	if use("fstype", "fstype") {
		c.FSType = strings.TrimSpace(raw.FSType)
	}
	if use("read_write", "read-write") {
		c.ReadWrite = raw.ReadWrite
		c.readWriteSet = true
	}
	if use("handler", "handler") {
		c.Handler = strings.TrimSpace(raw.Handler)
	}
	if use("handler_path", "handler-path") {
		c.HandlerPath = strings.TrimSpace(raw.HandlerPath)
	}
	if use("runtime", "runtime") {
		c.Runtime = strings.TrimSpace(raw.Runtime)
	}
	if use("handler_timeout", "handler-timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandlerTimeout))
		if err != nil {
			return fmt.Errorf("parse handler_timeout: %w", err)
		}
		c.HandlerTimeout = d
	}
	if use("instrument", "instrument") {
		c.Instrument = raw.Instrument
	}
	if use("port_device", "port-device") {
		c.PortDevice = strings.TrimSpace(raw.PortDevice)
	}
	if use("status_addr", "status-addr") {
		c.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if use("log_level", "log-level") {
		c.LogLevel = parseLogLevel(raw.LogLevel)
	}
	if use("skip_boot", "skip-boot") {
		c.SkipBoot = raw.SkipBoot
	}
	return nil
}

// Validate rejects unknown transport, framing, vsock mode and handler
// names.
func (c Config) Validate() error {
	kind, err := transport.ParseKind(c.Transport)
	if err != nil {
		return err
	}
	if c.Framing != "" {
		framing, err := transport.ParseFraming(c.Framing)
		if err != nil {
			return err
		}
		if kind != transport.KindLine && framing == transport.FramingNewline {
			return fmt.Errorf("transport %s only supports prefixed response framing", kind)
		}
	}
	if kind == transport.KindRelay && c.VsockMode != transport.VsockListen && c.VsockMode != transport.VsockDial {
		return fmt.Errorf("unknown vsock mode %q: must be listen or dial", c.VsockMode)
	}
	switch c.Handler {
	case handler.KindPlugin, handler.KindProcess:
	default:
		return fmt.Errorf("unknown handler kind %q: must be plugin or process", c.Handler)
	}
	if c.HandlerTimeout < 0 {
		return fmt.Errorf("handler timeout %s is negative", c.HandlerTimeout)
	}
	return nil
}

// TransportOptions returns the options for transport.Open.
func (c Config) TransportOptions() transport.Options {
	return transport.Options{
		Kind:      transport.Kind(c.Transport),
		Framing:   transport.Framing(c.Framing),
		Input:     c.Input,
		VsockMode: c.VsockMode,
		VsockPort: c.VsockPort,
		VsockCID:  c.VsockCID,
	}
}

// MountOptions returns the workload filesystem mount.
func (c Config) MountOptions() guest.MountOptions {
	return guest.MountOptions{
		Device:    c.AppDevice,
		Target:    c.AppRoot,
		FSType:    c.FSType,
		ReadWrite: c.ReadWrite,
	}
}

// HandlerOptions returns the options for handler.Load.
func (c Config) HandlerOptions() handler.Options {
	return handler.Options{
		Kind:    c.Handler,
		Path:    c.HandlerPath,
		Runtime: c.Runtime,
		Timeout: c.HandlerTimeout,
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
// The agent logs to stderr; stdout may carry responses.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
