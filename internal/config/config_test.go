package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/seantiz/snapguest/internal/handler"
	"github.com/seantiz/snapguest/internal/portio"
	"github.com/seantiz/snapguest/internal/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapguest.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Transport != defaultTransport {
		t.Errorf("Transport = %q, want %q", cfg.Transport, defaultTransport)
	}
	if cfg.Input != defaultInput {
		t.Errorf("Input = %q, want %q", cfg.Input, defaultInput)
	}
	if cfg.VsockPort != defaultVsockPort || cfg.VsockCID != defaultVsockCID {
		t.Errorf("vsock = %d:%d, want %d:%d", cfg.VsockCID, cfg.VsockPort, defaultVsockCID, defaultVsockPort)
	}
	if cfg.PortDevice != portio.DefaultDevice {
		t.Errorf("PortDevice = %q, want %q", cfg.PortDevice, portio.DefaultDevice)
	}
	if cfg.ReadWrite {
		t.Error("ReadWrite = true, want read-only for the line transport")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.StatusAddr != "" {
		t.Errorf("StatusAddr = %q, want disabled", cfg.StatusAddr)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(envTransport, "stdout")
	t.Setenv(envInput, "/dev/ttyS2")
	t.Setenv(envVsockPort, "1234")
	t.Setenv(envHandlerTimeout, "5s")
	t.Setenv(envInstrument, "true")
	t.Setenv(envPortDevice, "")
	t.Setenv(envLogLevel, "debug")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Transport != "stdout" {
		t.Errorf("Transport = %q, want stdout", cfg.Transport)
	}
	if cfg.Input != "/dev/ttyS2" {
		t.Errorf("Input = %q, want /dev/ttyS2", cfg.Input)
	}
	if cfg.VsockPort != 1234 {
		t.Errorf("VsockPort = %d, want 1234", cfg.VsockPort)
	}
	if cfg.HandlerTimeout != 5*time.Second {
		t.Errorf("HandlerTimeout = %v, want 5s", cfg.HandlerTimeout)
	}
	if !cfg.Instrument {
		t.Error("Instrument = false, want true")
	}
	if cfg.PortDevice != "" {
		t.Errorf("PortDevice = %q, want empty", cfg.PortDevice)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
}

func TestLoadEnvParseErrors(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{envVsockPort, "not-a-port"},
		{envInstrument, "maybe"},
		{envHandlerTimeout, "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(nil); err == nil {
				t.Errorf("Load with %s=%q succeeded, want error", tt.key, tt.value)
			}
		})
	}
}

func TestReadWriteDefaultsByTransport(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want bool
	}{
		{name: "line", want: false},
		{name: "relay", args: []string{"--transport", "relay"}, want: true},
		{name: "relay forced read-only", args: []string{"--transport", "relay", "--read-write=false"}, want: false},
		{name: "line env read-write", env: map[string]string{envReadWrite: "1"}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(tt.args)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.ReadWrite != tt.want {
				t.Errorf("ReadWrite = %v, want %v", cfg.ReadWrite, tt.want)
			}
		})
	}
}

func TestLoadFilePrecedence(t *testing.T) {
	path := writeConfig(t, `
transport = "relay"
vsock_mode = "listen"
vsock_port = 9000
handler = "plugin"
handler_path = "/srv/handler.so"
handler_timeout = "250ms"
log_level = "warn"
`)
	t.Setenv(envConfig, path)
	t.Setenv(envVsockPort, "7000")
	t.Setenv(envHandlerPath, "/srv/env.so")

	cfg, err := Load([]string{"--handler-path", "/srv/flag.so"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ConfigPath != path {
		t.Errorf("ConfigPath = %q, want %q", cfg.ConfigPath, path)
	}
	if cfg.Transport != "relay" || cfg.VsockMode != transport.VsockListen {
		t.Errorf("transport = %s/%s, want relay/listen from file", cfg.Transport, cfg.VsockMode)
	}
	if cfg.VsockPort != 9000 {
		t.Errorf("VsockPort = %d, want file value over env", cfg.VsockPort)
	}
	if cfg.HandlerPath != "/srv/flag.so" {
		t.Errorf("HandlerPath = %q, want flag value over file", cfg.HandlerPath)
	}
	if cfg.Handler != handler.KindPlugin {
		t.Errorf("Handler = %q, want plugin", cfg.Handler)
	}
	if cfg.HandlerTimeout != 250*time.Millisecond {
		t.Errorf("HandlerTimeout = %v, want 250ms", cfg.HandlerTimeout)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want warn", cfg.LogLevel)
	}
}

func TestLoadFileFlag(t *testing.T) {
	path := writeConfig(t, "status_addr = \":9100\"\ninstrument = true\n")

	cfg, err := Load([]string{"--config", path, "--log-level", "error"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StatusAddr != ":9100" {
		t.Errorf("StatusAddr = %q, want :9100", cfg.StatusAddr)
	}
	if !cfg.Instrument {
		t.Error("Instrument = false, want true from file")
	}
	if cfg.LogLevel != slog.LevelError {
		t.Errorf("LogLevel = %v, want error", cfg.LogLevel)
	}
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "transport = \n"},
		{"unknown key", "transprot = \"line\"\n"},
		{"bad duration", "handler_timeout = \"later\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load([]string{"--config", writeConfig(t, tt.body)}); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}

	if _, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")}); err == nil {
		t.Error("Load with missing file succeeded, want error")
	}
}

func TestLoadHelp(t *testing.T) {
	_, err := Load([]string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("err = %v, want pflag.ErrHelp", err)
	}
}

func TestLoadRejectsArguments(t *testing.T) {
	if _, err := Load([]string{"extra"}); err == nil {
		t.Error("Load with positional argument succeeded, want error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown transport", func(c *Config) { c.Transport = "serial" }, true},
		{"unknown framing", func(c *Config) { c.Framing = "chunked" }, true},
		{"line prefixed", func(c *Config) { c.Framing = "prefixed" }, false},
		{"stdout newline", func(c *Config) { c.Transport = "stdout"; c.Framing = "newline" }, true},
		{"relay bad mode", func(c *Config) { c.Transport = "relay"; c.VsockMode = "connect" }, true},
		{"unknown handler", func(c *Config) { c.Handler = "wasm" }, true},
		{"negative timeout", func(c *Config) { c.HandlerTimeout = -time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOptionBuilders(t *testing.T) {
	cfg := Default()
	cfg.Transport = "relay"
	cfg.HandlerTimeout = time.Second
	cfg.ReadWrite = true

	topts := cfg.TransportOptions()
	if topts.Kind != transport.KindRelay || topts.VsockPort != defaultVsockPort {
		t.Errorf("TransportOptions = %+v", topts)
	}
	mopts := cfg.MountOptions()
	if mopts.Device != defaultAppDevice || mopts.Target != defaultAppRoot || !mopts.ReadWrite {
		t.Errorf("MountOptions = %+v", mopts)
	}
	hopts := cfg.HandlerOptions()
	if hopts.Kind != handler.KindProcess || hopts.Timeout != time.Second {
		t.Errorf("HandlerOptions = %+v", hopts)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)

	logger.Info("should not appear")
	if buf.Len() != 0 {
		t.Errorf("info message logged at warn level: %s", buf.String())
	}
}
