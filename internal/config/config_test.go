package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
llm:
  base_url: http://localhost:11434
  model: qwen2.5
servers:
  - name: files
    transport: stdio
    command: mcp-files
    args: ["--root", "/data"]
    env: ["DEBUG=1"]
    exclude: ["delete_file"]
  - name: remote
    transport: websocket
    url: wss://tools.example.com/mcp
    headers:
      Authorization: Bearer abc
    include: ["search"]
dispatch:
  max_in_flight: 8
  call_timeout_sec: 30
  handshake_timeout_sec: 5
max_iterations: 12
system_prompt: be helpful
transcript_db: /tmp/relay.db
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if cfg.LLM.Model != "qwen2.5" {
		t.Errorf("LLM.Model = %q", cfg.LLM.Model)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("Servers = %d, want 2", len(cfg.Servers))
	}

	files := cfg.Servers[0]
	if files.Command != "mcp-files" || len(files.Args) != 2 || files.Exclude[0] != "delete_file" {
		t.Errorf("files server = %+v", files)
	}
	remote := cfg.Servers[1]
	if remote.URL != "wss://tools.example.com/mcp" || remote.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("remote server = %+v", remote)
	}

	if got := cfg.Dispatch.CallTimeout(); got != 30*time.Second {
		t.Errorf("CallTimeout() = %v, want 30s", got)
	}
	if got := cfg.Dispatch.HandshakeTimeout(); got != 5*time.Second {
		t.Errorf("HandshakeTimeout() = %v, want 5s", got)
	}
	if cfg.MaxIterations != 12 {
		t.Errorf("MaxIterations = %d, want 12", cfg.MaxIterations)
	}
}

func TestLoadStdioIsDefaultTransport(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: files
    command: mcp-files
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Servers[0].Command != "mcp-files" {
		t.Errorf("server = %+v", cfg.Servers[0])
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no servers",
			yaml:    `llm: {model: m}`,
			wantErr: "at least one server",
		},
		{
			name: "missing name",
			yaml: `
servers:
  - command: mcp-files
`,
			wantErr: "name is required",
		},
		{
			name: "duplicate names",
			yaml: `
servers:
  - name: files
    command: a
  - name: files
    command: b
`,
			wantErr: "duplicate server name",
		},
		{
			name: "stdio without command",
			yaml: `
servers:
  - name: files
    transport: stdio
`,
			wantErr: "command is required",
		},
		{
			name: "websocket without url",
			yaml: `
servers:
  - name: remote
    transport: websocket
`,
			wantErr: "url is required",
		},
		{
			name: "unknown transport",
			yaml: `
servers:
  - name: odd
    transport: carrier-pigeon
`,
			wantErr: "unknown transport",
		},
		{
			name: "negative max_iterations",
			yaml: `
servers:
  - name: files
    command: a
max_iterations: -1
`,
			wantErr: "max_iterations",
		},
		{
			name:    "malformed yaml",
			yaml:    `servers: [`,
			wantErr: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("Load() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestFindConfigExplicit(t *testing.T) {
	path := writeConfig(t, `servers: [{name: a, command: b}]`)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig() = %v", err)
	}
	if got != path {
		t.Errorf("FindConfig() = %q, want %q", got, path)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("FindConfig() = nil, want error for missing explicit path")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{" debug ", slog.LevelDebug, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	attr := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}

	got := ReplaceLogLevelNames(nil, attr)
	if got.Value.String() != "TRACE" {
		t.Errorf("ReplaceLogLevelNames() = %q, want TRACE", got.Value.String())
	}

	other := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)}
	if got := ReplaceLogLevelNames(nil, other); got.Value.Any() != slog.LevelInfo {
		t.Errorf("ReplaceLogLevelNames() altered %v", other)
	}
}
