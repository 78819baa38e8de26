package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
wechat:
  gateway_ws: "ws://127.0.0.1:8080/ws"
  gateway_api: "http://127.0.0.1:8080"
logging:
  level: "info"
  console: true
scheduler:
  enabled: true
plugins:
  antirevoke:
    enabled: true
    config:
      admins: ["wxid_a"]
      cache_timeout: "300s"
`

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", minimalYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WeChat.GatewayWS != "ws://127.0.0.1:8080/ws" {
		t.Fatalf("gateway_ws = %q", cfg.WeChat.GatewayWS)
	}
	if !cfg.Scheduler.Enabled {
		t.Fatal("scheduler.enabled lost in coercion")
	}
	raw, ok := cfg.Plugins["antirevoke"]
	if !ok || !raw.Enabled {
		t.Fatalf("plugin block missing or disabled: %+v", raw)
	}
	if !strings.Contains(string(raw.Config), "wxid_a") {
		t.Fatalf("plugin config blob lost: %s", raw.Config)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the loaded config")
	}
}

func TestLoadRejectsUnknownTopLevelField(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", minimalYAML+"\nlegacy_section:\n  x: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level field must be rejected")
	}
}

func TestLoadRejectsUnknownPluginField(t *testing.T) {
	body := strings.Replace(minimalYAML, "enabled: true\n    config:", "enabled: true\n    priority: 3\n    config:", 1)
	m := NewManager(writeConfig(t, "config.yaml", body))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown plugin field must be rejected")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing gateway_ws",
			mutate:  func(c *Config) { c.WeChat.GatewayWS = " " },
			wantErr: "gateway_ws",
		},
		{
			name:    "missing gateway_api",
			mutate:  func(c *Config) { c.WeChat.GatewayAPI = "" },
			wantErr: "gateway_api",
		},
		{
			name:    "bad reconnect duration",
			mutate:  func(c *Config) { c.WeChat.ReconnectMin = "soon" },
			wantErr: "reconnect_min",
		},
		{
			name: "mirror without token",
			mutate: func(c *Config) {
				c.Notifier = &NotifierConfig{Enabled: true, Telegram: &TelegramMirrorConfig{Enabled: true, ChatID: 1}}
			},
			wantErr: "telegram.token",
		},
		{
			name: "mirror without chat id",
			mutate: func(c *Config) {
				c.Notifier = &NotifierConfig{Enabled: true, Telegram: &TelegramMirrorConfig{Enabled: true, Token: "t"}}
			},
			wantErr: "chat_id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{WeChat: WeChatConfig{GatewayWS: "ws://x/ws", GatewayAPI: "http://x"}}
			tt.mutate(cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDuration("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	if d, err := ParseDuration("x", "90s"); err != nil || d != 90*time.Second {
		t.Fatalf("90s: d=%v err=%v", d, err)
	}
	if _, err := ParseDuration("x", "-1s"); err == nil {
		t.Fatal("negative must fail")
	}
	if _, err := ParseDuration("x", "later"); err == nil {
		t.Fatal("junk must fail")
	}
	if d, err := ParseDurationOr("x", "", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("default: d=%v err=%v", d, err)
	}
}

func TestLoadJSONPassthrough(t *testing.T) {
	body := `{
  "wechat": {"gateway_ws": "ws://h/ws", "gateway_api": "http://h"},
  "logging": {"level": "debug", "console": true},
  "scheduler": {"enabled": false},
  "plugins": {}
}`
	m := NewManager(writeConfig(t, "config.json", body))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}
