package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	WeChat    WeChatConfig    `json:"wechat"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Notifier controls the async notification pipeline.
	// If the whole section is omitted, the notifier defaults to enabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	// Storage controls the optional revoke-audit persistence layer.
	Storage *StorageConfig `json:"storage,omitempty"`

	Plugins map[string]PluginConfigRaw `json:"plugins"`
}

// WeChatConfig points the service at a local WeChat API gateway.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type WeChatConfig struct {
	// GatewayWS is the websocket event stream, e.g. "ws://127.0.0.1:9001/ws".
	GatewayWS string `json:"gateway_ws"`
	// GatewayAPI is the HTTP base URL, e.g. "http://127.0.0.1:9001".
	GatewayAPI string `json:"gateway_api"`
	Token      string `json:"token,omitempty"`

	ReconnectMin string `json:"reconnect_min,omitempty"`
	ReconnectMax string `json:"reconnect_max,omitempty"`

	// UpdateBuffer sizes the inbound update channel (default 256).
	UpdateBuffer int `json:"update_buffer,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the cron/interval trigger service.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// There is deliberately no retry knob: a failed delivery is a permanent,
// isolated loss for that recipient.
type NotifierConfig struct {
	Enabled    bool `json:"enabled"`
	Workers    int  `json:"workers,omitempty"`
	QueueSize  int  `json:"queue_size,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`

	// Telegram optionally mirrors operator notifications to a Telegram chat.
	Telegram *TelegramMirrorConfig `json:"telegram,omitempty"`
}

type TelegramMirrorConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Driver values: "none" (default), "file" (JSONL append), "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields to ensure removed legacy keys are
// caught early during config reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
