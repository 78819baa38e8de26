package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager loads the config file, validates it, and publishes reloads to
// subscribers when the file changes on disk.
type Manager struct {
	path string

	mu   sync.RWMutex
	cfg  *Config
	subs []chan *Config
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) Load() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}

	jb, format, err := toJSONBytes(m.path, b)
	if err != nil {
		return nil, fmt.Errorf("config %s (%s): %w", m.path, format, err)
	}

	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s (%s): %w", m.path, format, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cfg = &cfg
	m.mu.Unlock()
	return &cfg, nil
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.WeChat.GatewayWS) == "" {
		return fmt.Errorf("wechat.gateway_ws is required")
	}
	if strings.TrimSpace(cfg.WeChat.GatewayAPI) == "" {
		return fmt.Errorf("wechat.gateway_api is required")
	}
	if _, err := ParseDuration("wechat.reconnect_min", cfg.WeChat.ReconnectMin); err != nil {
		return err
	}
	if _, err := ParseDuration("wechat.reconnect_max", cfg.WeChat.ReconnectMax); err != nil {
		return err
	}
	if cfg.Storage != nil {
		if _, err := ParseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if cfg.Notifier != nil && cfg.Notifier.Telegram != nil && cfg.Notifier.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notifier.Telegram.Token) == "" {
			return fmt.Errorf("notifier.telegram.token is required when the mirror is enabled")
		}
		if cfg.Notifier.Telegram.ChatID == 0 {
			return fmt.Errorf("notifier.telegram.chat_id is required when the mirror is enabled")
		}
	}
	return nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) <-chan *Config {
	ch := make(chan *Config, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

func (m *Manager) publish(cfg *Config) {
	m.mu.RLock()
	subs := append([]chan *Config{}, m.subs...)
	m.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// drop if slow subscriber
		}
	}
}

// Watch blocks until ctx is done, publishing reloaded configs to subscribers.
// Invalid configs are silently skipped; subscribers only ever see configs
// that passed validation.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			cfg, err := m.Load()
			if err == nil && cfg != nil {
				m.publish(cfg)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.Events:
			if ev.Name == filepath.Join(dir, file) {
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			}
		case <-w.Errors:
			// keep watching
		}
	}
}
