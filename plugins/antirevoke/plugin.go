package antirevoke

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"revokeguard/internal/core"
	"revokeguard/internal/services/notify"
	"revokeguard/internal/storage"
	"revokeguard/internal/transport"
	logx "revokeguard/pkg/logx"
)

const (
	defaultCacheTimeout  = 300 * time.Second
	defaultSweepInterval = 60 * time.Second
)

// Config is the per-plugin config blob.
type Config struct {
	// Admins receive revoke notifications. With an empty list the plugin
	// still caches and correlates, but every notification is dropped.
	Admins []string `json:"admins"`

	// CacheTimeout bounds how long an original message stays recoverable.
	CacheTimeout string `json:"cache_timeout"`

	// SweepInterval controls the periodic expired-entry sweep.
	SweepInterval string `json:"sweep_interval"`

	// DailySummary, when set to a schedule spec ("cron:..." or "every:..."),
	// reports the day's revoke count to admins. Requires storage.
	DailySummary string `json:"daily_summary"`

	// StartupProbe sends a short liveness message to admins on start.
	StartupProbe bool `json:"startup_probe"`
}

type settings struct {
	admins        []string
	cacheTimeout  time.Duration
	sweepInterval time.Duration
	dailySummary  string
	startupProbe  bool
}

// Plugin watches inbound traffic, caches recent messages, and pushes the
// original content to admins when a revoke notice arrives for it.
type Plugin struct {
	core.PluginBase

	cache *messageCache

	mu  sync.RWMutex
	cfg settings

	// rearm wakes the running sweep loop when the interval changes.
	rearm chan struct{}

	warnedNoAdmins bool
}

func New() *Plugin {
	return &Plugin{
		cache: newMessageCache(defaultCacheTimeout),
		rearm: make(chan struct{}, 1),
	}
}

func (p *Plugin) Name() string { return "antirevoke" }

func (p *Plugin) Init(ctx context.Context, deps core.PluginDeps) error {
	p.InitBase(deps, p.Name())
	p.mu.Lock()
	p.cfg = settings{cacheTimeout: defaultCacheTimeout, sweepInterval: defaultSweepInterval}
	p.mu.Unlock()
	return nil
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := core.DecodePluginConfig[Config](raw)
	if err != nil {
		return fmt.Errorf("antirevoke: decode config: %w", err)
	}

	ttl, err := parsePluginDuration("cache_timeout", c.CacheTimeout, defaultCacheTimeout)
	if err != nil {
		return err
	}
	sweep, err := parsePluginDuration("sweep_interval", c.SweepInterval, defaultSweepInterval)
	if err != nil {
		return err
	}

	p.mu.Lock()
	old := p.cfg
	p.cfg = settings{
		admins:        append([]string(nil), c.Admins...),
		cacheTimeout:  ttl,
		sweepInterval: sweep,
		dailySummary:  c.DailySummary,
		startupProbe:  c.StartupProbe,
	}
	p.mu.Unlock()

	p.cache.setTTL(ttl)

	if len(c.Admins) == 0 && !p.warnedNoAdmins {
		p.warnedNoAdmins = true
		p.Log.Warn("no admins configured, revoke notifications will be dropped")
	}

	// Re-arm running background work whose knobs changed. Runner is nil
	// until Start, so the initial config apply skips this.
	if p.Runner != nil {
		if old.sweepInterval != sweep {
			select {
			case p.rearm <- struct{}{}:
			default:
			}
		}
		if old.dailySummary != c.DailySummary {
			p.Unschedule("summary")
			if c.DailySummary != "" {
				if err := p.scheduleSummary(c.DailySummary); err != nil {
					p.Log.Error("reschedule summary failed", logx.Err(err))
				}
			}
		}
	}
	return nil
}

func (p *Plugin) snapshot() settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)
	cfg := p.snapshot()

	p.Runner.Go("sweep", func(ctx context.Context) error {
		t := time.NewTimer(p.snapshot().sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-p.rearm:
				if !t.Stop() {
					select {
					case <-t.C:
					default:
					}
				}
				t.Reset(p.snapshot().sweepInterval)
			case <-t.C:
				if n := p.cache.removeExpired(); n > 0 {
					p.Log.Debug("swept expired messages", logx.Int("removed", n), logx.Int("remaining", p.cache.len()))
				}
				t.Reset(p.snapshot().sweepInterval)
			}
		}
	})

	if cfg.dailySummary != "" {
		if err := p.scheduleSummary(cfg.dailySummary); err != nil {
			return fmt.Errorf("antirevoke: schedule summary: %w", err)
		}
	}

	if cfg.startupProbe {
		for _, admin := range cfg.admins {
			_ = p.Notify(ctx, notify.Notification{Recipient: admin, Text: "antirevoke online"})
		}
	}

	p.Log.Info("started",
		logx.Duration("cache_timeout", cfg.cacheTimeout),
		logx.Duration("sweep_interval", cfg.sweepInterval),
		logx.Int("admins", len(cfg.admins)))
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.Unschedule("summary")
	return p.StopBase(ctx)
}

// OnText caches the message so it survives a later revoke. It also serves
// the admin-only "test_revoke" command for end-to-end checks.
func (p *Plugin) OnText(ctx context.Context, m *transport.Message) error {
	if strings.TrimSpace(m.Content) == "test_revoke" && p.isAdmin(m.SenderID) {
		for _, admin := range p.snapshot().admins {
			if err := p.Notify(ctx, notify.Notification{Recipient: admin, Text: "antirevoke test notification"}); err != nil {
				p.Log.Warn("test notification failed", logx.String("recipient", admin), logx.Err(err))
			}
		}
		return nil
	}

	name := senderNickname(m.MsgSource, "")
	p.cache.put(m.NewMsgID, cachedMessage{
		Content:    m.Content,
		SenderID:   m.SenderID,
		SenderName: name,
		ChatID:     m.ChatID,
		IsGroup:    m.IsGroup,
	})
	return nil
}

// Media carries no recoverable body; a placeholder is cached instead so the
// notification can still say what kind of thing was revoked.

func (p *Plugin) OnImage(ctx context.Context, m *transport.Message) error {
	p.cachePlaceholder(m, "[image]")
	return nil
}

func (p *Plugin) OnFile(ctx context.Context, m *transport.Message) error {
	placeholder := "[file]"
	if m.FileName != "" {
		placeholder = "[file: " + m.FileName + "]"
	}
	p.cachePlaceholder(m, placeholder)
	return nil
}

func (p *Plugin) cachePlaceholder(m *transport.Message, content string) {
	p.cache.put(m.NewMsgID, cachedMessage{
		Content:    content,
		SenderID:   m.SenderID,
		SenderName: senderNickname(m.MsgSource, ""),
		ChatID:     m.ChatID,
		IsGroup:    m.IsGroup,
	})
}

// OnSystem handles revoke notices. Anything else (pats, group joins) falls
// through the payload pre-filter untouched.
func (p *Plugin) OnSystem(ctx context.Context, m *transport.Message) error {
	req, ok := p.handleRevoke(m.Content)
	if !ok {
		return nil
	}

	// Each recipient is enqueued independently; one full queue or failed
	// delivery never blocks the rest.
	for _, admin := range req.recipients {
		if err := p.Notify(ctx, notify.Notification{Recipient: admin, Text: req.text, Mirror: true}); err != nil {
			p.Log.Error("enqueue revoke notification failed",
				logx.String("recipient", admin), logx.Err(err))
		}
	}

	if p.Deps.Services != nil && p.Deps.Services.Store != nil {
		err := p.Deps.Services.Store.AppendRevoke(ctx, storage.RevokeEntry{
			At:         time.Now(),
			ChatID:     req.entry.ChatID,
			IsGroup:    req.entry.IsGroup,
			SenderID:   req.entry.SenderID,
			SenderName: req.name,
			Content:    req.entry.Content,
			Recipients: len(req.recipients),
		})
		if err != nil {
			p.Log.Error("append revoke audit entry failed", logx.Err(err))
		}
	}
	return nil
}

func (p *Plugin) scheduleSummary(spec string) error {
	if p.Deps.Services == nil || p.Deps.Services.Store == nil {
		p.Log.Warn("daily summary configured but storage is disabled")
		return nil
	}
	return p.Schedule("summary", spec, time.Minute, p.sendSummary)
}

func (p *Plugin) sendSummary(ctx context.Context) error {
	store := p.Deps.Services.Store
	since := time.Now().Add(-24 * time.Hour)
	n, err := store.CountSince(ctx, since)
	if err != nil {
		return fmt.Errorf("antirevoke: count revokes: %w", err)
	}
	text := fmt.Sprintf("revokes caught in the last 24h: %d", n)
	for _, admin := range p.snapshot().admins {
		_ = p.Notify(ctx, notify.Notification{Recipient: admin, Text: text})
	}
	return nil
}

func (p *Plugin) isAdmin(id string) bool {
	for _, a := range p.snapshot().admins {
		if a == id {
			return true
		}
	}
	return false
}

func parsePluginDuration(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("antirevoke: %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("antirevoke: %s must be positive", field)
	}
	return d, nil
}
