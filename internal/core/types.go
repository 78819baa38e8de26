package core

import (
	"context"
	"encoding/json"

	"revokeguard/internal/config"
	"revokeguard/internal/services/notify"
	"revokeguard/internal/services/scheduler"
	"revokeguard/internal/storage"
	"revokeguard/internal/transport"
	logx "revokeguard/pkg/logx"
)

// Plugin is the minimal lifecycle every plugin implements.
type Plugin interface {
	Name() string
	Init(ctx context.Context, deps PluginDeps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ConfigurablePlugin receives its raw config blob on start and on every
// config reload where the blob changed.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// Per-message-type handler interfaces. A plugin implements only the ones it
// cares about; the manager routes each inbound message to all running
// plugins that implement the matching interface, in registration order.
type (
	TextHandler interface {
		OnText(ctx context.Context, m *transport.Message) error
	}
	ImageHandler interface {
		OnImage(ctx context.Context, m *transport.Message) error
	}
	FileHandler interface {
		OnFile(ctx context.Context, m *transport.Message) error
	}
	// SystemHandler receives platform system messages (revokes, pat
	// notifications, group events) with the raw XML payload in Content.
	SystemHandler interface {
		OnSystem(ctx context.Context, m *transport.Message) error
	}
)

// Services are the shared host services handed to plugins.
type Services struct {
	Notifier  *notify.Service
	Scheduler *scheduler.Service
	Store     storage.Store
}

type PluginDeps struct {
	Logger   logx.Logger
	Adapter  transport.Adapter
	Config   *config.Manager
	Services *Services
}
