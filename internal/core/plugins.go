package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"revokeguard/internal/config"
	"revokeguard/internal/transport"
	logx "revokeguard/pkg/logx"
)

const pluginCallTimeout = 10 * time.Second

// PluginManager owns plugin lifecycle (enable/disable from config) and
// routes inbound messages to running plugins.
type PluginManager struct {
	mu sync.Mutex

	log  logx.Logger
	cfgm *config.Manager
	deps PluginDeps

	order []string
	reg   map[string]Plugin
	run   map[string]bool
	// last config blob hash per running plugin (avoids redundant OnConfigChange calls)
	lastRawHash map[string]uint64

	// Internal, long-lived base context for all plugin contexts.
	// IMPORTANT: baseCtx is NOT the app ctx passed to StartAll/OnConfigUpdate
	// (which may be call-scoped). We bind app ctx only as a cancellation bridge.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	// per-plugin run context (cancelled on disable/stop)
	pctx    map[string]context.Context
	pcancel map[string]context.CancelFunc
}

func NewPluginManager(log logx.Logger, cfgm *config.Manager, deps PluginDeps) *PluginManager {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &PluginManager{
		log:         log,
		cfgm:        cfgm,
		deps:        deps,
		reg:         map[string]Plugin{},
		run:         map[string]bool{},
		lastRawHash: map[string]uint64{},
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		pctx:        map[string]context.Context{},
		pcancel:     map[string]context.CancelFunc{},
	}
}

// BindContext binds appCtx to baseCtx via cancellation bridge. First non-nil bind wins.
// This avoids plugins dying because a caller passed a short-lived ctx into StartAll.
func (pm *PluginManager) BindContext(appCtx context.Context) {
	pm.mu.Lock()
	if pm.bound || appCtx == nil {
		pm.mu.Unlock()
		return
	}
	pm.bound = true
	baseCancel := pm.baseCancel
	pm.mu.Unlock()

	go func() {
		<-appCtx.Done()
		baseCancel()
	}()
}

func (pm *PluginManager) Register(p ...Plugin) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, pl := range p {
		if _, ok := pm.reg[pl.Name()]; !ok {
			pm.order = append(pm.order, pl.Name())
		}
		pm.reg[pl.Name()] = pl
	}
}

func (pm *PluginManager) StartAll(ctx context.Context) error {
	pm.BindContext(ctx)
	return pm.reconcile(pm.cfgm.Get())
}

func (pm *PluginManager) StopAll(ctx context.Context, reason StopReason) {
	pm.mu.Lock()
	names := append([]string(nil), pm.order...)
	pm.mu.Unlock()

	for _, name := range names {
		pm.stopOne(ctx, name, reason)
	}
}

func (pm *PluginManager) OnConfigUpdate(ctx context.Context, cfg *config.Config) {
	pm.BindContext(ctx)
	_ = pm.reconcile(cfg)
}

// Dispatch routes one update to every running plugin implementing the
// matching handler interface. Handler panics and errors are absorbed per
// plugin; one plugin can never break dispatch for the others.
func (pm *PluginManager) Dispatch(up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	m := up.Message

	pm.mu.Lock()
	type target struct {
		name string
		p    Plugin
		ctx  context.Context
	}
	targets := make([]target, 0, len(pm.order))
	for _, name := range pm.order {
		if !pm.run[name] {
			continue
		}
		ctx := pm.pctx[name]
		if ctx == nil {
			ctx = pm.baseCtx
		}
		targets = append(targets, target{name: name, p: pm.reg[name], ctx: ctx})
	}
	pm.mu.Unlock()

	for _, t := range targets {
		if t.ctx.Err() != nil {
			continue
		}
		var (
			h  func(ctx context.Context, m *transport.Message) error
			ok bool
		)
		switch m.Kind {
		case transport.KindText:
			var th TextHandler
			if th, ok = t.p.(TextHandler); ok {
				h = th.OnText
			}
		case transport.KindImage:
			var ih ImageHandler
			if ih, ok = t.p.(ImageHandler); ok {
				h = ih.OnImage
			}
		case transport.KindFile:
			var fh FileHandler
			if fh, ok = t.p.(FileHandler); ok {
				h = fh.OnFile
			}
		case transport.KindSystem:
			var sh SystemHandler
			if sh, ok = t.p.(SystemHandler); ok {
				h = sh.OnSystem
			}
		}
		if h == nil {
			continue
		}

		cctx, cancel := context.WithTimeout(t.ctx, pluginCallTimeout)
		err := pm.safeCall("plugin.handle."+t.name, func() error { return h(cctx, m) })
		cancel()
		if err != nil {
			pm.log.Warn("plugin handler failed", logx.String("plugin", t.name), logx.String("kind", string(m.Kind)), logx.Err(err))
		}
	}
}

func (pm *PluginManager) stopOne(stopCtx context.Context, name string, reason StopReason) {
	pm.mu.Lock()
	p := pm.reg[name]
	running := pm.run[name]
	cancel := pm.pcancel[name]
	pm.mu.Unlock()

	if !running || p == nil {
		return
	}

	start := time.Now()
	pm.log.Debug("stopping plugin", logx.String("plugin", name), logx.String("reason", string(reason)))

	// cancel plugin context first (stop background loops promptly)
	if cancel != nil {
		cancel()
	}

	// call Stop with stopCtx, but do not allow a misbehaving plugin to block shutdown forever.
	done := make(chan struct{})
	go func() {
		_ = pm.safeCall("plugin.stop."+name, func() error { return p.Stop(stopCtx) })
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		pm.log.Warn("plugin stop timeout (continuing)", logx.String("plugin", name), logx.Err(stopCtx.Err()))
	}

	pm.mu.Lock()
	pm.run[name] = false
	delete(pm.pctx, name)
	delete(pm.pcancel, name)
	delete(pm.lastRawHash, name)
	pm.mu.Unlock()

	pm.log.Debug("plugin stopped", logx.String("plugin", name), logx.String("reason", string(reason)), logx.Duration("took", time.Since(start)))
}

func (pm *PluginManager) reconcile(cfg *config.Config) error {
	if cfg == nil {
		return nil
	}

	// snapshot desired actions without holding lock during plugin calls
	type op struct {
		name    string
		p       Plugin
		raw     config.PluginConfigRaw
		enabled bool
		run     bool
	}
	pm.mu.Lock()
	ops := make([]op, 0, len(pm.order))
	for _, name := range pm.order {
		raw, ok := cfg.Plugins[name]
		enabled := ok && raw.Enabled
		ops = append(ops, op{name: name, p: pm.reg[name], raw: raw, enabled: enabled, run: pm.run[name]})
	}
	pm.mu.Unlock()

	for _, o := range ops {
		switch {
		case o.enabled && !o.run:
			pm.startOne(o.name, o.p, o.raw)

		case !o.enabled && o.run:
			stopCtx, cancel := context.WithTimeout(pm.baseCtx, pluginCallTimeout)
			pm.stopOne(stopCtx, o.name, StopPluginDisable)
			cancel()

		case o.enabled && o.run:
			cp, ok := o.p.(ConfigurablePlugin)
			if !ok {
				continue
			}
			newHash := configHash(o.raw.Config)
			pm.mu.Lock()
			oldHash := pm.lastRawHash[o.name]
			pctx := pm.pctx[o.name]
			pm.mu.Unlock()
			// If the raw blob didn't change, skip OnConfigChange. This prevents
			// thrashing schedules/background loops on unrelated config reloads.
			if newHash == oldHash {
				pm.log.Debug("plugin config unchanged; skipping", logx.String("plugin", o.name))
				continue
			}
			pm.mu.Lock()
			pm.lastRawHash[o.name] = newHash
			pm.mu.Unlock()
			if pctx == nil {
				pctx = pm.baseCtx
			}
			cctx, ccancel := context.WithTimeout(pctx, pluginCallTimeout)
			if err := pm.safeCall("plugin.config."+o.name, func() error { return cp.OnConfigChange(cctx, o.raw.Config) }); err != nil {
				pm.log.Warn("plugin config apply failed", logx.String("plugin", o.name), logx.Err(err))
			}
			ccancel()
		}
	}
	return nil
}

func (pm *PluginManager) startOne(name string, p Plugin, raw config.PluginConfigRaw) {
	pm.log.Debug("plugin enable requested", logx.String("plugin", name))
	// LONG-LIVED plugin ctx from internal base ctx
	pctx, cancel := context.WithCancel(pm.baseCtx)

	{
		ictx, icancel := context.WithTimeout(pctx, pluginCallTimeout)
		err := pm.safeCall("plugin.init."+name, func() error { return p.Init(ictx, pm.deps) })
		icancel()
		if err != nil {
			pm.log.Error("plugin init failed", logx.String("plugin", name), logx.Err(err))
			cancel()
			return
		}
	}

	// apply config before Start
	if cp, ok := p.(ConfigurablePlugin); ok {
		cctx, ccancel := context.WithTimeout(pctx, pluginCallTimeout)
		_ = pm.safeCall("plugin.config."+name, func() error { return cp.OnConfigChange(cctx, raw.Config) })
		ccancel()
	}

	if err := pm.startWithTimeout(name, p, pctx, cancel, pluginCallTimeout); err != nil {
		pm.log.Error("plugin start failed", logx.String("plugin", name), logx.Err(err))
		cancel()
		return
	}

	pm.mu.Lock()
	pm.run[name] = true
	pm.pctx[name] = pctx
	pm.pcancel[name] = cancel
	pm.lastRawHash[name] = configHash(raw.Config)
	pm.mu.Unlock()

	pm.log.Info("plugin started", logx.String("plugin", name))
}

// startWithTimeout calls Start(pctx) but enforces a deadline. If it times out, plugin ctx is cancelled.
func (pm *PluginManager) startWithTimeout(name string, p Plugin, pctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- pm.safeCall("plugin.start."+name, func() error { return p.Start(pctx) })
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return err
	case <-t.C:
		// cancel plugin ctx and wait small grace for Start() to return
		cancel()

		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", timeout, err)
			}
			return fmt.Errorf("start timeout (%s)", timeout)
		case <-grace.C:
			return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
		}
	}
}

func (pm *PluginManager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pm.log.Error("panic in plugin call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}
