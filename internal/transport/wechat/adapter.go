package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	rtsup "revokeguard/internal/runtime/supervisor"
	kit "revokeguard/internal/transport"
	logx "revokeguard/pkg/logx"
)

type Config struct {
	// GatewayWS is the websocket endpoint of the local WeChat API gateway
	// event stream, e.g. "ws://127.0.0.1:9001/ws".
	GatewayWS string
	// GatewayAPI is the HTTP base URL for outbound calls,
	// e.g. "http://127.0.0.1:9001".
	GatewayAPI string
	Token      string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// frame mirrors the gateway's JSON event schema verbatim.
type frame struct {
	MsgID    int64  `json:"MsgId"`
	NewMsgID int64  `json:"NewMsgId"`
	MsgType  int    `json:"MsgType"`
	FromWxid string `json:"FromWxid"`
	// SenderWxid differs from FromWxid in group chats (group id vs member id).
	SenderWxid string `json:"SenderWxid"`
	Content    string `json:"Content"`
	IsGroup    bool   `json:"IsGroup"`
	MsgSource  string `json:"MsgSource"`
	FileInfo   *struct {
		FileName string `json:"FileName"`
	} `json:"FileInfo,omitempty"`
}

// Gateway message types, per the platform protocol.
const (
	msgTypeText   = 1
	msgTypeImage  = 3
	msgTypeFile   = 6
	msgTypeNotice = 10000
	msgTypeSystem = 10002
)

// Adapter connects to a WeChat API gateway: a websocket event stream for
// inbound messages and an HTTP API for outbound sends.
type Adapter struct {
	cfg Config
	log logx.Logger

	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (read loop, drop logger).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	// connMu guards conn so Stop can interrupt a blocking ReadMessage.
	connMu sync.Mutex
	conn   *websocket.Conn

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the event stream. Logged periodically to avoid per-update spam.
	droppedUpdates uint64

	http *http.Client
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.GatewayWS) == "" {
		return nil, errors.New("wechat gateway ws url is empty")
	}
	if strings.TrimSpace(cfg.GatewayAPI) == "" {
		return nil, errors.New("wechat gateway api url is empty")
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, http: &http.Client{Timeout: 8 * time.Second}}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	return a, nil
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "wechat.adapter"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	// Event stream with reconnect backoff. The gateway is a local sidecar;
	// it restarting under us is normal, not fatal.
	sup.Go0("gateway.stream", func(c context.Context) {
		backoff := a.cfg.ReconnectMin
		for {
			if c.Err() != nil {
				return
			}
			err := a.runStream(c)
			if c.Err() != nil {
				return
			}
			a.log.Warn("gateway stream disconnected", logx.Err(err), logx.Duration("retry_in", backoff))
			select {
			case <-c.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > a.cfg.ReconnectMax {
				backoff = a.cfg.ReconnectMax
			}
		}
	})

	return nil
}

func (a *Adapter) runStream(ctx context.Context) error {
	header := http.Header{}
	if a.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.cfg.GatewayWS, header)
	if err != nil {
		return err
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	defer func() {
		a.connMu.Lock()
		a.conn = nil
		a.connMu.Unlock()
		_ = conn.Close()
	}()

	a.log.Info("gateway stream connected", logx.String("url", a.cfg.GatewayWS))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		a.handleFrame(data)
	}
}

func (a *Adapter) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		a.log.Debug("unparseable gateway frame", logx.Err(err))
		return
	}

	var kind kit.MessageKind
	switch f.MsgType {
	case msgTypeText:
		kind = kit.KindText
	case msgTypeImage:
		kind = kit.KindImage
	case msgTypeFile:
		kind = kit.KindFile
	case msgTypeNotice, msgTypeSystem:
		kind = kit.KindSystem
	default:
		// Voice, video, stickers etc. are not interesting to any plugin yet.
		return
	}

	sender := f.SenderWxid
	if sender == "" {
		sender = f.FromWxid
	}

	m := &kit.Message{
		MsgID:     formatID(f.MsgID),
		NewMsgID:  formatID(f.NewMsgID),
		ChatID:    f.FromWxid,
		SenderID:  sender,
		IsGroup:   f.IsGroup,
		Kind:      kind,
		Content:   f.Content,
		MsgSource: f.MsgSource,
	}
	if f.FileInfo != nil {
		m.FileName = f.FileInfo.FileName
	}
	a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: m})
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return fmt.Sprintf("%d", id)
}

type sendTextRequest struct {
	Wxid    string `json:"Wxid"`
	Content string `json:"Content"`
}

type apiResponse struct {
	Success bool   `json:"Success"`
	Message string `json:"Message"`
}

func (a *Adapter) SendText(ctx context.Context, recipientID string, text string) error {
	if strings.TrimSpace(recipientID) == "" {
		return errors.New("empty recipient id")
	}
	body, err := json.Marshal(sendTextRequest{Wxid: recipientID, Content: text})
	if err != nil {
		return err
	}
	url := strings.TrimRight(a.cfg.GatewayAPI, "/") + "/api/SendTextMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway send: unexpected status %d", resp.StatusCode)
	}
	var out apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return fmt.Errorf("gateway send: decode response: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("gateway send rejected: %s", out.Message)
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("wechat stop called but not running")
		return nil
	}

	if sup != nil {
		sup.Cancel()
	}

	// Unblock a pending ReadMessage.
	a.connMu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.connMu.Unlock()

	if sup == nil {
		return nil
	}

	// Grace window: keep shutdown snappy even if the stream is mid-reconnect.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("wechat stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("wechat stopped with supervisor error", logx.Err(err))
	}
	a.log.Info("gateway adapter stopped")
	return nil
}
