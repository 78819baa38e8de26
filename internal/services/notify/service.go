package notify

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "revokeguard/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type Config struct {
	Enabled    bool
	Workers    int
	QueueSize  int
	RatePerSec int
}

// Notification is one text delivery to one recipient.
//
// Deliveries are independent per recipient: callers enqueue one Notification
// per recipient, and a failure for one never affects the others.
type Notification struct {
	Recipient string
	Text      string

	// Mirror additionally forwards the text to the operator mirror channel
	// (if one is configured).
	Mirror bool
}

// Sender is the outbound surface of the chat platform adapter.
type Sender interface {
	SendText(ctx context.Context, recipientID string, text string) error
}

// MirrorSender is an optional secondary operator channel (Telegram).
type MirrorSender interface {
	Send(ctx context.Context, text string) error
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit.
//
// There is intentionally no retry: a failed delivery is a permanent,
// isolated loss for that recipient.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	mirror MirrorSender

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Notification
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	// workerWG is per-generation: workers left draining after a timed-out
	// Stop must not block the next generation's shutdown.
	workerWG *sync.WaitGroup

	// In-memory history of recent deliveries (operational visibility).
	hmu     sync.Mutex
	history []HistoryItem
}

type HistoryItem struct {
	At        time.Time
	Recipient string
	Text      string
	Err       string
}

func New(cfg Config, sender Sender, mirror MirrorSender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, mirror: mirror, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	// Defaults
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		// already running
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.accepting = true
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.workerWG = &sync.WaitGroup{}
	q := s.queue
	runCtx := s.runCtx
	wg := s.workerWG
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in notifier worker", logx.Int("worker", i), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.workerLoop(q, runCtx)
		}()
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
// Fields are reset on every exit path, so a later Start runs the service
// again even after a timed-out shutdown.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	done := s.stopDone
	cancel := s.runCancel
	wg := s.workerWG
	if q == nil {
		s.mu.Unlock()
		return
	}
	// Block new notifies.
	s.accepting = false
	s.mu.Unlock()

	// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
	ch := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		// Close the queue once the last enqueue finishes so the abandoned
		// workers can still run down and exit.
		go func() {
			<-ch
			defer func() { _ = recover() }()
			close(q)
		}()
		s.reset()
		return
	case <-ch:
	}

	// Now it's safe to close the queue.
	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	// Wait for workers.
	go func() {
		if wg != nil {
			wg.Wait()
		}
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	if cancel != nil {
		cancel()
	}
	s.reset()
}

func (s *Service) reset() {
	s.mu.Lock()
	s.queue = nil
	s.stopDone = nil
	s.runCancel = nil
	s.runCtx = nil
	s.workerWG = nil
	s.mu.Unlock()
}

// Notify enqueues a delivery. It never blocks on a full queue.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(n Notification, err error) {
	item := HistoryItem{At: time.Now(), Recipient: n.Recipient, Text: n.Text}
	if err != nil {
		item.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

// workerLoop receives its generation's queue and run context explicitly; a
// restart must never hand an old worker the new generation's channel.
func (s *Service) workerLoop(q chan Notification, runCtx context.Context) {
	for n := range q {
		// If the app is stopping, stop quickly.
		if runCtx != nil {
			select {
			case <-runCtx.Done():
				return
			default:
			}
		}
		s.deliver(runCtx, n)
	}
}

func (s *Service) deliver(runCtx context.Context, n Notification) {
	// config snapshot for this send
	s.mu.Lock()
	lim := s.limiter
	sender := s.sender
	mirror := s.mirror
	s.mu.Unlock()

	if sender == nil || n.Text == "" {
		return
	}

	base := runCtx
	if base == nil {
		base = context.Background()
	}

	// Rate limit (honor cancellation).
	if lim != nil {
		if err := lim.Wait(base); err != nil {
			return
		}
	}

	// Bound per-send call. Keep tight to avoid hanging workers.
	callCtx, cancel := context.WithTimeout(base, 10*time.Second)
	err := sender.SendText(callCtx, n.Recipient, n.Text)
	cancel()
	if err != nil {
		s.log.Warn("notification send failed", logx.String("recipient", n.Recipient), logx.Err(err))
		// Surface the loss on the operator channel; there is no retry.
		if mirror != nil {
			actx, acancel := context.WithTimeout(base, 10*time.Second)
			if aerr := mirror.Send(actx, "delivery failed for "+n.Recipient+": "+err.Error()); aerr != nil {
				s.log.Warn("mirror alert failed", logx.Err(aerr))
			}
			acancel()
		}
	} else {
		s.log.Debug("notification sent", logx.String("recipient", n.Recipient))
	}
	s.appendHistory(n, err)

	if n.Mirror && mirror != nil {
		mctx, mcancel := context.WithTimeout(base, 10*time.Second)
		if merr := mirror.Send(mctx, n.Text); merr != nil {
			s.log.Warn("mirror send failed", logx.Err(merr))
		}
		mcancel()
	}
}
