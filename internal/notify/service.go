// Package notify is the async delivery pipeline for fired alarms:
// queue + worker pool + rate limit + retry + persisted dedup.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"alarmd/internal/eventbus"
	"alarmd/internal/sched"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	m Message
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	cfg     Config
	sinks   []Sink
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, store: store}
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
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}

	s.cfg = cfg
	// Token bucket with burst = rate per sec, so an alarm landing on several
	// weekday edits at once doesn't stall the pool.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)

	sinks := []Sink{NewLogSink(s.log)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhookSink(cfg.WebhookURL))
	}
	s.sinks = sinks
}

// AddSink appends a custom sink. Call before Start.
func (s *Service) AddSink(sink Sink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in notifier worker",
						logx.Int("worker", i),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.workerLoop()
		}()
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	done := s.stopDone
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	// Wait for in-flight enqueues, then close the queue so workers can drain.
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
		// Abandon the old queue but leave the service restartable. Late
		// enqueues still hold the old channel; close it once they finish so
		// the workers can exit.
		go func() {
			s.sendWG.Wait()
			func() {
				defer func() { _ = recover() }()
				close(q)
			}()
		}()
		s.resetRunState()
		s.log.Warn("notifier stop timed out; abandoning queue")
		return
	case <-ch:
	}

	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	go func() {
		s.workerWG.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
	if cancel != nil {
		cancel()
	}

	s.resetRunState()
	s.log.Info("notifier stopped")
}

func (s *Service) resetRunState() {
	s.mu.Lock()
	s.queue = nil
	s.stopDone = nil
	s.runCancel = nil
	s.runCtx = nil
	s.mu.Unlock()
}

// HandleFired adapts the scheduler's fired hook onto the queue. Enqueue
// failures are logged, not propagated; the scheduler must never block on
// delivery.
func (s *Service) HandleFired(f sched.FiredAlarm) {
	m := messageFor(f)
	if err := s.Enqueue(context.Background(), m); err != nil {
		if errors.Is(err, ErrDisabled) {
			return
		}
		s.log.Warn("alarm delivery dropped", logx.String("key", m.Key), logx.Err(err))
	}
}

func messageFor(f sched.FiredAlarm) Message {
	text := f.Alarm.Label
	if text == "" {
		text = fmt.Sprintf("Alarm %s", f.Alarm.Time)
	}
	return Message{
		AlarmID: f.Alarm.ID,
		Label:   f.Alarm.Label,
		Key:     string(f.Key),
		Day:     f.At.Weekday().String(),
		At:      f.At,
		Text:    text,
	}
}

// Enqueue queues one message for delivery.
func (s *Service) Enqueue(ctx context.Context, m Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
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
	window := s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(m)
	if window > 0 && !s.dedupAllow(ctx, key, window) {
		s.log.Debug("delivery deduped", logx.String("key", m.Key))
		return nil
	}

	select {
	case q <- job{m: m, dedupKey: key}:
		return nil
	default:
		return ErrQueueFull
	}
}

// dedupKey identifies one concrete wake event occurrence: the wake key plus
// the fire instant. Re-fires a week later hash differently on purpose.
func dedupKey(m Message) string {
	return fmt.Sprintf("notify|%s|%d", m.Key, m.At.Unix())
}

// dedupAllow consults the persisted ledger. Store failures fail open: a
// duplicate beats a silent alarm.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration) bool {
	until, ok, err := s.store.GetDedup(ctx, key)
	if err != nil {
		s.log.Warn("dedup read failed", logx.Err(err))
		return true
	}
	if ok && time.Now().Before(until) {
		return false
	}
	if err := s.store.PutDedup(ctx, key, time.Now().Add(window)); err != nil {
		s.log.Warn("dedup write failed", logx.Err(err))
	}
	return true
}

func (s *Service) workerLoop() {
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for j := range q {
		if runCtx != nil {
			select {
			case <-runCtx.Done():
				return
			default:
			}
		}
		s.deliverWithRetry(runCtx, j)
	}
}

func (s *Service) deliverWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	if runCtx == nil {
		runCtx = context.Background()
	}

	maxAttempts := 1 + cfg.RetryMax
	for _, sink := range sinks {
		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			if lim != nil {
				if err := lim.Wait(runCtx); err != nil {
					return
				}
			}

			callCtx, cancel := context.WithTimeout(runCtx, 15*time.Second)
			err := sink.Deliver(callCtx, j.m)
			cancel()
			if err == nil {
				lastErr = nil
				break
			}
			lastErr = err
			s.log.Debug("delivery attempt failed",
				logx.String("sink", sink.Name()),
				logx.String("key", j.m.Key),
				logx.Int("attempt", attempt),
				logx.Err(err))
			if attempt >= maxAttempts {
				break
			}
			if !sleepCtx(runCtx, retryDelay(cfg, attempt)) {
				return
			}
		}

		ev := DeliveredEvent{AlarmID: j.m.AlarmID, Key: j.m.Key, Sink: sink.Name(), At: time.Now()}
		if lastErr != nil {
			ev.Error = lastErr.Error()
			s.log.Warn("delivery failed",
				logx.String("sink", sink.Name()),
				logx.String("key", j.m.Key),
				logx.Err(lastErr))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeAlarmDelivered, Data: ev})
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return false
	}
}

// retryDelay is exponential backoff with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
