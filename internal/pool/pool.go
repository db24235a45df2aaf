// Package pool provides the message processing pool implementation.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.dispatchrouter.dev/internal/metrics"
	"go.dispatchrouter.dev/internal/statsnapshot"
)

// MessagePointer represents a message to be processed.
type MessagePointer struct {
	ID              string // Application message ID
	BrokerMessageID string // Broker-assigned ID; also the manager's pipeline-tracking key
	BatchID         string
	MessageGroupID  string
	MediationTarget string            // URL to POST to for mediation
	MediationType   string            // Type of mediation (HTTP, etc.)
	AuthToken       string            // Bearer token override for this message
	Payload         []byte            // Original payload
	Headers         map[string]string // Additional headers
	TimeoutSeconds  int
	AckFunc         func() error
	NakFunc         func() error
	NakDelayFunc    func(time.Duration) error
	InProgressFunc  func() error
}

// MediationResult represents the outcome classification of mediation.
type MediationResult string

const (
	MediationResultSuccess         MediationResult = "SUCCESS"
	MediationResultErrorConfig     MediationResult = "ERROR_CONFIG"     // non-retryable
	MediationResultErrorProcess    MediationResult = "ERROR_PROCESS"    // retryable, target rejected the content
	MediationResultErrorConnection MediationResult = "ERROR_CONNECTION" // retryable, transport failure
	MediationResultErrorServer     MediationResult = "ERROR_SERVER"     // retryable, target-side failure
)

// MediationOutcome is the result of one mediation attempt.
type MediationOutcome struct {
	Result      MediationResult
	Delay       *time.Duration
	Error       error
	StatusCode  int
	ResponseAck *bool
}

// HasCustomDelay returns true if a custom delay is set.
func (o *MediationOutcome) HasCustomDelay() bool {
	return o.Delay != nil
}

// GetEffectiveDelaySeconds returns the delay in seconds.
func (o *MediationOutcome) GetEffectiveDelaySeconds() int {
	if o.Delay == nil {
		return 0
	}
	return int(o.Delay.Seconds())
}

// Mediator processes messages against their mediation target.
type Mediator interface {
	Process(msg *MessagePointer) *MediationOutcome
}

// MessageCallback handles ack/nack and visibility operations.
type MessageCallback interface {
	Ack(msg *MessagePointer)
	Nack(msg *MessagePointer)
	SetVisibilityDelay(msg *MessagePointer, seconds int)
	SetFastFailVisibility(msg *MessagePointer)
	ResetVisibilityToDefault(msg *MessagePointer)
}

// Pool represents a bounded, rate-limited message processing pool for one
// mediation target.
type Pool interface {
	Start()
	Drain()
	Submit(msg *MessagePointer) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int, timeoutSeconds int) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
}

// ProcessPool is a single shared bounded channel feeding a fixed number of
// consumer goroutines. Messages belonging to the same message group are not
// serialized relative to one another; ordering guarantees, if any, are the
// responsibility of the upstream broker, not this pool.
type ProcessPool struct {
	poolCode      string
	concurrency   int32 // atomic
	queueCapacity int
	queue         chan *MessagePointer

	running atomic.Bool

	rateLimiter        *rate.Limiter
	rateLimitMu        sync.RWMutex
	rateLimitPerMinute *int

	mediator        Mediator
	messageCallback MessageCallback

	activeWorkers atomic.Int32

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownMu sync.Mutex

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup

	metricsRecorder statsnapshot.PoolMetricsService
}

// SetMetricsRecorder wires a snapshot recorder used to serve the monitoring
// API's pool-stats endpoints. Optional; nil means stats go to Prometheus only.
func (p *ProcessPool) SetMetricsRecorder(rec statsnapshot.PoolMetricsService) {
	p.metricsRecorder = rec
	if rec != nil {
		rec.InitializePoolCapacity(p.poolCode, int(atomic.LoadInt32(&p.concurrency)), p.queueCapacity)
	}
}

// NewProcessPool creates a new process pool for a single mediation target.
func NewProcessPool(
	poolCode string,
	concurrency int,
	queueCapacity int,
	rateLimitPerMinute *int,
	mediator Mediator,
	messageCallback MessageCallback,
) *ProcessPool {
	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	p := &ProcessPool{
		poolCode:           poolCode,
		concurrency:        int32(concurrency),
		queueCapacity:      queueCapacity,
		queue:              make(chan *MessagePointer, queueCapacity),
		mediator:           mediator,
		messageCallback:    messageCallback,
		rateLimitPerMinute: rateLimitPerMinute,
		ctx:                ctx,
		cancel:             cancel,
		gaugeCtx:           gaugeCtx,
		gaugeCancel:        gaugeCancel,
	}

	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		perSecond := float64(*rateLimitPerMinute) / 60.0
		p.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), *rateLimitPerMinute)
		slog.Info("created pool-level rate limiter", "pool", poolCode, "rate_limit_per_minute", *rateLimitPerMinute)
	}

	return p
}

// Start spins up the fixed worker pool and the gauge updater.
func (p *ProcessPool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}

	n := int(atomic.LoadInt32(&p.concurrency))
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.gaugeWg.Add(1)
	go p.runGaugeUpdater()

	slog.Info("started process pool", "pool", p.poolCode, "concurrency", n, "queue_capacity", p.queueCapacity)
}

// Drain stops accepting new work but lets queued messages finish.
func (p *ProcessPool) Drain() {
	slog.Info("draining process pool", "pool", p.poolCode, "queued", len(p.queue))
	p.running.Store(false)
}

// Submit enqueues a message. Returns false if the pool is not running or its
// queue is full — the caller is responsible for nacking on false.
func (p *ProcessPool) Submit(msg *MessagePointer) bool {
	if !p.running.Load() {
		return false
	}

	select {
	case p.queue <- msg:
		if p.metricsRecorder != nil {
			p.metricsRecorder.RecordMessageSubmitted(p.poolCode)
		}
		return true
	default:
		slog.Debug("pool at capacity, rejecting message", "pool", p.poolCode, "message_id", msg.ID)
		return false
	}
}

// worker is one of the pool's fixed consumer goroutines.
func (p *ProcessPool) worker(id int) {
	defer p.wg.Done()

	for {
		// Exit once UpdateConcurrency has lowered the limit to this worker's
		// index or below; checked between messages, never mid-message.
		if id >= int(atomic.LoadInt32(&p.concurrency)) {
			return
		}
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.queue:
			if msg == nil {
				continue
			}
			p.processMessage(msg)
		}
	}
}

// processMessage runs the lifecycle for a single message: rate-limit
// acquire, mediate, classify, ack/nack.
func (p *ProcessPool) processMessage(msg *MessagePointer) {
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during message processing", "pool", p.poolCode, "message_id", msg.ID, "panic", r)
			p.nackSafely(msg)
		}
	}()

	// Wait blocks until a token is available or the pool is shutting down;
	// it holds no locks on shared state while blocked.
	if limiter := p.rateLimiterFor(); limiter != nil {
		if err := limiter.Wait(p.ctx); err != nil {
			slog.Debug("rate limiter wait cancelled", "pool", p.poolCode, "message_id", msg.ID)
			p.nackSafely(msg)
			return
		}
	}

	slog.Info("processing message via mediator", "pool", p.poolCode, "message_id", msg.ID, "target", msg.MediationTarget)

	start := time.Now()
	outcome := p.mediator.Process(msg)
	duration := time.Since(start)

	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())

	slog.Info("message processing completed",
		"pool", p.poolCode, "message_id", msg.ID, "result", string(outcome.Result), "duration", duration)

	p.handleMediationOutcome(msg, outcome, duration)
}

func (p *ProcessPool) rateLimiterFor() *rate.Limiter {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	return p.rateLimiter
}

// handleMediationOutcome acks or nacks based on the classified outcome.
func (p *ProcessPool) handleMediationOutcome(msg *MessagePointer, outcome *MediationOutcome, duration time.Duration) {
	if outcome == nil {
		outcome = &MediationOutcome{Result: MediationResultErrorProcess}
	}

	durationMs := duration.Milliseconds()

	switch outcome.Result {
	case MediationResultSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		if p.metricsRecorder != nil {
			p.metricsRecorder.RecordProcessingSuccess(p.poolCode, durationMs)
		}
		p.messageCallback.Ack(msg)

	case MediationResultErrorConfig:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if p.metricsRecorder != nil {
			p.metricsRecorder.RecordProcessingFailure(p.poolCode, durationMs, string(outcome.Result))
		}
		slog.Warn("non-retryable mediation error, acking to prevent retry",
			"pool", p.poolCode, "message_id", msg.ID, "status_code", outcome.StatusCode)
		p.messageCallback.Ack(msg)

	case MediationResultErrorProcess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if p.metricsRecorder != nil {
			p.metricsRecorder.RecordProcessingFailure(p.poolCode, durationMs, string(outcome.Result))
		}
		if outcome.HasCustomDelay() {
			p.messageCallback.SetVisibilityDelay(msg, outcome.GetEffectiveDelaySeconds())
		} else {
			p.messageCallback.ResetVisibilityToDefault(msg)
		}
		p.messageCallback.Nack(msg)

	case MediationResultErrorConnection, MediationResultErrorServer:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if p.metricsRecorder != nil {
			p.metricsRecorder.RecordProcessingTransient(p.poolCode, durationMs)
		}
		slog.Warn("retryable mediation error, nacking",
			"pool", p.poolCode, "message_id", msg.ID, "result", string(outcome.Result))
		p.messageCallback.ResetVisibilityToDefault(msg)
		p.messageCallback.Nack(msg)

	default:
		if p.metricsRecorder != nil {
			p.metricsRecorder.RecordProcessingFailure(p.poolCode, durationMs, string(outcome.Result))
		}
		slog.Warn("unrecognized mediation result, nacking", "pool", p.poolCode, "message_id", msg.ID, "result", string(outcome.Result))
		p.messageCallback.ResetVisibilityToDefault(msg)
		p.messageCallback.Nack(msg)
	}
}

func (p *ProcessPool) nackSafely(msg *MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during message nack", "pool", p.poolCode, "message_id", msg.ID, "panic", r)
		}
	}()
	p.messageCallback.Nack(msg)
}

// GetPoolCode returns the pool code.
func (p *ProcessPool) GetPoolCode() string { return p.poolCode }

// GetConcurrency returns the current worker count.
func (p *ProcessPool) GetConcurrency() int { return int(atomic.LoadInt32(&p.concurrency)) }

// GetRateLimitPerMinute returns the configured rate limit, if any.
func (p *ProcessPool) GetRateLimitPerMinute() *int {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	return p.rateLimitPerMinute
}

// IsFullyDrained returns true once the queue is empty and no worker is active.
func (p *ProcessPool) IsFullyDrained() bool {
	return len(p.queue) == 0 && p.activeWorkers.Load() == 0
}

// Shutdown stops all workers and waits for in-flight messages to finish,
// up to a fixed grace period.
func (p *ProcessPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.running.Store(false)

	p.gaugeCancel()
	p.gaugeWg.Wait()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("pool shutdown complete", "pool", p.poolCode)
	case <-time.After(10 * time.Second):
		slog.Warn("pool shutdown timed out", "pool", p.poolCode)
	}
}

// GetQueueSize returns the number of messages currently queued.
func (p *ProcessPool) GetQueueSize() int { return len(p.queue) }

// GetActiveWorkers returns the number of workers currently processing a message.
func (p *ProcessPool) GetActiveWorkers() int { return int(p.activeWorkers.Load()) }

// GetQueueCapacity returns the queue's buffer capacity.
func (p *ProcessPool) GetQueueCapacity() int { return p.queueCapacity }

// HasCapacity reports whether the pool can currently accept n more messages.
func (p *ProcessPool) HasCapacity(n int) bool {
	return p.GetQueueSize()+n <= p.queueCapacity
}

// IsRateLimited reports whether the pool's rate limiter currently has no
// tokens available.
func (p *ProcessPool) IsRateLimited() bool {
	limiter := p.rateLimiterFor()
	if limiter == nil {
		return false
	}
	return limiter.Tokens() <= 0
}

// UpdateConcurrency resizes the worker pool. Increasing spins up additional
// workers immediately. Decreasing records the new limit; each worker whose
// index is at or above it exits before taking its next message, so an
// in-flight message always completes (a worker already waiting on the channel
// exits after the one message it next takes). A worker that has not exited
// yet when the limit is raised again keeps running beside the new ones.
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	if newLimit <= 0 {
		return false
	}

	current := int(atomic.LoadInt32(&p.concurrency))
	if newLimit == current {
		return true
	}

	if newLimit > current {
		diff := newLimit - current
		atomic.StoreInt32(&p.concurrency, int32(newLimit))
		if p.running.Load() {
			for i := 0; i < diff; i++ {
				p.wg.Add(1)
				go p.worker(current + i)
			}
		}
		slog.Info("concurrency increased", "pool", p.poolCode, "from", current, "to", newLimit)
		return true
	}

	atomic.StoreInt32(&p.concurrency, int32(newLimit))
	slog.Info("concurrency decreased", "pool", p.poolCode, "from", current, "to", newLimit)
	return true
}

// UpdateRateLimit replaces the pool's rate limiter, or disables it.
func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.rateLimitMu.Lock()
	defer p.rateLimitMu.Unlock()

	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		p.rateLimiter = nil
		p.rateLimitPerMinute = nil
		slog.Info("rate limiting disabled", "pool", p.poolCode)
		return
	}

	perSecond := float64(*newRateLimitPerMinute) / 60.0
	p.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), *newRateLimitPerMinute)
	p.rateLimitPerMinute = newRateLimitPerMinute
	slog.Info("rate limit updated", "pool", p.poolCode, "rate_limit_per_minute", *newRateLimitPerMinute)
}

func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	p.updateGauges()

	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

func (p *ProcessPool) updateGauges() {
	activeWorkers := p.GetActiveWorkers()
	concurrency := int(atomic.LoadInt32(&p.concurrency))
	queueSize := p.GetQueueSize()

	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(activeWorkers))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(queueSize))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(concurrency - activeWorkers))

	if p.metricsRecorder != nil {
		p.metricsRecorder.UpdatePoolGauges(p.poolCode, activeWorkers, concurrency-activeWorkers, queueSize, 0)
	}
}
