package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/funnel-goat/funnel-goat/internal/metrics"
	"github.com/funnel-goat/funnel-goat/internal/store"
)

// Sender delivers one task. Returning a PermanentError dead-letters the
// task without further retries.
type Sender interface {
	Send(ctx context.Context, task *store.OutboundTask) error
}

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

type Config struct {
	// Backoff is the delay after the first failure; it doubles per attempt.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Lease hides a claimed task from other dispatchers while it is sent.
	Lease     time.Duration
	BatchSize int
}

func DefaultConfig() Config {
	return Config{Backoff: 30 * time.Second, MaxBackoff: time.Hour, Lease: 2 * time.Minute, BatchSize: 50}
}

type Dispatcher struct {
	store   store.Store
	senders map[string]Sender
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(s store.Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	def := DefaultConfig()
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.Backoff)
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   s,
		senders: make(map[string]Sender),
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With("component", "outbox"),
		metrics: m,
	}
}

// Handle registers the sender for a task kind.
func (d *Dispatcher) Handle(kind string, s Sender) {
	d.senders[kind] = s
}

type DispatchResult struct {
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Dead      int `json:"dead"`
}

// RunOnce claims and sends one batch of due tasks.
func (d *Dispatcher) RunOnce(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult

	tasks, err := d.store.ClaimDueTasks(ctx, d.now(), d.cfg.Lease, d.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	for _, task := range tasks {
		sendErr := d.send(ctx, task)
		now := d.now()
		if sendErr == nil {
			if err := d.store.MarkTaskDelivered(ctx, task.ID, now); err != nil {
				return res, err
			}
			res.Delivered++
			d.metrics.OutboxDelivery(task.Kind, "delivered")
			continue
		}

		var perm *PermanentError
		dead := errors.As(sendErr, &perm) || task.Attempts >= task.MaxAttempts
		next := now.Add(d.backoff(task.Attempts))
		if err := d.store.MarkTaskFailed(ctx, task.ID, sendErr.Error(), next, dead); err != nil {
			return res, err
		}
		if dead {
			res.Dead++
			d.metrics.OutboxDelivery(task.Kind, "dead")
			d.logger.Error("task dead-lettered", "task", task.ID, "kind", task.Kind,
				"attempts", task.Attempts, "error", sendErr)
		} else {
			res.Retried++
			d.metrics.OutboxDelivery(task.Kind, "retry")
			d.logger.Warn("task delivery failed", "task", task.ID, "kind", task.Kind,
				"attempts", task.Attempts, "next_attempt", next, "error", sendErr)
		}
	}
	return res, nil
}

func (d *Dispatcher) send(ctx context.Context, task *store.OutboundTask) error {
	sender, ok := d.senders[task.Kind]
	if !ok {
		return Permanent(fmt.Errorf("no sender for task kind %q", task.Kind))
	}
	return sender.Send(ctx, task)
}

// backoff returns Backoff * 2^(attempts-1), capped at MaxBackoff.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.Backoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return delay
}

// Run dispatches on every tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
