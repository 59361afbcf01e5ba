// Package outbox delivers side effects (conversion webhooks) out of band.
// Tasks are persisted first and delivered by a Dispatcher with bounded
// retries; exhausted tasks are dead-lettered until requeued.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/funnel-goat/funnel-goat/internal/store"
)

const DefaultMaxAttempts = 5

type Queue struct {
	store       store.Store
	maxAttempts int
	now         func() time.Time
}

func NewQueue(s store.Store, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{store: s, maxAttempts: maxAttempts, now: time.Now}
}

// Enqueue persists a task whose payload is the JSON encoding of payload.
// It is due immediately.
func (q *Queue) Enqueue(ctx context.Context, tenantID, kind, target string, payload any) (*store.OutboundTask, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	task := &store.OutboundTask{
		TenantID:      tenantID,
		Kind:          kind,
		Target:        target,
		Payload:       body,
		MaxAttempts:   q.maxAttempts,
		NextAttemptAt: q.now(),
	}
	if err := q.store.EnqueueTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Requeue resets a dead task so it is delivered again with a full set of
// attempts.
func (q *Queue) Requeue(ctx context.Context, taskID string) error {
	return q.store.RequeueTask(ctx, taskID, q.now())
}

func (q *Queue) List(ctx context.Context, status store.TaskStatus, limit int) ([]*store.OutboundTask, error) {
	return q.store.ListTasks(ctx, status, limit)
}
