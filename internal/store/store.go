package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned for writes against a terminal session.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidOperation is returned for forbidden mutations such as
	// deleting a control variant.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Store defines the persistence operations the runtime depends on.
// Every method is scoped by an explicit tenant ID.
type Store interface {
	// Funnel operations
	CreateFunnel(ctx context.Context, f *Funnel) error
	GetFunnel(ctx context.Context, tenantID, funnelID string) (*Funnel, error)
	ListFunnels(ctx context.Context, tenantID string) ([]*Funnel, error)
	ListTenants(ctx context.Context) ([]string, error)
	UpdateFunnelStatus(ctx context.Context, tenantID, funnelID string, status FunnelStatus) error
	DeleteFunnel(ctx context.Context, tenantID, funnelID string) error

	// Variant operations
	CreateVariant(ctx context.Context, v *Variant) error
	GetVariant(ctx context.Context, tenantID, funnelID, variantID string) (*Variant, error)
	ListVariants(ctx context.Context, tenantID, funnelID string) ([]*Variant, error)
	IncrementVariantVisitors(ctx context.Context, tenantID, variantID string) error
	DeclareWinner(ctx context.Context, tenantID, funnelID, variantID string, at time.Time) (*Variant, error)
	DeleteVariant(ctx context.Context, tenantID, funnelID, variantID string) error

	// Goal operations
	CreateGoal(ctx context.Context, g *Goal) error
	ListGoals(ctx context.Context, tenantID, funnelID string) ([]*Goal, error)
	RecordGoalCompletion(ctx context.Context, tenantID, goalID, sessionID string, at time.Time, timeToComplete float64) (bool, error)

	// Condition operations
	CreateCondition(ctx context.Context, c *Condition) error
	GetCondition(ctx context.Context, tenantID, conditionID string) (*Condition, error)
	ListConditions(ctx context.Context, tenantID, funnelID, pageID string) ([]*Condition, error)
	RecordConditionEvaluation(ctx context.Context, tenantID, conditionID string, passed bool) error

	// Session operations
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error)
	SetSessionVariant(ctx context.Context, tenantID, sessionID, variantID string) error
	AppendPageView(ctx context.Context, tenantID, sessionID, pageID string, at time.Time) (*Session, error)
	MarkSessionConverted(ctx context.Context, tenantID, sessionID, pageID string, value float64, at time.Time) error
	MarkSessionTerminal(ctx context.Context, tenantID, sessionID string, status SessionStatus, at time.Time) error
	ListIdleSessions(ctx context.Context, idleSince time.Time, limit int) ([]*Session, error)
	ListSessionsInWindow(ctx context.Context, tenantID, funnelID string, from, to time.Time, variantID string) ([]*Session, error)
	CountSessions(ctx context.Context, tenantID, funnelID string) (int64, error)

	// Event operations
	LastEvent(ctx context.Context, tenantID, sessionID string) (*Event, error)
	InsertEvent(ctx context.Context, e *Event) error
	SetEventDeliveryError(ctx context.Context, tenantID, eventID, note string) error
	ListSessionEvents(ctx context.Context, tenantID, sessionID string) ([]*Event, error)
	ListFunnelEvents(ctx context.Context, tenantID, funnelID string) ([]*Event, error)

	// Analytics operations
	GoalCompletionsInWindow(ctx context.Context, tenantID, funnelID string, from, to time.Time, variantID string) ([]GoalMetric, error)
	UpsertBucket(ctx context.Context, b *Bucket) error
	ListBuckets(ctx context.Context, tenantID, funnelID string, period Period, from, to time.Time, variantID string) ([]*Bucket, error)

	// Outbox operations
	EnqueueTask(ctx context.Context, t *OutboundTask) error
	ClaimDueTasks(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*OutboundTask, error)
	MarkTaskDelivered(ctx context.Context, taskID string, at time.Time) error
	MarkTaskFailed(ctx context.Context, taskID, lastError string, next time.Time, dead bool) error
	ListTasks(ctx context.Context, status TaskStatus, limit int) ([]*OutboundTask, error)
	RequeueTask(ctx context.Context, taskID string, at time.Time) error

	// Lifecycle
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
