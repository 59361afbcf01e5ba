package store

import (
	"time"

	"github.com/funnel-goat/funnel-goat/internal/rules"
)

type FunnelStatus string

const (
	FunnelDraft    FunnelStatus = "draft"
	FunnelActive   FunnelStatus = "active"
	FunnelPaused   FunnelStatus = "paused"
	FunnelArchived FunnelStatus = "archived"
)

type Funnel struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenant_id"`
	Name       string       `json:"name"`
	Status     FunnelStatus `json:"status"`
	PageIDs    []string     `json:"page_ids"` // Canonical step order, decoded from JSON
	WebhookURL string       `json:"webhook_url,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

type VariantStatus string

const (
	VariantActive VariantStatus = "active"
	VariantPaused VariantStatus = "paused"
	VariantWinner VariantStatus = "winner"
)

type Variant struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	FunnelID          string        `json:"funnel_id"`
	Key               string        `json:"key"` // "A", "B", ...
	Name              string        `json:"name,omitempty"`
	TrafficPercentage float64       `json:"traffic_percentage"`
	IsControl         bool          `json:"is_control"`
	Status            VariantStatus `json:"status"`
	Position          int           `json:"position"`
	Visitors          int64         `json:"visitors"`
	Conversions       int64         `json:"conversions"`
	DeclaredWinnerAt  *time.Time    `json:"declared_winner_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// ConversionRate is conversions per visitor as a percentage.
func (v *Variant) ConversionRate() float64 {
	if v.Visitors == 0 {
		return 0
	}
	return float64(v.Conversions) / float64(v.Visitors) * 100
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionConverted SessionStatus = "converted"
	SessionAbandoned SessionStatus = "abandoned"
	SessionBounced   SessionStatus = "bounced"
)

// Terminal reports whether the session accepts no further writes.
func (s SessionStatus) Terminal() bool {
	return s != SessionActive
}

// VisitorMeta is the raw request identity. All fields are opaque strings.
type VisitorMeta struct {
	VisitorID   string `json:"visitor_id"`
	ContactID   string `json:"contact_id,omitempty"`
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Referrer    string `json:"referrer,omitempty"`
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
}

type PageView struct {
	Seq          int       `json:"seq"`
	PageID       string    `json:"page_id"`
	ArrivedAt    time.Time `json:"arrived_at"`
	DwellSeconds float64   `json:"dwell_seconds"`
}

type Session struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	FunnelID string `json:"funnel_id"`
	// VariantID is empty until the visitor has been allocated.
	VariantID string      `json:"variant_id,omitempty"`
	Visitor   VisitorMeta `json:"visitor"`
	Device    string      `json:"device"`
	Source    string      `json:"source"`

	Status           SessionStatus `json:"status"`
	EntryPageID      string        `json:"entry_page_id"`
	CurrentPageID    string        `json:"current_page_id"`
	ExitPageID       string        `json:"exit_page_id"`
	ConversionPageID string        `json:"conversion_page_id,omitempty"`
	TotalPageViews   int           `json:"total_page_views"`
	TotalTimeSpent   float64       `json:"total_time_spent"` // seconds
	Converted        bool          `json:"converted"`
	ConvertedAt      *time.Time    `json:"converted_at,omitempty"`
	ConversionValue  float64       `json:"conversion_value"`
	PageViews        []PageView    `json:"page_views,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Identity returns the visitor identity used for unique-visitor counts.
func (s *Session) Identity() string {
	if s.Visitor.VisitorID != "" {
		return s.Visitor.VisitorID
	}
	if s.Visitor.ContactID != "" {
		return "contact:" + s.Visitor.ContactID
	}
	return "anon:" + s.Visitor.IP + "|" + s.Visitor.UserAgent
}

type Event struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	SessionID       string         `json:"session_id"`
	FunnelID        string         `json:"funnel_id"`
	Seq             int            `json:"seq"`
	Type            string         `json:"type"`
	PageID          string         `json:"page_id,omitempty"`
	ElementID       string         `json:"element_id,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	IsConversion    bool           `json:"is_conversion"`
	ConversionValue float64        `json:"conversion_value,omitempty"`
	EventTime       time.Time      `json:"event_time"`
	// Seconds since session start and since the previous event, never negative.
	TimeFromStart     float64   `json:"time_from_start"`
	TimeFromLastEvent float64   `json:"time_from_last_event"`
	DeliveryError     string    `json:"delivery_error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type GoalType string

const (
	GoalPageVisit   GoalType = "page_visit"
	GoalFormSubmit  GoalType = "form_submit"
	GoalButtonClick GoalType = "button_click"
	GoalTimeOnSite  GoalType = "time_on_site"
	GoalPurchase    GoalType = "purchase"
	GoalCustomEvent GoalType = "custom_event"
)

type Goal struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	FunnelID string   `json:"funnel_id"`
	Name     string   `json:"name"`
	Type     GoalType `json:"type"`
	// Target is the page, element or event name the goal watches.
	Target           string  `json:"target,omitempty"`
	ThresholdSeconds int     `json:"threshold_seconds,omitempty"`
	Value            float64 `json:"value"`
	// Primary goals count as a session conversion.
	Primary             bool      `json:"primary"`
	Completions         int64     `json:"completions"`
	TotalTimeToComplete float64   `json:"total_time_to_complete"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (g *Goal) AverageTimeToComplete() float64 {
	if g.Completions == 0 {
		return 0
	}
	return g.TotalTimeToComplete / float64(g.Completions)
}

// CompletionRate is completions per funnel session as a percentage.
func (g *Goal) CompletionRate(sessions int64) float64 {
	if sessions == 0 {
		return 0
	}
	return float64(g.Completions) / float64(sessions) * 100
}

type Condition struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	FunnelID string `json:"funnel_id"`
	// PageID scopes the condition to one page; empty applies funnel-wide.
	PageID    string          `json:"page_id,omitempty"`
	Name      string          `json:"name"`
	Priority  int             `json:"priority"`
	Active    bool            `json:"active"`
	RuleSet   rules.RuleSet   `json:"rule_set"`
	Targeting rules.Targeting `json:"targeting"`

	EvaluationCount int64     `json:"evaluation_count"`
	PassedCount     int64     `json:"passed_count"`
	FailedCount     int64     `json:"failed_count"`
	PassRate        float64   `json:"pass_rate"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

type Breakdown struct {
	Key         string `json:"key"`
	Visitors    int64  `json:"visitors"`
	Conversions int64  `json:"conversions"`
}

type PageMetric struct {
	PageID         string  `json:"page_id"`
	Views          int64   `json:"views"`
	UniqueSessions int64   `json:"unique_sessions"`
	AverageDwell   float64 `json:"average_dwell"`
	Exits          int64   `json:"exits"`
	DropoffRate    float64 `json:"dropoff_rate"`
}

type DropoffEdge struct {
	FromPageID  string  `json:"from_page_id"`
	ToPageID    string  `json:"to_page_id"`
	Reached     int64   `json:"reached"`
	DroppedOff  int64   `json:"dropped_off"`
	DropoffRate float64 `json:"dropoff_rate"`
}

type GoalMetric struct {
	GoalID      string `json:"goal_id"`
	Name        string `json:"name"`
	Completions int64  `json:"completions"`
}

// Bucket is the analytics aggregate for one funnel, period and optional
// variant. It is derived data and can always be recomputed.
type Bucket struct {
	TenantID    string    `json:"tenant_id"`
	FunnelID    string    `json:"funnel_id"`
	Period      Period    `json:"period"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	VariantID   string    `json:"variant_id,omitempty"`

	Visitors          int64   `json:"visitors"`
	UniqueVisitors    int64   `json:"unique_visitors"`
	Conversions       int64   `json:"conversions"`
	ConversionRate    float64 `json:"conversion_rate"`
	Bounces           int64   `json:"bounces"`
	BounceRate        float64 `json:"bounce_rate"`
	Revenue           float64 `json:"revenue"`
	AverageOrderValue float64 `json:"average_order_value"`
	AverageTimeSpent  float64 `json:"average_time_spent"`

	Sources   []Breakdown   `json:"sources"`
	Devices   []Breakdown   `json:"devices"`
	Campaigns []Breakdown   `json:"campaigns"`
	Pages     []PageMetric  `json:"pages"`
	Dropoffs  []DropoffEdge `json:"dropoffs"`
	Goals     []GoalMetric  `json:"goals"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskDelivered TaskStatus = "delivered"
	TaskDead      TaskStatus = "dead"
)

// OutboundTask is a side effect waiting for delivery (webhook, email, ...).
type OutboundTask struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Kind          string     `json:"kind"`
	Target        string     `json:"target"`
	Payload       []byte     `json:"payload"`
	Status        TaskStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}
