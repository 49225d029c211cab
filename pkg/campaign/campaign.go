// Package campaign contains the core domain types for transit notification
// delivery campaigns.
package campaign

import "time"

// Hysteresis holds the notification damping parameters requested for a
// subscription. Values are minutes, matching the upstream API.
type Hysteresis struct {
	NotificationStartMin    int `json:"notificationStartMin" yaml:"notificationStartMin"`
	MinDeviationIntervalMin int `json:"minDeviationIntervalMin" yaml:"minDeviationIntervalMin"`
}

// ScenarioItem is one planned journey to monitor. Immutable once loaded.
type ScenarioItem struct {
	ScenarioID string     `json:"scenarioId" yaml:"scenarioId"`
	BeginDate  string     `json:"beginDate" yaml:"beginDate"` // yyyyMMdd
	EndDate    string     `json:"endDate" yaml:"endDate"`     // yyyyMMdd
	NPass      int        `json:"nPass" yaml:"nPass"`
	CtxRecon   string     `json:"ctxRecon" yaml:"ctxRecon"` // opaque reconstruction token
	Hysteresis Hysteresis `json:"hysteresis" yaml:"hysteresis"`
}

// Scenario describes one monitoring campaign.
type Scenario struct {
	CampaignName  string         `json:"campaignName" yaml:"campaignName"`
	PollSec       int            `json:"pollSec" yaml:"pollSec"`
	PreWindowMin  int            `json:"preWindowMin" yaml:"preWindowMin"`
	PostWindowMin int            `json:"postWindowMin" yaml:"postWindowMin"`
	IdleGraceMin  int            `json:"idleGraceMin" yaml:"idleGraceMin"`
	MaxRuntimeMin int            `json:"maxRuntimeMin" yaml:"maxRuntimeMin"` // 0 = unlimited
	Items         []ScenarioItem `json:"items" yaml:"items"`
}

// SubscriptionWindow is the time range during which polling is most
// frequent. Start is never after End.
type SubscriptionWindow struct {
	Start time.Time `json:"windowStart"`
	End   time.Time `json:"windowEnd"`
}

// Contains reports whether t falls inside the window (inclusive).
func (w SubscriptionWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// DoneReason records why a subscription's polling ended.
type DoneReason string

// Subscription lifecycle states. Running is the only non-terminal one.
const (
	Running            DoneReason = "running"
	WindowElapsedIdle  DoneReason = "window_elapsed_idle"
	MaxRuntimeExceeded DoneReason = "max_runtime_exceeded"
	DoneError          DoneReason = "error"
	ManualStop         DoneReason = "manual_stop"
)

// Terminal reports whether the reason ends a subscription.
func (r DoneReason) Terminal() bool { return r != Running }

// PollState is the mutable per-subscription scheduling record. It is owned
// exclusively by the poll scheduler.
type PollState struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	IdleDeadline   time.Time  `json:"idleDeadline"`
	NextDueAt      time.Time  `json:"nextDueAt"`
	PollCount      int        `json:"pollCount"`
	Done           DoneReason `json:"doneReason"`
}

// RTEvent is one real-time change notice observed on the upstream feed.
// EventID is feed-assigned and stable across repeated polls; it is the
// dedup key within one subscription's ledger.
type RTEvent struct {
	EventID     string    `json:"eventId"`
	Revision    int       `json:"revision"`
	SubscrID    int       `json:"subscrId"`
	ScenarioID  string    `json:"scenarioId"`
	ChangeType  string    `json:"changeType"`
	ObservedAt  time.Time `json:"observedAt"`
	PlannedTime string    `json:"plannedTime,omitempty"`
	NewTime     string    `json:"newTime,omitempty"`
	Title       string    `json:"title,omitempty"`
	Text        string    `json:"text,omitempty"`
	CorrID      string    `json:"corrId,omitempty"` // gate correlation id of the poll that saw it
}

// DeviceNotification is one notification captured on the device. ID is a
// slot identifier and may be reused over time; Key plus PostedAt
// disambiguates updates from new notifications.
type DeviceNotification struct {
	ID            string    `json:"id"`
	Key           string    `json:"key,omitempty"`
	PostedAt      time.Time `json:"postedAt"`
	PostedAtLocal string    `json:"postedAtLocal,omitempty"`
	Package       string    `json:"package"`
	Title         string    `json:"title"`
	Text          string    `json:"text"`
	Channel       string    `json:"channel,omitempty"`
	Kind          string    `json:"kind,omitempty"` // posted or removed
}

// Match pairs one RTEvent with one DeviceNotification. DelaySec is
// notification PostedAt minus event ObservedAt, signed.
type Match struct {
	Event        RTEvent            `json:"event"`
	Notification DeviceNotification `json:"notification"`
	Score        int                `json:"score"`
	DelaySec     float64            `json:"delaySec"`
}
