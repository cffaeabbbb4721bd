package domain

import "time"

type FlowType string

const (
	FlowSequential    FlowType = "sequential"
	FlowNonSequential FlowType = "non_sequential"
	FlowHybrid        FlowType = "hybrid"
)

// Valid reports whether f is one of the supported flow types.
func (f FlowType) Valid() bool {
	switch f {
	case FlowSequential, FlowNonSequential, FlowHybrid:
		return true
	}
	return false
}

type EventStatus string

const (
	EventActive    EventStatus = "active"
	EventCompleted EventStatus = "completed"
	EventArchived  EventStatus = "archived"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepTimedOut  StepStatus = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepTimedOut
}

type Event struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	OwnerEmail  string      `json:"owner_email"`
	FlowType    FlowType    `json:"flow_type" enum:"sequential,non_sequential,hybrid"`
	Status      EventStatus `json:"status" enum:"active,completed,archived"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Steps       []Step      `json:"steps"`
	Commits     []Commit    `json:"commits"`
}

// Step returns a pointer into ev.Steps so callers can mutate in place.
func (ev *Event) Step(id string) (*Step, bool) {
	for i := range ev.Steps {
		if ev.Steps[i].ID == id {
			return &ev.Steps[i], true
		}
	}
	return nil, false
}

type Step struct {
	ID                 string     `json:"id"`
	EventID            string     `json:"event_id"`
	Name               string     `json:"name"`
	VendorEmail        string     `json:"vendor_email"`
	Status             StepStatus `json:"status" enum:"pending,completed,timed_out"`
	Sequence           int        `json:"sequence"`
	RequiredPrevious   *string    `json:"required_previous,omitempty"`
	TimeLimit          string     `json:"time_limit,omitempty"`
	Description        string     `json:"description,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	TriggeredAt        *time.Time `json:"triggered_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	TimedOutAt         *time.Time `json:"timed_out_at,omitempty"`
	TimeoutReason      string     `json:"timeout_reason,omitempty"`
	CompletionComments string     `json:"completion_comments,omitempty"`
	Files              []FileRef  `json:"files"`
}

// FileRef describes a stored evidence file. The bytes live in the evidence store.
type FileRef struct {
	Name         string `json:"name"`
	OriginalName string `json:"original_name,omitempty"`
	Size         int64  `json:"size"`
	ContentType  string `json:"content_type"`
}

// Commit is one audit ledger entry; one per step completion.
type Commit struct {
	Hash        string    `json:"hash"`
	EventID     string    `json:"event_id"`
	StepID      string    `json:"step_id"`
	VendorEmail string    `json:"vendor_email"`
	Timestamp   time.Time `json:"timestamp"`
	Files       []string  `json:"files"`
	Comments    string    `json:"comments,omitempty"`
	PrevHash    string    `json:"prev_hash"`
	ExternalRef *string   `json:"external_ref,omitempty"`
}

// StepSpec is the caller-supplied shape of a step at creation or append time.
type StepSpec struct {
	Name        string `json:"name"`
	VendorEmail string `json:"vendor_email"`
	Description string `json:"description,omitempty"`
	TimeLimit   string `json:"time_limit,omitempty"`
	Sequence    int    `json:"sequence,omitempty"`
}

type Progress struct {
	Completed int `json:"completed"`
	TimedOut  int `json:"timed_out"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

type Activity struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

// TimeLayout is the fixed-width UTC layout used for stored timestamps so they sort as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a stored timestamp; RFC3339 values written by hand are accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
