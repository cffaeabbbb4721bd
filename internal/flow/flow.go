// Package flow holds the event and step state machine. Functions here mutate the aggregate in
// memory only; persistence and side effects belong to the engine.
package flow

import (
	"strings"
	"time"

	"gitdone/internal/domain"
	"gitdone/internal/timelimit"
)

// NewEvent builds a fresh active event with every step pending. newID supplies step ids.
func NewEvent(id, name, owner string, flowType domain.FlowType, specs []domain.StepSpec, now time.Time, newID func() string) (domain.Event, error) {
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" {
		return domain.Event{}, domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if owner == "" {
		return domain.Event{}, domain.ValidationError{Field: "owner_email", Reason: "is required"}
	}
	if flowType == "" {
		flowType = domain.FlowSequential
	}
	if !flowType.Valid() {
		return domain.Event{}, domain.ValidationError{Field: "flow_type", Reason: "must be sequential, non_sequential or hybrid"}
	}
	if len(specs) == 0 {
		return domain.Event{}, domain.ValidationError{Field: "steps", Reason: "at least one step is required"}
	}
	now = now.UTC()
	ev := domain.Event{
		ID:         id,
		Name:       name,
		OwnerEmail: owner,
		FlowType:   flowType,
		Status:     domain.EventActive,
		CreatedAt:  now,
		UpdatedAt:  now,
		Steps:      make([]domain.Step, 0, len(specs)),
		Commits:    []domain.Commit{},
	}
	for i, spec := range specs {
		if err := validateSpec(spec, now); err != nil {
			return domain.Event{}, err
		}
		seq := spec.Sequence
		if seq <= 0 {
			seq = i + 1
		}
		ev.Steps = append(ev.Steps, newStep(ev.ID, newID(), spec, seq, now))
	}
	for i := range ev.Steps {
		ev.Steps[i].RequiredPrevious = requiredPrevious(ev.FlowType, ev.Steps[:i], ev.Steps[i].Sequence)
	}
	return ev, nil
}

// AddStep appends a pending step. Existing steps keep their dependencies.
func AddStep(ev *domain.Event, spec domain.StepSpec, id string, now time.Time) (domain.Step, error) {
	if ev.Status == domain.EventArchived {
		return domain.Step{}, domain.InvalidStateError{Kind: "event", ID: ev.ID, Status: string(ev.Status), Op: "add step to"}
	}
	if err := validateSpec(spec, now); err != nil {
		return domain.Step{}, err
	}
	now = now.UTC()
	seq := spec.Sequence
	if seq <= 0 {
		seq = len(ev.Steps) + 1
	}
	st := newStep(ev.ID, id, spec, seq, now)
	st.RequiredPrevious = requiredPrevious(ev.FlowType, ev.Steps, seq)
	ev.Steps = append(ev.Steps, st)
	if ev.Status == domain.EventCompleted {
		ev.Status = domain.EventActive
		ev.CompletedAt = nil
	}
	ev.UpdatedAt = now
	return st, nil
}

func newStep(eventID, id string, spec domain.StepSpec, seq int, now time.Time) domain.Step {
	return domain.Step{
		ID:          id,
		EventID:     eventID,
		Name:        strings.TrimSpace(spec.Name),
		VendorEmail: strings.TrimSpace(spec.VendorEmail),
		Status:      domain.StepPending,
		Sequence:    seq,
		TimeLimit:   strings.TrimSpace(spec.TimeLimit),
		Description: spec.Description,
		CreatedAt:   now,
		Files:       []domain.FileRef{},
	}
}

func validateSpec(spec domain.StepSpec, now time.Time) error {
	if strings.TrimSpace(spec.Name) == "" {
		return domain.ValidationError{Field: "step.name", Reason: "is required"}
	}
	if strings.TrimSpace(spec.VendorEmail) == "" {
		return domain.ValidationError{Field: "step.vendor_email", Reason: "is required"}
	}
	if spec.Sequence < 0 {
		return domain.ValidationError{Field: "step.sequence", Reason: "must be positive"}
	}
	return validateLimit(spec.TimeLimit, now)
}

// validateLimit rejects unparseable limits and absolute deadlines that are not after now.
func validateLimit(raw string, now time.Time) error {
	lim, err := timelimit.Parse(raw)
	if err != nil {
		return domain.ValidationError{Field: "step.time_limit", Reason: err.Error()}
	}
	if !lim.Deadline.IsZero() && !lim.Deadline.After(now) {
		return domain.ValidationError{Field: "step.time_limit", Reason: "deadline is in the past"}
	}
	return nil
}

// requiredPrevious computes the dependency of a step appended after prior.
func requiredPrevious(ft domain.FlowType, prior []domain.Step, seq int) *string {
	switch ft {
	case domain.FlowSequential:
		if len(prior) == 0 {
			return nil
		}
		id := prior[len(prior)-1].ID
		return &id
	case domain.FlowHybrid:
		best := -1
		for i, st := range prior {
			if st.Sequence >= seq {
				continue
			}
			if best == -1 || st.Sequence >= prior[best].Sequence {
				best = i
			}
		}
		if best == -1 {
			return nil
		}
		id := prior[best].ID
		return &id
	}
	return nil
}

// EligibleSteps returns the pending steps whose dependency condition holds, in step order.
func EligibleSteps(ev *domain.Event) []*domain.Step {
	if ev.Status != domain.EventActive {
		return nil
	}
	var out []*domain.Step
	switch ev.FlowType {
	case domain.FlowSequential:
		terminal := 0
		for _, st := range ev.Steps {
			if st.Status.Terminal() {
				terminal++
			}
		}
		if terminal < len(ev.Steps) && ev.Steps[terminal].Status == domain.StepPending {
			out = append(out, &ev.Steps[terminal])
		}
	case domain.FlowNonSequential:
		for i := range ev.Steps {
			if ev.Steps[i].Status == domain.StepPending {
				out = append(out, &ev.Steps[i])
			}
		}
	case domain.FlowHybrid:
		minSeq, ok := lowestOutstanding(ev)
		if !ok {
			return nil
		}
		for i := range ev.Steps {
			if ev.Steps[i].Status == domain.StepPending && ev.Steps[i].Sequence == minSeq {
				out = append(out, &ev.Steps[i])
			}
		}
	}
	return out
}

// IsEligible reports whether stepID is currently in EligibleSteps.
func IsEligible(ev *domain.Event, stepID string) bool {
	for _, st := range EligibleSteps(ev) {
		if st.ID == stepID {
			return true
		}
	}
	return false
}

func lowestOutstanding(ev *domain.Event) (int, bool) {
	found := false
	lowest := 0
	for _, st := range ev.Steps {
		if st.Status.Terminal() {
			continue
		}
		if !found || st.Sequence < lowest {
			lowest = st.Sequence
			found = true
		}
	}
	return lowest, found
}

// CompleteStep moves a pending step to completed and recomputes event completion.
func CompleteStep(ev *domain.Event, stepID string, files []domain.FileRef, comments string, now time.Time) (*domain.Step, error) {
	st, ok := ev.Step(stepID)
	if !ok {
		return nil, domain.NotFoundError{Kind: "step", ID: stepID}
	}
	if st.Status != domain.StepPending {
		return nil, domain.InvalidStateError{Kind: "step", ID: stepID, Status: string(st.Status), Op: "complete"}
	}
	now = now.UTC()
	st.Status = domain.StepCompleted
	st.CompletedAt = &now
	if files == nil {
		files = []domain.FileRef{}
	}
	st.Files = files
	st.CompletionComments = comments
	ev.UpdatedAt = now
	if allCompleted(ev) && ev.Status == domain.EventActive {
		ev.Status = domain.EventCompleted
		ev.CompletedAt = &now
	}
	return st, nil
}

// TimeoutStep moves a pending step to timed_out. The event is never completed by a timeout.
func TimeoutStep(ev *domain.Event, stepID, reason string, now time.Time) (*domain.Step, error) {
	st, ok := ev.Step(stepID)
	if !ok {
		return nil, domain.NotFoundError{Kind: "step", ID: stepID}
	}
	if st.Status != domain.StepPending {
		return nil, domain.InvalidStateError{Kind: "step", ID: stepID, Status: string(st.Status), Op: "time out"}
	}
	now = now.UTC()
	if reason == "" {
		reason = "time limit exceeded"
	}
	st.Status = domain.StepTimedOut
	st.TimedOutAt = &now
	st.TimeoutReason = reason
	ev.UpdatedAt = now
	return st, nil
}

// StepPatch carries management edits. Nil fields are left unchanged.
type StepPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	VendorEmail *string `json:"vendor_email,omitempty"`
	TimeLimit   *string `json:"time_limit,omitempty"`
}

// UpdateStep applies p to a pending step without evidence. It reports whether the vendor changed.
func UpdateStep(ev *domain.Event, stepID string, p StepPatch, now time.Time) (bool, error) {
	st, ok := ev.Step(stepID)
	if !ok {
		return false, domain.NotFoundError{Kind: "step", ID: stepID}
	}
	if st.Status != domain.StepPending || len(st.Files) > 0 {
		return false, domain.InvalidStateError{Kind: "step", ID: stepID, Status: string(st.Status), Op: "edit"}
	}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return false, domain.ValidationError{Field: "step.name", Reason: "is required"}
		}
		st.Name = name
	}
	if p.Description != nil {
		st.Description = *p.Description
	}
	if p.TimeLimit != nil {
		tl := strings.TrimSpace(*p.TimeLimit)
		if err := validateLimit(tl, now); err != nil {
			return false, err
		}
		st.TimeLimit = tl
	}
	vendorChanged := false
	if p.VendorEmail != nil {
		v := strings.TrimSpace(*p.VendorEmail)
		if v == "" {
			return false, domain.ValidationError{Field: "step.vendor_email", Reason: "is required"}
		}
		if v != st.VendorEmail {
			st.VendorEmail = v
			st.TriggeredAt = nil
			vendorChanged = true
		}
	}
	ev.UpdatedAt = now.UTC()
	return vendorChanged, nil
}

// SetStatus applies an owner status change. Completion by hand requires every step to be terminal.
func SetStatus(ev *domain.Event, status domain.EventStatus, now time.Time) error {
	if status == ev.Status {
		return nil
	}
	now = now.UTC()
	switch status {
	case domain.EventArchived:
	case domain.EventActive:
		if ev.Status == domain.EventCompleted {
			return domain.InvalidStateError{Kind: "event", ID: ev.ID, Status: string(ev.Status), Op: "reopen"}
		}
		if ev.CompletedAt != nil {
			status = domain.EventCompleted
		}
	case domain.EventCompleted:
		for _, st := range ev.Steps {
			if !st.Status.Terminal() {
				return domain.InvalidStateError{Kind: "event", ID: ev.ID, Status: string(ev.Status), Op: "complete"}
			}
		}
		ev.CompletedAt = &now
	default:
		return domain.ValidationError{Field: "status", Reason: "must be active, completed or archived"}
	}
	ev.Status = status
	ev.UpdatedAt = now
	return nil
}

// Progress summarizes terminal counts.
func Progress(ev *domain.Event) domain.Progress {
	p := domain.Progress{Total: len(ev.Steps)}
	for _, st := range ev.Steps {
		switch st.Status {
		case domain.StepCompleted:
			p.Completed++
		case domain.StepTimedOut:
			p.TimedOut++
		}
	}
	if p.Total > 0 {
		p.Percent = p.Completed * 100 / p.Total
	}
	return p
}

func allCompleted(ev *domain.Event) bool {
	if len(ev.Steps) == 0 {
		return false
	}
	for _, st := range ev.Steps {
		if st.Status != domain.StepCompleted {
			return false
		}
	}
	return true
}
