package server

import (
	"time"

	"gitdone/internal/domain"
	"gitdone/internal/engine"
	"gitdone/internal/evidence"
	"gitdone/internal/flow"
)

// Request payloads

type StepRequest struct {
	Name        string `json:"name"`
	VendorEmail string `json:"vendor_email" format:"email"`
	Description string `json:"description,omitempty"`
	TimeLimit   string `json:"time_limit,omitempty" example:"2h"`
	Sequence    int    `json:"sequence,omitempty" minimum:"0"`
}

type CreateEventRequest struct {
	Name       string        `json:"name"`
	OwnerEmail string        `json:"owner_email" format:"email"`
	FlowType   string        `json:"flow_type,omitempty" enum:"sequential,non_sequential,hybrid"`
	Steps      []StepRequest `json:"steps"`
}

type SendLinkRequest struct {
	VendorEmail string `json:"vendor_email" format:"email"`
}

// UploadRequest carries one evidence file; data is base64 in JSON.
type UploadRequest struct {
	Name        string `json:"name" example:"delivery.jpg"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

type CompleteStepRequest struct {
	Comments string          `json:"comments,omitempty"`
	Files    []UploadRequest `json:"files,omitempty"`
}

type ManagementLinksRequest struct {
	OwnerEmail string `json:"owner_email" format:"email"`
}

type StepEditRequest struct {
	StepID      string  `json:"step_id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	VendorEmail *string `json:"vendor_email,omitempty" format:"email"`
	TimeLimit   *string `json:"time_limit,omitempty"`
}

type UpdateEventRequest struct {
	Name   *string           `json:"name,omitempty"`
	Status *string           `json:"status,omitempty" enum:"active,completed,archived"`
	Steps  []StepEditRequest `json:"steps,omitempty"`
}

// Response payloads

type SendLinkResponse struct {
	Sent      bool      `json:"sent"`
	ExpiresAt time.Time `json:"expires_at"`
}

type SentCountResponse struct {
	Sent int `json:"sent"`
}

type LedgerVerifyResponse struct {
	EventID string `json:"event_id"`
	Entries int    `json:"entries"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

type paginatedActivity struct {
	Items      []domain.Activity `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func (s StepRequest) spec() domain.StepSpec {
	return domain.StepSpec{
		Name:        s.Name,
		VendorEmail: s.VendorEmail,
		Description: s.Description,
		TimeLimit:   s.TimeLimit,
		Sequence:    s.Sequence,
	}
}

func (r CreateEventRequest) input() engine.CreateEventInput {
	specs := make([]domain.StepSpec, 0, len(r.Steps))
	for _, s := range r.Steps {
		specs = append(specs, s.spec())
	}
	return engine.CreateEventInput{
		Name:       r.Name,
		OwnerEmail: r.OwnerEmail,
		FlowType:   domain.FlowType(r.FlowType),
		Steps:      specs,
	}
}

func (r CompleteStepRequest) uploads() []evidence.Upload {
	out := make([]evidence.Upload, 0, len(r.Files))
	for _, f := range r.Files {
		out = append(out, evidence.Upload{Name: f.Name, ContentType: f.ContentType, Data: f.Data})
	}
	return out
}

func (r UpdateEventRequest) input() engine.UpdateEventInput {
	in := engine.UpdateEventInput{Name: r.Name}
	if r.Status != nil {
		st := domain.EventStatus(*r.Status)
		in.Status = &st
	}
	for _, s := range r.Steps {
		in.Steps = append(in.Steps, engine.StepEdit{
			StepID: s.StepID,
			StepPatch: flow.StepPatch{
				Name:        s.Name,
				Description: s.Description,
				VendorEmail: s.VendorEmail,
				TimeLimit:   s.TimeLimit,
			},
		})
	}
	return in
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
