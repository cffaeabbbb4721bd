package gitdonesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal GitDone HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// StepSpec describes a step to create or append.
type StepSpec struct {
	Name        string `json:"name"`
	VendorEmail string `json:"vendor_email"`
	Description string `json:"description,omitempty"`
	TimeLimit   string `json:"time_limit,omitempty"`
	Sequence    int    `json:"sequence,omitempty"`
}

// Step represents the API step model (partial).
type Step struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	VendorEmail string     `json:"vendor_email"`
	Status      string     `json:"status"`
	Sequence    int        `json:"sequence"`
	TimeLimit   string     `json:"time_limit,omitempty"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TimedOutAt  *time.Time `json:"timed_out_at,omitempty"`
}

// Commit is one ledger entry.
type Commit struct {
	Hash        string    `json:"hash"`
	StepID      string    `json:"step_id"`
	VendorEmail string    `json:"vendor_email"`
	Timestamp   time.Time `json:"timestamp"`
	Files       []string  `json:"files"`
	Comments    string    `json:"comments,omitempty"`
	PrevHash    string    `json:"prev_hash"`
	StepName    string    `json:"step_name,omitempty"`
}

type Progress struct {
	Completed int `json:"completed"`
	TimedOut  int `json:"timed_out"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// Event represents the API event model with progress.
type Event struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	OwnerEmail string   `json:"owner_email"`
	FlowType   string   `json:"flow_type"`
	Status     string   `json:"status"`
	Steps      []Step   `json:"steps"`
	Commits    []Commit `json:"commits"`
	Progress   Progress `json:"progress"`
}

// StepInfo is what a completion link resolves to.
type StepInfo struct {
	EventID   string    `json:"event_id"`
	EventName string    `json:"event_name"`
	StepID    string    `json:"step_id"`
	StepName  string    `json:"step_name"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// File is one evidence upload.
type File struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

type CompletionResult struct {
	EventID        string   `json:"event_id"`
	StepID         string   `json:"step_id"`
	Commit         Commit   `json:"commit"`
	EventCompleted bool     `json:"event_completed"`
	Triggered      []string `json:"triggered"`
}

type TokenStatus struct {
	Valid     bool      `json:"valid"`
	Used      bool      `json:"used"`
	Expired   bool      `json:"expired"`
	Purpose   string    `json:"purpose,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type ManagedEvent struct {
	Event       Event     `json:"event"`
	OwnerEmail  string    `json:"owner_email"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// StepEdit changes one step; nil fields are left alone.
type StepEdit struct {
	StepID      string  `json:"step_id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	VendorEmail *string `json:"vendor_email,omitempty"`
	TimeLimit   *string `json:"time_limit,omitempty"`
}

type EventUpdate struct {
	Name   *string    `json:"name,omitempty"`
	Status *string    `json:"status,omitempty"`
	Steps  []StepEdit `json:"steps,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateEvent creates an event; vendors of steps that can start receive their links.
func (c *Client) CreateEvent(ctx context.Context, name, ownerEmail, flowType string, steps []StepSpec) (Event, error) {
	body := map[string]any{
		"name":        name,
		"owner_email": ownerEmail,
		"flow_type":   flowType,
		"steps":       steps,
	}
	var resp Event
	err := c.do(ctx, http.MethodPost, "events", body, &resp)
	return resp, err
}

func (c *Client) GetEvent(ctx context.Context, eventID string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodGet, "events/"+url.PathEscape(eventID), nil, &resp)
	return resp, err
}

func (c *Client) Timeline(ctx context.Context, eventID string) ([]Commit, error) {
	var resp []Commit
	err := c.do(ctx, http.MethodGet, "events/"+url.PathEscape(eventID)+"/timeline", nil, &resp)
	return resp, err
}

// Export downloads the event as "json" or "csv" and returns the file as served.
func (c *Client) Export(ctx context.Context, eventID, format string) ([]byte, error) {
	endpoint := "events/" + url.PathEscape(eventID) + "/export"
	if format != "" {
		endpoint += "?format=" + url.QueryEscape(format)
	}
	var raw []byte
	err := c.do(ctx, http.MethodGet, endpoint, nil, &raw)
	return raw, err
}

// SendStepLink mails a fresh completion link to the step's vendor.
func (c *Client) SendStepLink(ctx context.Context, eventID, stepID, vendorEmail string) error {
	endpoint := fmt.Sprintf("events/%s/steps/%s/link", url.PathEscape(eventID), url.PathEscape(stepID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"vendor_email": vendorEmail}, nil)
}

func (c *Client) TokenStatus(ctx context.Context, token string) (TokenStatus, error) {
	var resp TokenStatus
	err := c.do(ctx, http.MethodGet, "tokens/"+url.PathEscape(token)+"/status", nil, &resp)
	return resp, err
}

// StepForToken resolves a completion link without consuming it.
func (c *Client) StepForToken(ctx context.Context, token string) (StepInfo, error) {
	var resp StepInfo
	err := c.do(ctx, http.MethodGet, "complete/"+url.PathEscape(token), nil, &resp)
	return resp, err
}

// CompleteStep consumes the link and records the completion with its evidence.
func (c *Client) CompleteStep(ctx context.Context, token, comments string, files []File) (CompletionResult, error) {
	body := map[string]any{"comments": comments, "files": files}
	if files == nil {
		body["files"] = []File{}
	}
	var resp CompletionResult
	err := c.do(ctx, http.MethodPost, "complete/"+url.PathEscape(token), body, &resp)
	return resp, err
}

// RequestManagementLinks mails the owner a link per event and returns how many were sent.
func (c *Client) RequestManagementLinks(ctx context.Context, ownerEmail string) (int, error) {
	var resp struct {
		Sent int `json:"sent"`
	}
	err := c.do(ctx, http.MethodPost, "manage/links", map[string]any{"owner_email": ownerEmail}, &resp)
	return resp.Sent, err
}

func (c *Client) ManagedEvent(ctx context.Context, token string) (ManagedEvent, error) {
	var resp ManagedEvent
	err := c.do(ctx, http.MethodGet, "manage/"+url.PathEscape(token), nil, &resp)
	return resp, err
}

func (c *Client) UpdateEvent(ctx context.Context, token string, upd EventUpdate) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPatch, "manage/"+url.PathEscape(token), upd, &resp)
	return resp, err
}

func (c *Client) AddStep(ctx context.Context, token string, spec StepSpec) (Step, error) {
	var resp Step
	err := c.do(ctx, http.MethodPost, "manage/"+url.PathEscape(token)+"/steps", spec, &resp)
	return resp, err
}

// SendReminders re-sends links for every open step and returns how many went out.
func (c *Client) SendReminders(ctx context.Context, token string) (int, error) {
	var resp struct {
		Sent int `json:"sent"`
	}
	err := c.do(ctx, http.MethodPost, "manage/"+url.PathEscape(token)+"/reminders", nil, &resp)
	return resp.Sent, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if raw, ok := out.(*[]byte); ok {
		*raw, err = io.ReadAll(resp.Body)
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
