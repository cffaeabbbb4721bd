// Package engine composes the state machine, token authority, deadline scheduler, audit
// ledger, evidence store and notifier into the public workflow operations. Every
// read-modify-write of an event runs under that event's lock.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"gitdone/internal/chain"
	"gitdone/internal/clock"
	"gitdone/internal/config"
	"gitdone/internal/domain"
	"gitdone/internal/events"
	"gitdone/internal/evidence"
	"gitdone/internal/flow"
	"gitdone/internal/ledger"
	"gitdone/internal/notify"
	"gitdone/internal/repo"
	"gitdone/internal/scheduler"
	"gitdone/internal/timelimit"
	"gitdone/internal/tokens"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Tokens    *tokens.Authority
	Scheduler *scheduler.Scheduler
	Deadlines repo.DeadlineStore
	Ledger    ledger.Ledger
	Evidence  evidence.Store
	Notifier  notify.Notifier
	Config    *config.Config
	Clock     clock.Clock
	Logger    *slog.Logger
	NewID     func() string

	locks eventLocks
}

// Options overrides the collaborators New would otherwise build from the database.
type Options struct {
	TokenStore tokens.Store
	Evidence   evidence.Store
	Notifier   notify.Notifier
	Chain      chain.Store
	Clock      clock.Clock
	Logger     *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, opts Options) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.TokenStore
	if store == nil {
		store = repo.TokenStore{DB: db}
	}
	ev := opts.Evidence
	if ev == nil {
		ev = evidence.Local{Dir: cfg.Evidence.Dir}
	}
	chainStore := opts.Chain
	if chainStore == nil {
		chainStore = chain.Noop{}
	}
	e := &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db, Now: clk.Now},
		Tokens:    tokens.New(cfg.Tokens.Secret, store, clk),
		Deadlines: repo.DeadlineStore{DB: db},
		Ledger:    ledger.Ledger{DB: db, Chain: chainStore, Logger: logger},
		Evidence:  ev,
		Notifier:  opts.Notifier,
		Config:    cfg,
		Clock:     clk,
		Logger:    logger.With("component", "engine"),
		NewID:     uuid.NewString,
	}
	if e.Notifier == nil {
		e.Notifier = notify.Func(func(m notify.Message) {
			_ = notify.Log{Logger: logger}.Send(context.Background(), m)
		})
	}
	e.Scheduler = scheduler.New(e.Deadlines, clk, e.HandleTimeout, logger)
	return e
}

// Close disarms in-memory timers. Persisted deadlines survive for the next Recover.
func (e *Engine) Close() {
	e.Scheduler.Stop()
}

func (e *Engine) now() time.Time {
	return e.Clock.Now().UTC()
}

// EventView is an event with its ledger copy and progress.
type EventView struct {
	domain.Event
	Progress domain.Progress `json:"progress"`
}

func view(ev domain.Event) EventView {
	return EventView{Event: ev, Progress: flow.Progress(&ev)}
}

// CreateEventInput are parameters for creating an event.
type CreateEventInput struct {
	Name       string
	OwnerEmail string
	FlowType   domain.FlowType
	Steps      []domain.StepSpec
}

func (e *Engine) CreateEvent(ctx context.Context, in CreateEventInput) (EventView, error) {
	ev, err := flow.NewEvent(e.NewID(), in.Name, in.OwnerEmail, in.FlowType, in.Steps, e.now(), e.NewID)
	if err != nil {
		return EventView{}, err
	}
	unlock := e.locks.lock(ev.ID)
	defer unlock()

	err = e.persist(ctx, &ev, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.EventCreated, ev.ID, "event", ev.ID, ev.OwnerEmail, events.EventPayload{
			"name":      ev.Name,
			"flow_type": ev.FlowType,
			"steps":     len(ev.Steps),
		})
	})
	if err != nil {
		return EventView{}, err
	}
	ctx = context.WithoutCancel(ctx)
	e.cascade(ctx, &ev, ev.OwnerEmail)
	e.Notifier.Notify(eventCreatedMessage(&ev))
	return view(ev), nil
}

// AddStep appends a step to an event and triggers it when it is immediately eligible.
func (e *Engine) AddStep(ctx context.Context, eventID string, spec domain.StepSpec) (domain.Step, error) {
	return e.addStep(ctx, eventID, spec, "")
}

func (e *Engine) addStep(ctx context.Context, eventID string, spec domain.StepSpec, actor string) (domain.Step, error) {
	unlock := e.locks.lock(eventID)
	defer unlock()

	ev, err := e.load(ctx, eventID)
	if err != nil {
		return domain.Step{}, err
	}
	wasCompleted := ev.Status == domain.EventCompleted
	st, err := flow.AddStep(&ev, spec, e.NewID(), e.now())
	if err != nil {
		return domain.Step{}, err
	}
	if actor == "" {
		actor = ev.OwnerEmail
	}
	err = e.persist(ctx, &ev, func(tx *sql.Tx) error {
		if err := e.Events.Append(ctx, tx, events.StepAdded, ev.ID, "step", st.ID, actor, events.EventPayload{
			"name":     st.Name,
			"vendor":   st.VendorEmail,
			"sequence": st.Sequence,
		}); err != nil {
			return err
		}
		if wasCompleted {
			return e.Events.Append(ctx, tx, events.EventUpdated, ev.ID, "event", ev.ID, actor, events.EventPayload{"status": ev.Status})
		}
		return nil
	})
	if err != nil {
		return domain.Step{}, err
	}
	e.cascade(context.WithoutCancel(ctx), &ev, actor)
	added, _ := ev.Step(st.ID)
	return *added, nil
}

// GetEvent returns the event with its ledger entries and progress.
func (e *Engine) GetEvent(ctx context.Context, eventID string) (EventView, error) {
	ev, err := e.load(ctx, eventID)
	if err != nil {
		return EventView{}, err
	}
	if ev.Commits, err = e.Ledger.ReadTimeline(ctx, eventID); err != nil {
		return EventView{}, domain.TransientIOError{Op: "read ledger", Err: err}
	}
	return view(ev), nil
}

// TimelineEntry is a ledger entry with the name of the step it completed.
type TimelineEntry struct {
	domain.Commit
	StepName string `json:"step_name"`
}

func (e *Engine) Timeline(ctx context.Context, eventID string) ([]TimelineEntry, error) {
	ev, err := e.load(ctx, eventID)
	if err != nil {
		return nil, err
	}
	commits, err := e.Ledger.ReadTimeline(ctx, eventID)
	if err != nil {
		return nil, domain.TransientIOError{Op: "read ledger", Err: err}
	}
	out := make([]TimelineEntry, 0, len(commits))
	for _, c := range commits {
		te := TimelineEntry{Commit: c}
		if st, ok := ev.Step(c.StepID); ok {
			te.StepName = st.Name
		}
		out = append(out, te)
	}
	return out, nil
}

// VerifyLedger recomputes the event's hash chain and returns the number of entries checked.
func (e *Engine) VerifyLedger(ctx context.Context, eventID string) (int, error) {
	if _, err := e.load(ctx, eventID); err != nil {
		return 0, err
	}
	return e.Ledger.Verify(ctx, eventID)
}

func (e *Engine) ListEventsByOwner(ctx context.Context, owner string) ([]EventView, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, domain.ValidationError{Field: "owner_email", Reason: "is required"}
	}
	evs, err := e.Repo.ListEventsByOwner(ctx, owner)
	if err != nil {
		return nil, domain.TransientIOError{Op: "list events", Err: err}
	}
	out := make([]EventView, 0, len(evs))
	for _, ev := range evs {
		out = append(out, view(ev))
	}
	return out, nil
}

// IssueStepToken sends a fresh completion link for an eligible step to its vendor. The
// deadline stays anchored at the moment the step was first triggered.
func (e *Engine) IssueStepToken(ctx context.Context, eventID, stepID, vendor string) (tokens.Issued, error) {
	unlock := e.locks.lock(eventID)
	defer unlock()

	ev, err := e.load(ctx, eventID)
	if err != nil {
		return tokens.Issued{}, err
	}
	st, ok := ev.Step(stepID)
	if !ok {
		return tokens.Issued{}, domain.NotFoundError{Kind: "step", ID: stepID}
	}
	if !strings.EqualFold(strings.TrimSpace(vendor), st.VendorEmail) {
		return tokens.Issued{}, domain.ForbiddenError{Permission: "step vendor"}
	}
	if st.Status != domain.StepPending {
		return tokens.Issued{}, domain.InvalidStateError{Kind: "step", ID: stepID, Status: string(st.Status), Op: "issue token for"}
	}
	if !flow.IsEligible(&ev, stepID) {
		return tokens.Issued{}, domain.InvalidStateError{Kind: "step", ID: stepID, Status: "blocked", Op: "issue token for"}
	}
	if st.TriggeredAt == nil {
		now := e.now()
		st.TriggeredAt = &now
		err := e.persist(ctx, &ev, func(tx *sql.Tx) error {
			return e.Events.Append(ctx, tx, events.StepTriggered, ev.ID, "step", st.ID, ev.OwnerEmail, events.EventPayload{"vendor": st.VendorEmail})
		})
		if err != nil {
			return tokens.Issued{}, err
		}
		ctx = context.WithoutCancel(ctx)
	}
	return e.dispatchStep(ctx, &ev, st, ev.OwnerEmail, true)
}

// StepTokenInfo is what a vendor sees before completing a step.
type StepTokenInfo struct {
	EventID     string            `json:"event_id"`
	EventName   string            `json:"event_name"`
	StepID      string            `json:"step_id"`
	StepName    string            `json:"step_name"`
	Description string            `json:"description,omitempty"`
	VendorEmail string            `json:"vendor_email"`
	TimeLimit   string            `json:"time_limit,omitempty"`
	Status      domain.StepStatus `json:"status"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// ValidateStepToken checks a completion token without consuming it.
func (e *Engine) ValidateStepToken(ctx context.Context, token string) (StepTokenInfo, error) {
	c, err := e.Tokens.Peek(ctx, token, tokens.PurposeStep)
	if err != nil {
		return StepTokenInfo{}, err
	}
	ev, err := e.load(ctx, c.EventID)
	if err != nil {
		return StepTokenInfo{}, err
	}
	st, ok := ev.Step(c.StepID)
	if !ok {
		return StepTokenInfo{}, domain.NotFoundError{Kind: "step", ID: c.StepID}
	}
	if st.Status != domain.StepPending {
		return StepTokenInfo{}, domain.InvalidStateError{Kind: "step", ID: st.ID, Status: string(st.Status), Op: "complete"}
	}
	return StepTokenInfo{
		EventID:     ev.ID,
		EventName:   ev.Name,
		StepID:      st.ID,
		StepName:    st.Name,
		Description: st.Description,
		VendorEmail: st.VendorEmail,
		TimeLimit:   st.TimeLimit,
		Status:      st.Status,
		ExpiresAt:   c.ExpiresAt.Time,
	}, nil
}

// TokenStatus reports whether a step or management token is valid, used or expired.
func (e *Engine) TokenStatus(ctx context.Context, token string) (tokens.Status, error) {
	st, err := e.Tokens.Inspect(ctx, token, tokens.PurposeStep)
	if errors.Is(err, tokens.ErrInvalidToken) {
		return e.Tokens.Inspect(ctx, token, tokens.PurposeManagement)
	}
	return st, err
}

// CompleteInput is one vendor submission.
type CompleteInput struct {
	Token    string
	Files    []evidence.Upload
	Comments string
}

// CompletionResult reports the outcome of a completion.
type CompletionResult struct {
	EventID        string        `json:"event_id"`
	StepID         string        `json:"step_id"`
	Commit         domain.Commit `json:"commit"`
	EventCompleted bool          `json:"event_completed"`
	Triggered      []string      `json:"triggered"`
}

// CompleteStep validates and consumes the token, completes the step and appends the ledger
// entry atomically, then cancels the deadline, mirrors the entry, cascades to newly
// eligible steps and notifies the owner. A token minted for a vendor the step no longer
// belongs to is refused. Work after the commit ignores the caller's cancellation and its
// failures are logged only.
func (e *Engine) CompleteStep(ctx context.Context, in CompleteInput) (CompletionResult, error) {
	claims, err := e.Tokens.Peek(ctx, in.Token, tokens.PurposeStep)
	if err != nil {
		return CompletionResult{}, err
	}
	if err := evidence.ValidateUploads(in.Files, e.evidenceLimits()); err != nil {
		return CompletionResult{}, err
	}
	refs, err := evidence.PutAll(ctx, e.Evidence, in.Files)
	if err != nil {
		return CompletionResult{}, err
	}

	unlock := e.locks.lock(claims.EventID)
	defer unlock()

	ev, err := e.load(ctx, claims.EventID)
	if err != nil {
		return CompletionResult{}, err
	}
	if cur, ok := ev.Step(claims.StepID); ok && !strings.EqualFold(claims.VendorEmail, cur.VendorEmail) {
		return CompletionResult{}, domain.ForbiddenError{Permission: "step vendor"}
	}
	if _, err := e.Tokens.ValidateAndConsume(ctx, in.Token, tokens.PurposeStep); err != nil {
		return CompletionResult{}, err
	}
	now := e.now()
	st, err := flow.CompleteStep(&ev, claims.StepID, refs, in.Comments, now)
	if err != nil {
		return CompletionResult{}, err
	}
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		names = append(names, r.Name)
	}
	var commit domain.Commit
	err = e.persist(ctx, &ev, func(tx *sql.Tx) error {
		var err error
		commit, err = e.Ledger.Append(ctx, tx, ledger.AppendInput{
			EventID:     ev.ID,
			StepID:      st.ID,
			VendorEmail: st.VendorEmail,
			Files:       names,
			Comments:    in.Comments,
			At:          now,
		})
		if err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.StepCompleted, ev.ID, "step", st.ID, st.VendorEmail, events.EventPayload{
			"files":  len(names),
			"commit": commit.Hash,
		}); err != nil {
			return err
		}
		if ev.Status == domain.EventCompleted {
			return e.Events.Append(ctx, tx, events.EventCompleted, ev.ID, "event", ev.ID, st.VendorEmail, nil)
		}
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}

	ctx = context.WithoutCancel(ctx)
	log := e.Logger.With("event_id", ev.ID, "step_id", st.ID)
	log.Info("step completed", "commit", commit.Hash, "files", len(names))
	if err := e.Scheduler.Cancel(ctx, st.ID); err != nil {
		log.Warn("cancel deadline failed", "err", err)
	}
	e.Ledger.Mirror(ctx, ev.Name, st.Name, &commit)
	triggered := e.cascade(ctx, &ev, st.VendorEmail)
	e.Notifier.Notify(stepCompletedMessage(&ev, st, commit))
	if ev.Status == domain.EventCompleted {
		commits, err := e.Ledger.ReadTimeline(ctx, ev.ID)
		if err != nil {
			log.Warn("read ledger for completion summary", "err", err)
		}
		e.Notifier.Notify(eventCompletedMessage(&ev, commits))
	}
	return CompletionResult{
		EventID:        ev.ID,
		StepID:         st.ID,
		Commit:         commit,
		EventCompleted: ev.Status == domain.EventCompleted,
		Triggered:      triggered,
	}, nil
}

// HandleTimeout is the scheduler's fire callback. A step that is no longer pending, or whose
// current limit has not elapsed yet, is left alone; otherwise it times out and the cascade
// runs exactly as after a completion.
func (e *Engine) HandleTimeout(ctx context.Context, d scheduler.Deadline) error {
	unlock := e.locks.lock(d.EventID)
	defer unlock()

	log := e.Logger.With("event_id", d.EventID, "step_id", d.StepID)
	ev, err := e.load(ctx, d.EventID)
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		log.Warn("deadline for unknown event dropped")
		return nil
	}
	if err != nil {
		return err
	}
	st, ok := ev.Step(d.StepID)
	if !ok || st.Status != domain.StepPending {
		return nil
	}
	now := e.now()
	if at, due := timeoutDue(st, now); !due {
		log.Info("stale deadline ignored", "fire_at", d.FireAt, "current", at)
		if !at.IsZero() && !e.Scheduler.Has(st.ID) {
			e.schedule(ctx, &ev, st, at)
		}
		return nil
	}
	if _, err := flow.TimeoutStep(&ev, st.ID, "", now); err != nil {
		return err
	}
	err = e.persist(ctx, &ev, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.StepTimedOut, ev.ID, "step", st.ID, events.ActorSystem, events.EventPayload{
			"vendor":     st.VendorEmail,
			"time_limit": st.TimeLimit,
			"reason":     st.TimeoutReason,
		})
	})
	if err != nil {
		return err
	}
	log.Info("step timed out", "time_limit", st.TimeLimit)
	ctx = context.WithoutCancel(ctx)
	e.cascade(ctx, &ev, events.ActorSystem)
	e.Notifier.Notify(stepTimedOutMessage(&ev, st))
	return nil
}

// timeoutDue reports whether st's current limit, counted from its trigger time, has elapsed
// at now. It also returns that instant, zero when the step has no limit or was never triggered.
func timeoutDue(st *domain.Step, now time.Time) (time.Time, bool) {
	lim, err := timelimit.Parse(st.TimeLimit)
	if err != nil || lim.IsZero() || st.TriggeredAt == nil {
		return time.Time{}, false
	}
	at := lim.FireAt(*st.TriggeredAt)
	return at, !at.After(now)
}

// ManagementView is what a management link shows.
type ManagementView struct {
	Event       EventView `json:"event"`
	OwnerEmail  string    `json:"owner_email"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (e *Engine) ValidateManagementToken(ctx context.Context, token string) (ManagementView, error) {
	c, err := e.Tokens.ValidateManagement(ctx, token, tokens.PermView)
	if err != nil {
		return ManagementView{}, err
	}
	ev, err := e.GetEvent(ctx, c.EventID)
	if err != nil {
		return ManagementView{}, err
	}
	return ManagementView{Event: ev, OwnerEmail: c.OwnerEmail, Permissions: c.Permissions, ExpiresAt: c.ExpiresAt.Time}, nil
}

// StepEdit is one step change inside an UpdateEvent call.
type StepEdit struct {
	StepID string `json:"step_id"`
	flow.StepPatch
}

type UpdateEventInput struct {
	Name   *string
	Status *domain.EventStatus
	Steps  []StepEdit
}

// UpdateEvent applies owner edits. A vendor change revokes the step's outstanding tokens
// and re-triggers it for the new vendor when eligible.
func (e *Engine) UpdateEvent(ctx context.Context, token string, in UpdateEventInput) (EventView, error) {
	c, err := e.Tokens.ValidateManagement(ctx, token, tokens.PermEdit)
	if err != nil {
		return EventView{}, err
	}
	unlock := e.locks.lock(c.EventID)
	defer unlock()

	ev, err := e.load(ctx, c.EventID)
	if err != nil {
		return EventView{}, err
	}
	now := e.now()
	changes := events.EventPayload{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return EventView{}, domain.ValidationError{Field: "name", Reason: "is required"}
		}
		ev.Name = name
		ev.UpdatedAt = now
		changes["name"] = name
	}
	if in.Status != nil {
		if err := flow.SetStatus(&ev, *in.Status, now); err != nil {
			return EventView{}, err
		}
		changes["status"] = ev.Status
	}
	var reassigned, relimited []string
	for _, edit := range in.Steps {
		vendorChanged, err := flow.UpdateStep(&ev, edit.StepID, edit.StepPatch, now)
		if err != nil {
			return EventView{}, err
		}
		if vendorChanged {
			reassigned = append(reassigned, edit.StepID)
		} else if edit.TimeLimit != nil {
			relimited = append(relimited, edit.StepID)
		}
	}
	err = e.persist(ctx, &ev, func(tx *sql.Tx) error {
		if len(changes) > 0 {
			if err := e.Events.Append(ctx, tx, events.EventUpdated, ev.ID, "event", ev.ID, c.OwnerEmail, changes); err != nil {
				return err
			}
		}
		for _, edit := range in.Steps {
			if err := e.Events.Append(ctx, tx, events.StepUpdated, ev.ID, "step", edit.StepID, c.OwnerEmail, events.EventPayload{"patch": edit.StepPatch}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return EventView{}, err
	}

	ctx = context.WithoutCancel(ctx)
	log := e.Logger.With("event_id", ev.ID)
	for _, id := range reassigned {
		n, err := e.Tokens.RevokeStepTokens(ctx, id)
		if err != nil {
			log.Warn("revoke tokens failed", "step_id", id, "err", err)
		} else if n > 0 {
			e.record(ctx, events.TokensRevoked, ev.ID, "step", id, c.OwnerEmail, events.EventPayload{"count": n})
		}
		if err := e.Scheduler.Cancel(ctx, id); err != nil {
			log.Warn("cancel deadline failed", "step_id", id, "err", err)
		}
	}
	for _, id := range relimited {
		st, _ := ev.Step(id)
		if st.TriggeredAt != nil {
			e.rearm(ctx, &ev, st)
		}
	}
	e.cascade(ctx, &ev, c.OwnerEmail)
	return e.GetEvent(ctx, ev.ID)
}

// AddStepViaManagement appends a step on behalf of a management token holder.
func (e *Engine) AddStepViaManagement(ctx context.Context, token string, spec domain.StepSpec) (domain.Step, error) {
	c, err := e.Tokens.ValidateManagement(ctx, token, tokens.PermAddSteps)
	if err != nil {
		return domain.Step{}, err
	}
	return e.addStep(ctx, c.EventID, spec, c.OwnerEmail)
}

// SendReminders re-sends completion links to every vendor whose step is open. It returns
// the number of reminders sent.
func (e *Engine) SendReminders(ctx context.Context, token string) (int, error) {
	c, err := e.Tokens.ValidateManagement(ctx, token, tokens.PermSendReminders)
	if err != nil {
		return 0, err
	}
	unlock := e.locks.lock(c.EventID)
	defer unlock()

	ev, err := e.load(ctx, c.EventID)
	if err != nil {
		return 0, err
	}
	fresh := e.cascade(ctx, &ev, c.OwnerEmail)
	sent := len(fresh)
	for _, st := range flow.EligibleSteps(&ev) {
		if st.TriggeredAt == nil || slices.Contains(fresh, st.ID) {
			continue
		}
		if _, err := e.dispatchStep(ctx, &ev, st, c.OwnerEmail, false); err != nil {
			e.Logger.Warn("reminder failed", "event_id", ev.ID, "step_id", st.ID, "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// SendManagementLinks mails the owner one management link per event they own.
func (e *Engine) SendManagementLinks(ctx context.Context, owner string) ([]ManagementLink, error) {
	evs, err := e.ListEventsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, domain.NotFoundError{Kind: "events for owner", ID: owner}
	}
	links := make([]ManagementLink, 0, len(evs))
	for _, ev := range evs {
		issued, err := e.Tokens.IssueManagementToken(ctx, ev.ID, ev.OwnerEmail, nil, e.Config.ManagementTTL())
		if err != nil {
			return nil, err
		}
		e.record(ctx, events.ManagementLinkIssued, ev.ID, "event", ev.ID, ev.OwnerEmail, events.EventPayload{
			"jti":        issued.Claims.ID,
			"expires_at": domain.FormatTime(issued.Claims.ExpiresAt.Time),
		})
		links = append(links, ManagementLink{
			EventID:   ev.ID,
			EventName: ev.Name,
			URL:       e.link("manage", issued.Token),
			Token:     issued.Token,
			ExpiresAt: issued.Claims.ExpiresAt.Time,
		})
	}
	e.Notifier.Notify(managementLinksMessage(evs[0].OwnerEmail, links))
	return links, nil
}

// RecoverReport summarizes what Recover re-armed.
type RecoverReport struct {
	Deadlines int `json:"deadlines"`
	Rearmed   int `json:"rearmed"`
	Triggered int `json:"triggered"`
}

// Recover re-arms persisted deadlines, re-arms triggered steps whose deadline row is
// missing and triggers eligible steps that never received a token.
func (e *Engine) Recover(ctx context.Context) (RecoverReport, error) {
	var rep RecoverReport
	n, err := e.Scheduler.Recover(ctx)
	if err != nil {
		return rep, err
	}
	rep.Deadlines = n
	active, err := e.Repo.ListEventsByStatus(ctx, domain.EventActive)
	if err != nil {
		return rep, domain.TransientIOError{Op: "list events", Err: err}
	}
	for _, summary := range active {
		r, t := e.reconcile(ctx, summary.ID)
		rep.Rearmed += r
		rep.Triggered += t
	}
	e.Logger.Info("recovered", "deadlines", rep.Deadlines, "rearmed", rep.Rearmed, "triggered", rep.Triggered)
	return rep, nil
}

func (e *Engine) reconcile(ctx context.Context, eventID string) (int, int) {
	unlock := e.locks.lock(eventID)
	defer unlock()

	ev, err := e.load(ctx, eventID)
	if err != nil {
		e.Logger.Warn("reconcile load failed", "event_id", eventID, "err", err)
		return 0, 0
	}
	rearmed := 0
	for i := range ev.Steps {
		st := &ev.Steps[i]
		if st.Status != domain.StepPending || st.TriggeredAt == nil || st.TimeLimit == "" || e.Scheduler.Has(st.ID) {
			continue
		}
		has, err := e.Deadlines.HasDeadline(ctx, st.ID)
		if err != nil || has {
			continue
		}
		if e.rearm(ctx, &ev, st) {
			rearmed++
		}
	}
	return rearmed, len(e.cascade(ctx, &ev, events.ActorSystem))
}

// cascade triggers every eligible step that has not been triggered yet: it stamps the
// trigger time, issues a token, arms the deadline and sends the magic link. It returns the
// ids of the steps it triggered. The caller holds the event lock.
func (e *Engine) cascade(ctx context.Context, ev *domain.Event, actor string) []string {
	var fresh []*domain.Step
	now := e.now()
	for _, st := range flow.EligibleSteps(ev) {
		if st.TriggeredAt != nil {
			continue
		}
		st.TriggeredAt = &now
		fresh = append(fresh, st)
	}
	if len(fresh) == 0 {
		return nil
	}
	log := e.Logger.With("event_id", ev.ID)
	err := e.persist(ctx, ev, func(tx *sql.Tx) error {
		for _, st := range fresh {
			if err := e.Events.Append(ctx, tx, events.StepTriggered, ev.ID, "step", st.ID, actor, events.EventPayload{"vendor": st.VendorEmail}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Error("cascade persist failed", "err", err)
		for _, st := range fresh {
			st.TriggeredAt = nil
		}
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	ids := make([]string, 0, len(fresh))
	for _, st := range fresh {
		ids = append(ids, st.ID)
		if _, err := e.dispatchStep(ctx, ev, st, actor, true); err != nil {
			log.Warn("cascade dispatch failed", "step_id", st.ID, "err", err)
		}
	}
	return ids
}

// dispatchStep issues a completion token for a triggered step, optionally arms its deadline
// and sends the magic link.
func (e *Engine) dispatchStep(ctx context.Context, ev *domain.Event, st *domain.Step, actor string, arm bool) (tokens.Issued, error) {
	lim, err := timelimit.Parse(st.TimeLimit)
	if err != nil {
		return tokens.Issued{}, domain.ValidationError{Field: "step.time_limit", Reason: err.Error()}
	}
	now := e.now()
	anchor := now
	if st.TriggeredAt != nil {
		anchor = *st.TriggeredAt
	}
	if arm && !lim.IsZero() {
		e.schedule(ctx, ev, st, lim.FireAt(anchor))
	}
	ttl := lim.TokenTTL(anchor, now, e.Config.StepDefaultTTL())
	if ttl <= 0 {
		return tokens.Issued{}, domain.InvalidStateError{Kind: "step", ID: st.ID, Status: "overdue", Op: "issue token for"}
	}
	issued, err := e.Tokens.IssueStepToken(ctx, ev.ID, st.ID, st.VendorEmail, ttl)
	if err != nil {
		return tokens.Issued{}, err
	}
	e.record(ctx, events.TokenIssued, ev.ID, "step", st.ID, actor, events.EventPayload{
		"vendor":     st.VendorEmail,
		"jti":        issued.Claims.ID,
		"expires_at": domain.FormatTime(issued.Claims.ExpiresAt.Time),
	})
	e.Notifier.Notify(magicLinkMessage(ev, st, e.link("complete", issued.Token), issued.Claims.ExpiresAt.Time))
	return issued, nil
}

// rearm re-schedules a triggered step's deadline from its trigger time.
func (e *Engine) rearm(ctx context.Context, ev *domain.Event, st *domain.Step) bool {
	lim, err := timelimit.Parse(st.TimeLimit)
	if err != nil {
		return false
	}
	if lim.IsZero() {
		if err := e.Scheduler.Cancel(ctx, st.ID); err != nil {
			e.Logger.Warn("cancel deadline failed", "event_id", ev.ID, "step_id", st.ID, "err", err)
		}
		return false
	}
	return e.schedule(ctx, ev, st, lim.FireAt(*st.TriggeredAt))
}

func (e *Engine) schedule(ctx context.Context, ev *domain.Event, st *domain.Step, at time.Time) bool {
	err := e.Scheduler.Schedule(ctx, scheduler.Deadline{
		StepID:      st.ID,
		EventID:     ev.ID,
		VendorEmail: st.VendorEmail,
		FireAt:      at,
	})
	if err != nil {
		e.Logger.Warn("schedule deadline failed", "event_id", ev.ID, "step_id", st.ID, "err", err)
		return false
	}
	return true
}

// persist saves the aggregate and any extra rows written by fn in one transaction.
func (e *Engine) persist(ctx context.Context, ev *domain.Event, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransientIOError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if err := e.Repo.SaveEvent(ctx, tx, *ev); err != nil {
		return domain.TransientIOError{Op: "save event", Err: err}
	}
	if fn != nil {
		if err := fn(tx); err != nil {
			return domain.TransientIOError{Op: "save event", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.TransientIOError{Op: "commit", Err: err}
	}
	return nil
}

// record appends an activity row on its own. Failures are logged.
func (e *Engine) record(ctx context.Context, typ, eventID, kind, entityID, actor string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err == nil {
		defer tx.Rollback()
		if err = e.Events.Append(ctx, tx, typ, eventID, kind, entityID, actor, payload); err == nil {
			err = tx.Commit()
		}
	}
	if err != nil {
		e.Logger.Warn("record activity failed", "type", typ, "event_id", eventID, "err", err)
	}
}

func (e *Engine) load(ctx context.Context, eventID string) (domain.Event, error) {
	ev, err := e.Repo.GetEvent(ctx, eventID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Event{}, domain.NotFoundError{Kind: "event", ID: eventID}
	}
	if err != nil {
		return domain.Event{}, domain.TransientIOError{Op: "load event", Err: err}
	}
	return ev, nil
}

func (e *Engine) link(kind, token string) string {
	base := strings.TrimRight(e.Config.Server.BaseURL, "/")
	return base + path.Join("/", e.Config.Server.BasePath, kind, token)
}

func (e *Engine) evidenceLimits() evidence.Limits {
	return evidence.Limits{
		MaxSize:  int64(e.Config.Evidence.MaxSizeMB) << 20,
		MaxFiles: e.Config.Evidence.MaxFiles,
	}
}
