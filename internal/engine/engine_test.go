package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gitdone/internal/chain"
	"gitdone/internal/clock"
	"gitdone/internal/config"
	"gitdone/internal/db"
	"gitdone/internal/domain"
	"gitdone/internal/engine"
	"gitdone/internal/evidence"
	"gitdone/internal/flow"
	"gitdone/internal/migrate"
	"gitdone/internal/notify"
	"gitdone/internal/scheduler"
	"gitdone/internal/tokens"
)

var start = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type outbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (o *outbox) Notify(m notify.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
}

func (o *outbox) byKind(kind, to string) []notify.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []notify.Message
	for _, m := range o.msgs {
		if m.Kind == kind && (to == "" || m.To == to) {
			out = append(out, m)
		}
	}
	return out
}

// token returns the token from the newest magic link sent to vendor.
func (o *outbox) token(t *testing.T, vendor string) string {
	t.Helper()
	msgs := o.byKind(notify.KindMagicLink, vendor)
	if len(msgs) == 0 {
		t.Fatalf("no magic link sent to %s", vendor)
	}
	text := msgs[len(msgs)-1].Text
	i := strings.Index(text, "/complete/")
	if i < 0 {
		t.Fatalf("magic link missing from %q", text)
	}
	tok := text[i+len("/complete/"):]
	if j := strings.IndexByte(tok, '\n'); j >= 0 {
		tok = tok[:j]
	}
	return tok
}

type testEnv struct {
	Engine *engine.Engine
	Clock  *clock.Fake
	Out    *outbox
	Conn   *sql.DB
	Dir    string
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mods ...func(*engine.Options)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return openEnv(t, conn, dir, clock.NewFake(start), mods...)
}

func openEnv(t *testing.T, conn *sql.DB, dir string, clk *clock.Fake, mods ...func(*engine.Options)) testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Tokens.Secret = "test-secret"
	out := &outbox{}
	opts := engine.Options{
		Evidence: evidence.Local{Dir: dir + "/evidence"},
		Notifier: out,
		Clock:    clk,
	}
	for _, mod := range mods {
		mod(&opts)
	}
	eng := engine.New(conn, cfg, opts)
	t.Cleanup(eng.Close)
	return testEnv{Engine: eng, Clock: clk, Out: out, Conn: conn, Dir: dir, Ctx: context.Background()}
}

func (env testEnv) create(t *testing.T, ft domain.FlowType, specs ...domain.StepSpec) engine.EventView {
	t.Helper()
	ev, err := env.Engine.CreateEvent(env.Ctx, engine.CreateEventInput{
		Name:       "Wedding",
		OwnerEmail: "owner@example.com",
		FlowType:   ft,
		Steps:      specs,
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	return ev
}

func eligibleIDs(ev *domain.Event) []string {
	var ids []string
	for _, st := range flow.EligibleSteps(ev) {
		ids = append(ids, st.ID)
	}
	return ids
}

func sameIDs(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSequentialCompletionCascades(t *testing.T) {
	env := newTestEnv(t)
	ev := env.create(t, domain.FlowSequential,
		domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com"},
		domain.StepSpec{Name: "Cake", VendorEmail: "baker@example.com"},
	)
	s1, s2 := ev.Steps[0].ID, ev.Steps[1].ID
	if got := eligibleIDs(&ev.Event); !sameIDs(got, []string{s1}) {
		t.Fatalf("eligible = %v, want [%s]", got, s1)
	}
	if ev.Steps[0].TriggeredAt == nil || ev.Steps[1].TriggeredAt != nil {
		t.Fatalf("only the first step should be triggered")
	}
	if n := len(env.Out.byKind(notify.KindMagicLink, "baker@example.com")); n != 0 {
		t.Fatalf("baker notified before the first step completed")
	}
	if n := len(env.Out.byKind(notify.KindEventCreated, "owner@example.com")); n != 1 {
		t.Fatalf("owner creation summaries = %d", n)
	}

	res, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{
		Token:    env.Out.token(t, "florist@example.com"),
		Files:    []evidence.Upload{{Name: "roses.jpg", Data: []byte("jpeg")}},
		Comments: "delivered",
	})
	if err != nil {
		t.Fatalf("complete s1: %v", err)
	}
	if !sameIDs(res.Triggered, []string{s2}) {
		t.Fatalf("triggered = %v, want [%s]", res.Triggered, s2)
	}
	if res.Commit.PrevHash != "genesis" || res.EventCompleted {
		t.Fatalf("unexpected result %+v", res)
	}

	got, err := env.Engine.GetEvent(env.Ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ids := eligibleIDs(&got.Event); !sameIDs(ids, []string{s2}) {
		t.Fatalf("eligible after s1 = %v", ids)
	}
	if len(got.Commits) != 1 || got.Steps[0].Status != domain.StepCompleted || len(got.Steps[0].Files) != 1 {
		t.Fatalf("unexpected event after s1: %+v", got)
	}
	if got.Progress.Completed != 1 || got.Progress.Percent != 50 {
		t.Fatalf("progress = %+v", got.Progress)
	}

	info, err := env.Engine.ValidateStepToken(env.Ctx, env.Out.token(t, "baker@example.com"))
	if err != nil || info.StepID != s2 {
		t.Fatalf("baker token: %+v %v", info, err)
	}
	res, err = env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: env.Out.token(t, "baker@example.com")})
	if err != nil {
		t.Fatalf("complete s2: %v", err)
	}
	if !res.EventCompleted || res.Commit.PrevHash != got.Commits[0].Hash {
		t.Fatalf("unexpected final result %+v", res)
	}
	if n := len(env.Out.byKind(notify.KindEventCompleted, "owner@example.com")); n != 1 {
		t.Fatalf("completion notifications = %d", n)
	}
	if n, err := env.Engine.VerifyLedger(env.Ctx, ev.ID); err != nil || n != 2 {
		t.Fatalf("verify ledger = %d, %v", n, err)
	}
	timeline, err := env.Engine.Timeline(env.Ctx, ev.ID)
	if err != nil || len(timeline) != 2 || timeline[0].StepName != "Flowers" {
		t.Fatalf("timeline = %+v, %v", timeline, err)
	}
}

func TestHybridFanOut(t *testing.T) {
	env := newTestEnv(t)
	ev := env.create(t, domain.FlowHybrid,
		domain.StepSpec{Name: "Venue", VendorEmail: "venue@example.com", Sequence: 1},
		domain.StepSpec{Name: "Music", VendorEmail: "band@example.com", Sequence: 1},
		domain.StepSpec{Name: "Cleanup", VendorEmail: "crew@example.com", Sequence: 2},
	)
	a, b := ev.Steps[0].ID, ev.Steps[1].ID
	if got := eligibleIDs(&ev.Event); !sameIDs(got, []string{a, b}) {
		t.Fatalf("eligible = %v", got)
	}
	res, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: env.Out.token(t, "venue@example.com")})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Triggered) != 0 {
		t.Fatalf("triggered = %v, want none", res.Triggered)
	}
	got, _ := env.Engine.GetEvent(env.Ctx, ev.ID)
	if ids := eligibleIDs(&got.Event); !sameIDs(ids, []string{b}) {
		t.Fatalf("eligible = %v, want [%s]", ids, b)
	}
	if n := len(env.Out.byKind(notify.KindMagicLink, "crew@example.com")); n != 0 {
		t.Fatalf("crew notified early")
	}
	res, err = env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: env.Out.token(t, "band@example.com")})
	if err != nil {
		t.Fatal(err)
	}
	if !sameIDs(res.Triggered, []string{ev.Steps[2].ID}) {
		t.Fatalf("triggered = %v", res.Triggered)
	}
}

func TestTimeoutCascadesToNextStep(t *testing.T) {
	env := newTestEnv(t)
	ev := env.create(t, domain.FlowSequential,
		domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com", TimeLimit: "1m"},
		domain.StepSpec{Name: "Cake", VendorEmail: "baker@example.com"},
	)
	stale := env.Out.token(t, "florist@example.com")
	if !env.Engine.Scheduler.Has(ev.Steps[0].ID) {
		t.Fatalf("deadline not armed")
	}

	env.Clock.Advance(2 * time.Minute)

	got, err := env.Engine.GetEvent(env.Ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	s1 := got.Steps[0]
	if s1.Status != domain.StepTimedOut || s1.TimedOutAt == nil || s1.CompletedAt != nil {
		t.Fatalf("s1 = %+v", s1)
	}
	if got.Status != domain.EventActive {
		t.Fatalf("event status = %s", got.Status)
	}
	if n := len(env.Out.byKind(notify.KindMagicLink, "baker@example.com")); n != 1 {
		t.Fatalf("baker links = %d", n)
	}
	if n := len(env.Out.byKind(notify.KindStepTimedOut, "owner@example.com")); n != 1 {
		t.Fatalf("timeout alerts = %d", n)
	}
	var rows int
	if err := env.Conn.QueryRow(`SELECT COUNT(1) FROM deadlines`).Scan(&rows); err != nil || rows != 0 {
		t.Fatalf("deadline rows = %d, %v", rows, err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: stale}); !errors.Is(err, tokens.ErrExpired) {
		t.Fatalf("stale token err = %v", err)
	}
}

func TestTimeoutAfterCompletionIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ev := env.create(t, domain.FlowSequential,
		domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com", TimeLimit: "1h"},
	)
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: env.Out.token(t, "florist@example.com")}); err != nil {
		t.Fatal(err)
	}
	if env.Engine.Scheduler.Has(ev.Steps[0].ID) {
		t.Fatalf("deadline still armed after completion")
	}
	env.Clock.Advance(2 * time.Hour)
	got, _ := env.Engine.GetEvent(env.Ctx, ev.ID)
	if got.Steps[0].Status != domain.StepCompleted || got.Status != domain.EventCompleted {
		t.Fatalf("unexpected state %+v", got)
	}
	if len(env.Out.byKind(notify.KindStepTimedOut, "")) != 0 {
		t.Fatalf("timeout fired after completion")
	}
}

func TestSecondCompletionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ev := env.create(t, domain.FlowSequential,
		domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com"},
		domain.StepSpec{Name: "Cake", VendorEmail: "baker@example.com"},
	)
	first := env.Out.token(t, "florist@example.com")
	second, err := env.Engine.IssueStepToken(env.Ctx, ev.ID, ev.Steps[0].ID, "Florist@Example.com")
	if err != nil {
		t.Fatalf("issue second token: %v", err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: first}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: first}); !errors.Is(err, tokens.ErrAlreadyUsed) {
		t.Fatalf("reused token err = %v", err)
	}
	_, err = env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: second.Token})
	var ise domain.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("second token err = %v, want InvalidStateError", err)
	}
	got, _ := env.Engine.GetEvent(env.Ctx, ev.ID)
	if len(got.Commits) != 1 {
		t.Fatalf("ledger entries = %d", len(got.Commits))
	}
}

func TestConcurrentCompletionHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	ev := env.create(t, domain.FlowNonSequential,
		domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com"},
	)
	tok := env.Out.token(t, "florist@example.com")
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: tok})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, tokens.ErrAlreadyUsed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d", wins)
	}
	got, _ := env.Engine.GetEvent(env.Ctx, ev.ID)
	if len(got.Commits) != 1 {
		t.Fatalf("ledger entries = %d", len(got.Commits))
	}
}

func TestIssueStepTokenChecks(t *testing.T) {
	env := newTestEnv(t)
	ev := env.create(t, domain.FlowSequential,
		domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com"},
		domain.StepSpec{Name: "Cake", VendorEmail: "baker@example.com"},
	)
	var fe domain.ForbiddenError
	if _, err := env.Engine.IssueStepToken(env.Ctx, ev.ID, ev.Steps[0].ID, "mallory@example.com"); !errors.As(err, &fe) {
		t.Fatalf("wrong vendor err = %v", err)
	}
	var ise domain.InvalidStateError
	if _, err := env.Engine.IssueStepToken(env.Ctx, ev.ID, ev.Steps[1].ID, "baker@example.com"); !errors.As(err, &ise) {
		t.Fatalf("blocked step err = %v", err)
	}
	var nf domain.NotFoundError
	if _, err := env.Engine.IssueStepToken(env.Ctx, "missing", "s", "v"); !errors.As(err, &nf) {
		t.Fatalf("missing event err = %v", err)
	}
}

func TestInvalidEvidenceLeavesTokenUnused(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, domain.FlowSequential, domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com"})
	tok := env.Out.token(t, "florist@example.com")
	_, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{
		Token: tok,
		Files: []evidence.Upload{{Name: "payload.exe", Data: []byte("MZ")}},
	})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	st, err := env.Engine.TokenStatus(env.Ctx, tok)
	if err != nil || !st.Valid || st.Used {
		t.Fatalf("status = %+v, %v", st, err)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: tok}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	st, _ = env.Engine.TokenStatus(env.Ctx, tok)
	if st.Valid || !st.Used {
		t.Fatalf("status after use = %+v", st)
	}
}

func TestManagementPermissions(t *testing.T) {
	env := newTestEnv(t)
	ev := env.create(t, domain.FlowSequential, domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com"})
	viewOnly, err := env.Engine.Tokens.IssueManagementToken(env.Ctx, ev.ID, ev.OwnerEmail, []string{tokens.PermView}, 0)
	if err != nil {
		t.Fatal(err)
	}
	name := "Renamed"
	var fe domain.ForbiddenError
	if _, err := env.Engine.UpdateEvent(env.Ctx, viewOnly.Token, engine.UpdateEventInput{Name: &name}); !errors.As(err, &fe) || fe.Permission != tokens.PermEdit {
		t.Fatalf("update with view-only token err = %v", err)
	}
	if _, err := env.Engine.AddStepViaManagement(env.Ctx, viewOnly.Token, domain.StepSpec{Name: "Cake", VendorEmail: "baker@example.com"}); !errors.As(err, &fe) {
		t.Fatalf("add step with view-only token err = %v", err)
	}
	if _, err := env.Engine.SendReminders(env.Ctx, viewOnly.Token); !errors.As(err, &fe) {
		t.Fatalf("reminders with view-only token err = %v", err)
	}
	mv, err := env.Engine.ValidateManagementToken(env.Ctx, viewOnly.Token)
	if err != nil || mv.Event.ID != ev.ID {
		t.Fatalf("view: %+v %v", mv, err)
	}
	got, _ := env.Engine.GetEvent(env.Ctx, ev.ID)
	if got.Name != "Wedding" {
		t.Fatalf("event renamed by view-only token")
	}
}

func TestManagementEditsAndReassignment(t *testing.T) {
	env := newTestEnv(t)
	ev := env.create(t, domain.FlowSequential,
		domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com", TimeLimit: "1h"},
	)
	links, err := env.Engine.SendManagementLinks(env.Ctx, "owner@example.com")
	if err != nil || len(links) != 1 {
		t.Fatalf("management links: %v %v", links, err)
	}
	if n := len(env.Out.byKind(notify.KindManagementLink, "owner@example.com")); n != 1 {
		t.Fatalf("management messages = %d", n)
	}
	mgmt := links[0].Token
	old := env.Out.token(t, "florist@example.com")

	name := "Renamed"
	vendor := "newflorist@example.com"
	updated, err := env.Engine.UpdateEvent(env.Ctx, mgmt, engine.UpdateEventInput{
		Name:  &name,
		Steps: []engine.StepEdit{{StepID: ev.Steps[0].ID, StepPatch: flow.StepPatch{VendorEmail: &vendor}}},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Renamed" || updated.Steps[0].VendorEmail != vendor || updated.Steps[0].TriggeredAt == nil {
		t.Fatalf("updated = %+v", updated)
	}
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: old}); !errors.Is(err, tokens.ErrInvalidToken) {
		t.Fatalf("revoked token err = %v", err)
	}
	fresh := env.Out.token(t, vendor)
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: fresh}); err != nil {
		t.Fatalf("complete with reassigned token: %v", err)
	}

	step, err := env.Engine.AddStepViaManagement(env.Ctx, mgmt, domain.StepSpec{Name: "Cake", VendorEmail: "baker@example.com"})
	if err != nil {
		t.Fatalf("add step: %v", err)
	}
	if step.Sequence != 2 || step.TriggeredAt == nil {
		t.Fatalf("added step = %+v", step)
	}
	got, _ := env.Engine.GetEvent(env.Ctx, ev.ID)
	if got.Status != domain.EventActive {
		t.Fatalf("event not reopened: %s", got.Status)
	}
	sent, err := env.Engine.SendReminders(env.Ctx, mgmt)
	if err != nil || sent != 1 {
		t.Fatalf("reminders = %d, %v", sent, err)
	}
	if n := len(env.Out.byKind(notify.KindMagicLink, "baker@example.com")); n != 2 {
		t.Fatalf("baker links = %d", n)
	}

	var nf domain.NotFoundError
	if _, err := env.Engine.SendManagementLinks(env.Ctx, "stranger@example.com"); !errors.As(err, &nf) {
		t.Fatalf("unknown owner err = %v", err)
	}
}

// cancellingChain cancels the request context as soon as the ledger entry is mirrored.
type cancellingChain struct {
	cancel context.CancelFunc
}

func (c cancellingChain) Init(context.Context, string, string) error { return nil }

func (c cancellingChain) Commit(context.Context, chain.Entry) (string, error) {
	c.cancel()
	return "ref", nil
}

func TestCompletionSurvivesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnv(t, func(o *engine.Options) { o.Chain = cancellingChain{cancel: cancel} })
	ev := env.create(t, domain.FlowSequential,
		domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com"},
		domain.StepSpec{Name: "Cake", VendorEmail: "baker@example.com", TimeLimit: "1h"},
	)
	res, err := env.Engine.CompleteStep(ctx, engine.CompleteInput{Token: env.Out.token(t, "florist@example.com")})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("context was not cancelled by the mirror")
	}
	if !sameIDs(res.Triggered, []string{ev.Steps[1].ID}) {
		t.Fatalf("triggered = %v", res.Triggered)
	}
	if n := len(env.Out.byKind(notify.KindMagicLink, "baker@example.com")); n != 1 {
		t.Fatalf("baker links = %d", n)
	}
	if !env.Engine.Scheduler.Has(ev.Steps[1].ID) {
		t.Fatalf("deadline for triggered step not armed")
	}
	got, _ := env.Engine.GetEvent(env.Ctx, ev.ID)
	if got.Steps[1].TriggeredAt == nil {
		t.Fatalf("trigger not persisted: %+v", got.Steps[1])
	}
}

func TestStaleDeadlineAfterLimitExtension(t *testing.T) {
	env := newTestEnv(t)
	ev := env.create(t, domain.FlowSequential,
		domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com", TimeLimit: "1h"},
	)
	stepID := ev.Steps[0].ID
	links, err := env.Engine.SendManagementLinks(env.Ctx, "owner@example.com")
	if err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(30 * time.Minute)
	extended := "2h"
	if _, err := env.Engine.UpdateEvent(env.Ctx, links[0].Token, engine.UpdateEventInput{
		Steps: []engine.StepEdit{{StepID: stepID, StepPatch: flow.StepPatch{TimeLimit: &extended}}},
	}); err != nil {
		t.Fatalf("extend: %v", err)
	}

	env.Clock.Advance(31 * time.Minute)
	old := scheduler.Deadline{StepID: stepID, EventID: ev.ID, VendorEmail: "florist@example.com", FireAt: start.Add(time.Hour)}
	if err := env.Engine.HandleTimeout(env.Ctx, old); err != nil {
		t.Fatalf("stale fire: %v", err)
	}
	got, _ := env.Engine.GetEvent(env.Ctx, ev.ID)
	if got.Steps[0].Status != domain.StepPending {
		t.Fatalf("step timed out on the superseded deadline: %s", got.Steps[0].Status)
	}
	if len(env.Out.byKind(notify.KindStepTimedOut, "")) != 0 {
		t.Fatalf("timeout notice sent for stale deadline")
	}

	env.Clock.Advance(time.Hour)
	got, _ = env.Engine.GetEvent(env.Ctx, ev.ID)
	if got.Steps[0].Status != domain.StepTimedOut {
		t.Fatalf("step not timed out after extended limit: %s", got.Steps[0].Status)
	}
}

// keepTokens ignores revocation so a reassigned step's old token stays live.
type keepTokens struct {
	*tokens.MemoryStore
}

func (keepTokens) RevokeForStep(context.Context, string) (int, error) { return 0, nil }

func TestCompletionRefusesPreviousVendor(t *testing.T) {
	env := newTestEnv(t, func(o *engine.Options) { o.TokenStore = keepTokens{tokens.NewMemoryStore()} })
	ev := env.create(t, domain.FlowSequential,
		domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com"},
	)
	old := env.Out.token(t, "florist@example.com")
	links, err := env.Engine.SendManagementLinks(env.Ctx, "owner@example.com")
	if err != nil {
		t.Fatal(err)
	}
	vendor := "newflorist@example.com"
	if _, err := env.Engine.UpdateEvent(env.Ctx, links[0].Token, engine.UpdateEventInput{
		Steps: []engine.StepEdit{{StepID: ev.Steps[0].ID, StepPatch: flow.StepPatch{VendorEmail: &vendor}}},
	}); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	var fe domain.ForbiddenError
	if _, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: old}); !errors.As(err, &fe) {
		t.Fatalf("old vendor err = %v, want ForbiddenError", err)
	}
	got, _ := env.Engine.GetEvent(env.Ctx, ev.ID)
	if got.Steps[0].Status != domain.StepPending || len(got.Commits) != 0 {
		t.Fatalf("step changed by old vendor: %+v", got.Steps[0])
	}
	res, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteInput{Token: env.Out.token(t, vendor)})
	if err != nil {
		t.Fatalf("new vendor: %v", err)
	}
	if res.Commit.VendorEmail != vendor {
		t.Fatalf("commit vendor = %s", res.Commit.VendorEmail)
	}
}

func TestOwnerResolvesTimedOutEvent(t *testing.T) {
	env := newTestEnv(t)
	ev := env.create(t, domain.FlowSequential,
		domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com", TimeLimit: "30m"},
	)
	env.Clock.Advance(time.Hour)
	mgmt, err := env.Engine.Tokens.IssueManagementToken(env.Ctx, ev.ID, ev.OwnerEmail, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	done := domain.EventCompleted
	got, err := env.Engine.UpdateEvent(env.Ctx, mgmt.Token, engine.UpdateEventInput{Status: &done})
	if err != nil {
		t.Fatalf("complete by hand: %v", err)
	}
	if got.Status != domain.EventCompleted || got.CompletedAt == nil {
		t.Fatalf("event = %+v", got)
	}
}

func TestRecoverAfterRestart(t *testing.T) {
	env := newTestEnv(t)
	ev := env.create(t, domain.FlowSequential,
		domain.StepSpec{Name: "Flowers", VendorEmail: "florist@example.com", TimeLimit: "2h"},
		domain.StepSpec{Name: "Cake", VendorEmail: "baker@example.com"},
	)
	env.Engine.Close()

	later := clock.NewFake(start.Add(3 * time.Hour))
	restarted := openEnv(t, env.Conn, env.Dir, later)
	rep, err := restarted.Engine.Recover(env.Ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Deadlines != 1 {
		t.Fatalf("report = %+v", rep)
	}
	later.Advance(0)
	got, _ := restarted.Engine.GetEvent(env.Ctx, ev.ID)
	if got.Steps[0].Status != domain.StepTimedOut {
		t.Fatalf("overdue step not timed out: %s", got.Steps[0].Status)
	}
	if n := len(restarted.Out.byKind(notify.KindMagicLink, "baker@example.com")); n != 1 {
		t.Fatalf("baker links after recovery = %d", n)
	}
}

func TestCreateEventValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.CreateEventInput{
		{OwnerEmail: "o@example.com", Steps: []domain.StepSpec{{Name: "a", VendorEmail: "v@example.com"}}},
		{Name: "x", Steps: []domain.StepSpec{{Name: "a", VendorEmail: "v@example.com"}}},
		{Name: "x", OwnerEmail: "o@example.com"},
		{Name: "x", OwnerEmail: "o@example.com", FlowType: "parallel", Steps: []domain.StepSpec{{Name: "a", VendorEmail: "v@example.com"}}},
		{Name: "x", OwnerEmail: "o@example.com", Steps: []domain.StepSpec{{Name: "a", VendorEmail: "v@example.com", TimeLimit: "soon"}}},
	}
	for i, in := range cases {
		var ve domain.ValidationError
		if _, err := env.Engine.CreateEvent(env.Ctx, in); !errors.As(err, &ve) {
			t.Fatalf("case %d: err = %v, want ValidationError", i, err)
		}
	}
	var nf domain.NotFoundError
	if _, err := env.Engine.GetEvent(env.Ctx, "missing"); !errors.As(err, &nf) {
		t.Fatalf("missing event err = %v", err)
	}
}
