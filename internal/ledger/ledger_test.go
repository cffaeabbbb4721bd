package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitdone/internal/chain"
	"gitdone/internal/db"
	"gitdone/internal/domain"
	"gitdone/internal/migrate"
)

type recordingChain struct {
	inits   int
	entries []chain.Entry
	err     error
}

func (c *recordingChain) Init(context.Context, string, string) error {
	c.inits++
	return nil
}

func (c *recordingChain) Commit(_ context.Context, e chain.Entry) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.entries = append(c.entries, e)
	return "ref-" + e.StepID, nil
}

func setup(t *testing.T) (*sql.DB, Ledger) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	now := domain.FormatTime(time.Now())
	_, err = conn.ExecContext(ctx, `INSERT INTO events(id,name,owner_email,flow_type,status,created_at,updated_at) VALUES ('e1','Wedding','o@example.com','sequential','active',?,?)`, now, now)
	require.NoError(t, err)
	return conn, Ledger{DB: conn}
}

func appendEntry(t *testing.T, conn *sql.DB, l Ledger, in AppendInput) domain.Commit {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	c, err := l.Append(ctx, tx, in)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return c
}

func TestAppendLinksEntries(t *testing.T) {
	conn, l := setup(t)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	first := appendEntry(t, conn, l, AppendInput{EventID: "e1", StepID: "s1", VendorEmail: "a@example.com", Files: []string{"x.jpg"}, Comments: "done", At: t0})
	second := appendEntry(t, conn, l, AppendInput{EventID: "e1", StepID: "s2", VendorEmail: "b@example.com", At: t0.Add(time.Minute)})

	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Len(t, first.Hash, 64)
	assert.Equal(t, []string{}, second.Files)

	again, err := Hash(first)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, again)

	n, err := l.Verify(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHashDependsOnEveryField(t *testing.T) {
	base := domain.Commit{EventID: "e1", StepID: "s1", VendorEmail: "a@example.com", Timestamp: time.Unix(0, 0), Files: []string{"f"}, Comments: "c", PrevHash: GenesisHash}
	h0, err := Hash(base)
	require.NoError(t, err)
	variants := []func(*domain.Commit){
		func(c *domain.Commit) { c.StepID = "s2" },
		func(c *domain.Commit) { c.VendorEmail = "b@example.com" },
		func(c *domain.Commit) { c.Timestamp = c.Timestamp.Add(time.Nanosecond) },
		func(c *domain.Commit) { c.Files = nil },
		func(c *domain.Commit) { c.Comments = "" },
		func(c *domain.Commit) { c.PrevHash = "other" },
	}
	for i, mutate := range variants {
		c := base
		mutate(&c)
		h, err := Hash(c)
		require.NoError(t, err)
		assert.NotEqual(t, h0, h, "variant %d", i)
	}
}

func TestTimelineOrdersByTimestamp(t *testing.T) {
	conn, l := setup(t)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	appendEntry(t, conn, l, AppendInput{EventID: "e1", StepID: "late", VendorEmail: "a@example.com", At: t0.Add(time.Hour)})
	appendEntry(t, conn, l, AppendInput{EventID: "e1", StepID: "early", VendorEmail: "a@example.com", At: t0})
	appendEntry(t, conn, l, AppendInput{EventID: "e1", StepID: "tie", VendorEmail: "a@example.com", At: t0})

	got, err := l.ReadTimeline(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"early", "tie", "late"}, []string{got[0].StepID, got[1].StepID, got[2].StepID})

	empty, err := l.ReadTimeline(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEntriesAreAppendOnly(t *testing.T) {
	conn, l := setup(t)
	c := appendEntry(t, conn, l, AppendInput{EventID: "e1", StepID: "s1", VendorEmail: "a@example.com", At: time.Now()})
	ctx := context.Background()
	_, err := conn.ExecContext(ctx, `UPDATE commits SET comments='forged' WHERE hash=?`, c.Hash)
	assert.Error(t, err)
	_, err = conn.ExecContext(ctx, `DELETE FROM commits WHERE hash=?`, c.Hash)
	assert.Error(t, err)
}

func TestVerifyDetectsTampering(t *testing.T) {
	conn, l := setup(t)
	ctx := context.Background()
	c := appendEntry(t, conn, l, AppendInput{EventID: "e1", StepID: "s1", VendorEmail: "a@example.com", Comments: "ok", At: time.Now()})
	appendEntry(t, conn, l, AppendInput{EventID: "e1", StepID: "s2", VendorEmail: "b@example.com", At: time.Now()})

	_, err := conn.ExecContext(ctx, `DROP TRIGGER commits_no_rewrite`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `UPDATE commits SET comments='forged' WHERE hash=?`, c.Hash)
	require.NoError(t, err)

	n, err := l.Verify(ctx, "e1")
	assert.True(t, errors.Is(err, ErrBrokenChain))
	assert.Equal(t, 0, n)
}

func TestMirrorRecordsExternalRef(t *testing.T) {
	conn, l := setup(t)
	rc := &recordingChain{}
	l.Chain = rc
	c := appendEntry(t, conn, l, AppendInput{EventID: "e1", StepID: "s1", VendorEmail: "a@example.com", At: time.Now()})

	l.Mirror(context.Background(), "Wedding", "Flowers", &c)
	require.NotNil(t, c.ExternalRef)
	assert.Equal(t, "ref-s1", *c.ExternalRef)
	require.Len(t, rc.entries, 1)
	assert.Equal(t, c.Hash, rc.entries[0].LedgerHash)
	assert.Equal(t, "Flowers", rc.entries[0].StepName)

	got, err := l.ReadTimeline(context.Background(), "e1")
	require.NoError(t, err)
	require.NotNil(t, got[0].ExternalRef)
	assert.Equal(t, "ref-s1", *got[0].ExternalRef)

	n, err := l.Verify(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMirrorFailureLeavesRefNull(t *testing.T) {
	conn, l := setup(t)
	l.Chain = &recordingChain{err: errors.New("git unavailable")}
	c := appendEntry(t, conn, l, AppendInput{EventID: "e1", StepID: "s1", VendorEmail: "a@example.com", At: time.Now()})

	l.Mirror(context.Background(), "Wedding", "Flowers", &c)
	assert.Nil(t, c.ExternalRef)
	got, err := l.ReadTimeline(context.Background(), "e1")
	require.NoError(t, err)
	assert.Nil(t, got[0].ExternalRef)
}
