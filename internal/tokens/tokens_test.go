package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitdone/internal/clock"
	"gitdone/internal/domain"
)

func newTestAuthority() (*Authority, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	return New("test-secret", NewMemoryStore(), clk), clk
}

func TestStepTokenSingleUse(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority()
	iss, err := a.IssueStepToken(ctx, "e1", "s1", "v@example.com", time.Hour)
	require.NoError(t, err)

	c, err := a.ValidateAndConsume(ctx, iss.Token, PurposeStep)
	require.NoError(t, err)
	assert.Equal(t, "s1", c.StepID)
	assert.Equal(t, "v@example.com", c.VendorEmail)

	_, err = a.ValidateAndConsume(ctx, iss.Token, PurposeStep)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
	_, err = a.Peek(ctx, iss.Token, PurposeStep)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority()
	iss, err := a.IssueStepToken(ctx, "e1", "s1", "v@example.com", time.Hour)
	require.NoError(t, err)

	var wins, used atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.ValidateAndConsume(ctx, iss.Token, PurposeStep)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyUsed):
				used.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), used.Load())
}

func TestExpiredToken(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAuthority()
	iss, err := a.IssueStepToken(ctx, "e1", "s1", "v@example.com", time.Minute)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	_, err = a.ValidateAndConsume(ctx, iss.Token, PurposeStep)
	assert.ErrorIs(t, err, ErrExpired)

	st, err := a.Inspect(ctx, iss.Token, PurposeStep)
	require.NoError(t, err)
	assert.True(t, st.Expired)
	assert.False(t, st.Valid)
}

func TestForgedAndMisusedTokens(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority()
	other := New("other-secret", NewMemoryStore(), clock.Real{})
	forged, err := other.IssueStepToken(ctx, "e1", "s1", "v@example.com", time.Hour)
	require.NoError(t, err)

	_, err = a.ValidateAndConsume(ctx, forged.Token, PurposeStep)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = a.ValidateAndConsume(ctx, "not-a-jwt", PurposeStep)
	assert.ErrorIs(t, err, ErrInvalidToken)

	mgmt, err := a.IssueManagementToken(ctx, "e1", "o@example.com", nil, 0)
	require.NoError(t, err)
	_, err = a.ValidateAndConsume(ctx, mgmt.Token, PurposeStep)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyWithoutStore(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority()
	iss, err := a.IssueStepToken(ctx, "e1", "s1", "v@example.com", time.Hour)
	require.NoError(t, err)

	detached := &Authority{Secret: a.Secret, Clock: a.Clock}
	c, err := detached.Verify(iss.Token, PurposeStep)
	require.NoError(t, err)
	assert.Equal(t, "e1", c.EventID)
}

func TestUntrackedTokenIsInvalid(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority()
	iss, err := a.IssueStepToken(ctx, "e1", "s1", "v@example.com", time.Hour)
	require.NoError(t, err)
	a.Store = NewMemoryStore()

	_, err = a.Peek(ctx, iss.Token, PurposeStep)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManagementPermissions(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority()
	iss, err := a.IssueManagementToken(ctx, "e1", "o@example.com", []string{PermView}, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultManagementTTL, iss.Claims.ExpiresAt.Sub(iss.Claims.IssuedAt.Time))

	_, err = a.ValidateManagement(ctx, iss.Token, PermView)
	require.NoError(t, err)
	_, err = a.ValidateManagement(ctx, iss.Token, PermView)
	require.NoError(t, err, "management tokens are not consumed")

	_, err = a.ValidateManagement(ctx, iss.Token, PermEdit)
	var fe domain.ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PermEdit, fe.Permission)

	all, err := a.IssueManagementToken(ctx, "e1", "o@example.com", nil, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, DefaultManagementPermissions, all.Claims.Permissions)
}

func TestRevokeStepTokens(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuthority()
	first, err := a.IssueStepToken(ctx, "e1", "s1", "v@example.com", time.Hour)
	require.NoError(t, err)
	second, err := a.IssueStepToken(ctx, "e1", "s1", "v@example.com", time.Hour)
	require.NoError(t, err)
	_, err = a.ValidateAndConsume(ctx, second.Token, PurposeStep)
	require.NoError(t, err)

	n, err := a.RevokeStepTokens(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = a.ValidateAndConsume(ctx, first.Token, PurposeStep)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueRejectsNonPositiveTTL(t *testing.T) {
	a, _ := newTestAuthority()
	_, err := a.IssueStepToken(context.Background(), "e1", "s1", "v@example.com", 0)
	var ve domain.ValidationError
	require.True(t, errors.As(err, &ve))
}
