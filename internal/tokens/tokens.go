// Package tokens issues and validates the capability tokens that gate every step transition.
//
// A token is an HS256 JWT binding an event, a purpose and either a step+vendor or an
// owner+permission set. The signature proves the binding; a tracking record keyed by the
// token's sha256 hash adds single use and revocation.
package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gitdone/internal/clock"
	"gitdone/internal/domain"
)

type Purpose string

const (
	PurposeStep       Purpose = "step_completion"
	PurposeManagement Purpose = "event_management"
)

const (
	PermView          = "view"
	PermEdit          = "edit"
	PermAddSteps      = "add_steps"
	PermSendReminders = "send_reminders"
)

// DefaultManagementTTL is the lifetime of a management link.
const DefaultManagementTTL = 7 * 24 * time.Hour

var DefaultManagementPermissions = []string{PermView, PermEdit, PermAddSteps, PermSendReminders}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token expired")
	ErrAlreadyUsed  = errors.New("token already used")
)

// ErrRecordNotFound is returned by a Store when no tracking record exists for a hash.
var ErrRecordNotFound = errors.New("token record not found")

type Claims struct {
	Purpose     Purpose  `json:"purpose"`
	EventID     string   `json:"event_id"`
	StepID      string   `json:"step_id,omitempty"`
	VendorEmail string   `json:"vendor_email,omitempty"`
	OwnerEmail  string   `json:"owner_email,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Has reports whether the claims grant perm.
func (c Claims) Has(perm string) bool {
	return slices.Contains(c.Permissions, perm)
}

// Record is the server-side tracking row for an issued token.
type Record struct {
	Hash        string
	Purpose     Purpose
	EventID     string
	StepID      string
	VendorEmail string
	OwnerEmail  string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Used        bool
	UsedAt      *time.Time
	Revoked     bool
}

type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, hash string) (Record, error)
	// Consume flips used to true. It reports false when the record was already used or revoked.
	Consume(ctx context.Context, hash string, at time.Time) (bool, error)
	// RevokeForStep revokes every unused step token for stepID and returns how many were revoked.
	RevokeForStep(ctx context.Context, stepID string) (int, error)
}

// Issued is a freshly minted bearer string and its claims.
type Issued struct {
	Token  string
	Claims Claims
}

// Status is the read-only view of a token used by status endpoints.
type Status struct {
	Valid     bool      `json:"valid"`
	Used      bool      `json:"used"`
	Expired   bool      `json:"expired"`
	Purpose   Purpose   `json:"purpose,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type Authority struct {
	Secret []byte
	Store  Store
	Clock  clock.Clock
}

func New(secret string, store Store, clk clock.Clock) *Authority {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Authority{Secret: []byte(secret), Store: store, Clock: clk}
}

// Hash returns the sha256 hex digest under which a token's tracking record is stored.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

func (a *Authority) now() time.Time {
	if a.Clock == nil {
		return time.Now()
	}
	return a.Clock.Now()
}

// IssueStepToken mints a single-use completion token for one event, step and vendor.
func (a *Authority) IssueStepToken(ctx context.Context, eventID, stepID, vendor string, ttl time.Duration) (Issued, error) {
	if eventID == "" || stepID == "" || vendor == "" {
		return Issued{}, domain.ValidationError{Field: "token", Reason: "event, step and vendor are required"}
	}
	return a.issue(ctx, Claims{
		Purpose:     PurposeStep,
		EventID:     eventID,
		StepID:      stepID,
		VendorEmail: vendor,
	}, ttl)
}

// IssueManagementToken mints an owner token. Nil perms grants the default set.
func (a *Authority) IssueManagementToken(ctx context.Context, eventID, owner string, perms []string, ttl time.Duration) (Issued, error) {
	if eventID == "" || owner == "" {
		return Issued{}, domain.ValidationError{Field: "token", Reason: "event and owner are required"}
	}
	if perms == nil {
		perms = DefaultManagementPermissions
	}
	if ttl == 0 {
		ttl = DefaultManagementTTL
	}
	return a.issue(ctx, Claims{
		Purpose:     PurposeManagement,
		EventID:     eventID,
		OwnerEmail:  owner,
		Permissions: slices.Clone(perms),
	}, ttl)
}

func (a *Authority) issue(ctx context.Context, c Claims, ttl time.Duration) (Issued, error) {
	if ttl <= 0 {
		return Issued{}, domain.ValidationError{Field: "ttl", Reason: "must be positive"}
	}
	now := a.now().UTC()
	c.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.Secret)
	if err != nil {
		return Issued{}, fmt.Errorf("sign token: %w", err)
	}
	rec := Record{
		Hash:        Hash(signed),
		Purpose:     c.Purpose,
		EventID:     c.EventID,
		StepID:      c.StepID,
		VendorEmail: c.VendorEmail,
		OwnerEmail:  c.OwnerEmail,
		Permissions: c.Permissions,
		IssuedAt:    c.IssuedAt.Time,
		ExpiresAt:   c.ExpiresAt.Time,
	}
	if err := a.Store.Insert(ctx, rec); err != nil {
		return Issued{}, domain.TransientIOError{Op: "store token", Err: err}
	}
	return Issued{Token: signed, Claims: c}, nil
}

// Verify checks signature, expiry and purpose only. It never touches the tracking store.
func (a *Authority) Verify(token string, purpose Purpose) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	var c Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	_, err := parser.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpired
		}
		return Claims{}, ErrInvalidToken
	}
	if c.Purpose != purpose || c.EventID == "" {
		return Claims{}, ErrInvalidToken
	}
	if purpose == PurposeStep && (c.StepID == "" || c.VendorEmail == "") {
		return Claims{}, ErrInvalidToken
	}
	return c, nil
}

// Peek verifies the token and its tracking record without consuming it.
func (a *Authority) Peek(ctx context.Context, token string, purpose Purpose) (Claims, error) {
	c, err := a.Verify(token, purpose)
	if err != nil {
		return Claims{}, err
	}
	if _, err := a.checkRecord(ctx, token); err != nil {
		return Claims{}, err
	}
	return c, nil
}

func (a *Authority) checkRecord(ctx context.Context, token string) (Record, error) {
	rec, err := a.Store.Get(ctx, Hash(token))
	if errors.Is(err, ErrRecordNotFound) {
		return Record{}, ErrInvalidToken
	}
	if err != nil {
		return Record{}, domain.TransientIOError{Op: "load token", Err: err}
	}
	if rec.Revoked {
		return Record{}, ErrInvalidToken
	}
	if rec.Used {
		return Record{}, ErrAlreadyUsed
	}
	if !a.now().Before(rec.ExpiresAt) {
		return Record{}, ErrExpired
	}
	return rec, nil
}

// ValidateAndConsume verifies a token and atomically marks it used. Of two concurrent
// callers presenting the same token, exactly one succeeds; the other gets ErrAlreadyUsed.
func (a *Authority) ValidateAndConsume(ctx context.Context, token string, purpose Purpose) (Claims, error) {
	c, err := a.Peek(ctx, token, purpose)
	if err != nil {
		return Claims{}, err
	}
	ok, err := a.Store.Consume(ctx, Hash(token), a.now().UTC())
	if err != nil {
		return Claims{}, domain.TransientIOError{Op: "consume token", Err: err}
	}
	if !ok {
		return Claims{}, ErrAlreadyUsed
	}
	return c, nil
}

// ValidateManagement checks a management token and that it grants perm. It is not consumed.
func (a *Authority) ValidateManagement(ctx context.Context, token, perm string) (Claims, error) {
	c, err := a.Peek(ctx, token, PurposeManagement)
	if err != nil {
		return Claims{}, err
	}
	if perm != "" && !c.Has(perm) {
		return Claims{}, domain.ForbiddenError{Permission: perm}
	}
	return c, nil
}

// RevokeStepTokens invalidates every outstanding token for a step.
func (a *Authority) RevokeStepTokens(ctx context.Context, stepID string) (int, error) {
	n, err := a.Store.RevokeForStep(ctx, stepID)
	if err != nil {
		return 0, domain.TransientIOError{Op: "revoke tokens", Err: err}
	}
	return n, nil
}

// Inspect reports the status of a token without failing on expiry or use.
func (a *Authority) Inspect(ctx context.Context, token string, purpose Purpose) (Status, error) {
	c, err := a.Verify(token, purpose)
	switch {
	case errors.Is(err, ErrExpired):
		return Status{Expired: true, Purpose: purpose}, nil
	case err != nil:
		return Status{}, err
	}
	st := Status{Purpose: c.Purpose, EventID: c.EventID, StepID: c.StepID, ExpiresAt: c.ExpiresAt.Time}
	_, err = a.checkRecord(ctx, token)
	switch {
	case err == nil:
		st.Valid = true
	case errors.Is(err, ErrAlreadyUsed):
		st.Used = true
	case errors.Is(err, ErrExpired):
		st.Expired = true
	default:
		return Status{}, err
	}
	return st, nil
}
