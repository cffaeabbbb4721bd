package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"gitdone/internal/domain"
	"gitdone/internal/tokens"
)

// TokenStore keeps token tracking records in the tokens table. Only hashes are stored.
type TokenStore struct {
	DB *sql.DB
}

func (s TokenStore) Insert(ctx context.Context, rec tokens.Record) error {
	if rec.Hash == "" {
		return errors.New("hash required")
	}
	perms := rec.Permissions
	if perms == nil {
		perms = []string{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO tokens(hash,purpose,event_id,step_id,vendor_email,owner_email,permissions_json,issued_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.Hash, string(rec.Purpose), rec.EventID, nullable(rec.StepID), nullable(rec.VendorEmail), nullable(rec.OwnerEmail),
		string(permsJSON), domain.FormatTime(rec.IssuedAt), domain.FormatTime(rec.ExpiresAt))
	return err
}

func (s TokenStore) Get(ctx context.Context, hash string) (tokens.Record, error) {
	var (
		rec                           tokens.Record
		purpose, perms                string
		issued, expires               string
		stepID, vendor, owner, usedAt sql.NullString
		used, revoked                 int
	)
	err := s.DB.QueryRowContext(ctx, `SELECT hash,purpose,event_id,step_id,vendor_email,owner_email,permissions_json,issued_at,expires_at,used,used_at,revoked FROM tokens WHERE hash=?`, hash).
		Scan(&rec.Hash, &purpose, &rec.EventID, &stepID, &vendor, &owner, &perms, &issued, &expires, &used, &usedAt, &revoked)
	if err == sql.ErrNoRows {
		return tokens.Record{}, tokens.ErrRecordNotFound
	}
	if err != nil {
		return tokens.Record{}, err
	}
	rec.Purpose = tokens.Purpose(purpose)
	rec.StepID = stepID.String
	rec.VendorEmail = vendor.String
	rec.OwnerEmail = owner.String
	rec.Used = used == 1
	rec.Revoked = revoked == 1
	if err := json.Unmarshal([]byte(perms), &rec.Permissions); err != nil {
		return tokens.Record{}, err
	}
	if rec.IssuedAt, err = domain.ParseTime(issued); err != nil {
		return tokens.Record{}, err
	}
	if rec.ExpiresAt, err = domain.ParseTime(expires); err != nil {
		return tokens.Record{}, err
	}
	if rec.UsedAt, err = parseNullTime(usedAt); err != nil {
		return tokens.Record{}, err
	}
	return rec, nil
}

// Consume is a compare-and-set on the used flag; the row count decides the winner.
func (s TokenStore) Consume(ctx context.Context, hash string, at time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE tokens SET used=1, used_at=? WHERE hash=? AND used=0 AND revoked=0`, domain.FormatTime(at), hash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s TokenStore) RevokeForStep(ctx context.Context, stepID string) (int, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE tokens SET revoked=1 WHERE step_id=? AND purpose=? AND used=0 AND revoked=0`, stepID, string(tokens.PurposeStep))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
