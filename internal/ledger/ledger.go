// Package ledger is the append-only audit record of step completions. Each entry hashes the
// canonical JSON of its content together with the previous entry's hash for the same event.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"gitdone/internal/chain"
	"gitdone/internal/domain"
)

// GenesisHash is the PrevHash of the first entry of every event.
const GenesisHash = "genesis"

// ErrBrokenChain is returned by Verify when a stored entry does not match its recomputed hash.
var ErrBrokenChain = errors.New("ledger chain broken")

type Ledger struct {
	DB     *sql.DB
	Chain  chain.Store
	Logger *slog.Logger
}

type AppendInput struct {
	EventID     string
	StepID      string
	VendorEmail string
	Files       []string
	Comments    string
	At          time.Time
}

type hashed struct {
	EventID     string   `json:"event_id"`
	StepID      string   `json:"step_id"`
	VendorEmail string   `json:"vendor_email"`
	Timestamp   string   `json:"timestamp"`
	Files       []string `json:"files"`
	Comments    string   `json:"comments"`
	PrevHash    string   `json:"prev_hash"`
}

// Hash computes the entry hash for c from its content fields and PrevHash.
func Hash(c domain.Commit) (string, error) {
	files := c.Files
	if files == nil {
		files = []string{}
	}
	raw, err := json.Marshal(hashed{
		EventID:     c.EventID,
		StepID:      c.StepID,
		VendorEmail: c.VendorEmail,
		Timestamp:   domain.FormatTime(c.Timestamp),
		Files:       files,
		Comments:    c.Comments,
		PrevHash:    c.PrevHash,
	})
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Append records one completion inside the caller's transaction.
func (l Ledger) Append(ctx context.Context, tx *sql.Tx, in AppendInput) (domain.Commit, error) {
	prev := GenesisHash
	err := tx.QueryRowContext(ctx, `SELECT hash FROM commits WHERE event_id=? ORDER BY seq DESC LIMIT 1`, in.EventID).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return domain.Commit{}, fmt.Errorf("read previous entry: %w", err)
	}
	files := in.Files
	if files == nil {
		files = []string{}
	}
	c := domain.Commit{
		EventID:     in.EventID,
		StepID:      in.StepID,
		VendorEmail: in.VendorEmail,
		Timestamp:   in.At.UTC(),
		Files:       files,
		Comments:    in.Comments,
		PrevHash:    prev,
	}
	if c.Hash, err = Hash(c); err != nil {
		return domain.Commit{}, err
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return domain.Commit{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO commits(hash,event_id,step_id,vendor_email,ts,files_json,comments,prev_hash) VALUES (?,?,?,?,?,?,?,?)`,
		c.Hash, c.EventID, c.StepID, c.VendorEmail, domain.FormatTime(c.Timestamp), string(filesJSON), c.Comments, c.PrevHash)
	if err != nil {
		return domain.Commit{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return c, nil
}

// Mirror pushes c to the chained store and records the returned reference. Failures are
// logged and leave ExternalRef null.
func (l Ledger) Mirror(ctx context.Context, eventName, stepName string, c *domain.Commit) {
	if l.Chain == nil {
		return
	}
	log := l.logger().With("event_id", c.EventID, "step_id", c.StepID)
	if err := l.Chain.Init(ctx, c.EventID, eventName); err != nil {
		log.Warn("ledger mirror init failed", "err", err)
		return
	}
	ref, err := l.Chain.Commit(ctx, chain.Entry{
		EventID:     c.EventID,
		EventName:   eventName,
		StepID:      c.StepID,
		StepName:    stepName,
		VendorEmail: c.VendorEmail,
		Files:       c.Files,
		Comments:    c.Comments,
		Timestamp:   c.Timestamp,
		LedgerHash:  c.Hash,
	})
	if err != nil {
		log.Warn("ledger mirror commit failed", "err", err)
		return
	}
	if ref == "" {
		return
	}
	if _, err := l.DB.ExecContext(ctx, `UPDATE commits SET external_ref=? WHERE hash=? AND external_ref IS NULL`, ref, c.Hash); err != nil {
		log.Warn("record external ref failed", "err", err)
		return
	}
	c.ExternalRef = &ref
}

// ReadTimeline returns the event's entries ascending by timestamp, ties in insertion order.
func (l Ledger) ReadTimeline(ctx context.Context, eventID string) ([]domain.Commit, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT hash,event_id,step_id,vendor_email,ts,files_json,COALESCE(comments,''),prev_hash,external_ref FROM commits WHERE event_id=? ORDER BY ts ASC, seq ASC`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Commit{}
	for rows.Next() {
		var (
			c         domain.Commit
			ts, files string
			ext       sql.NullString
		)
		if err := rows.Scan(&c.Hash, &c.EventID, &c.StepID, &c.VendorEmail, &ts, &files, &c.Comments, &c.PrevHash, &ext); err != nil {
			return nil, err
		}
		if c.Timestamp, err = domain.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("parse ledger timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(files), &c.Files); err != nil {
			return nil, fmt.Errorf("decode ledger files: %w", err)
		}
		if ext.Valid {
			v := ext.String
			c.ExternalRef = &v
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// Verify walks the event's entries in insertion order and recomputes every hash and link.
func (l Ledger) Verify(ctx context.Context, eventID string) (int, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT hash,event_id,step_id,vendor_email,ts,files_json,COALESCE(comments,''),prev_hash FROM commits WHERE event_id=? ORDER BY seq ASC`, eventID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	prev := GenesisHash
	n := 0
	for rows.Next() {
		var (
			c         domain.Commit
			ts, files string
		)
		if err := rows.Scan(&c.Hash, &c.EventID, &c.StepID, &c.VendorEmail, &ts, &files, &c.Comments, &c.PrevHash); err != nil {
			return n, err
		}
		if c.Timestamp, err = domain.ParseTime(ts); err != nil {
			return n, err
		}
		if err := json.Unmarshal([]byte(files), &c.Files); err != nil {
			return n, err
		}
		if c.PrevHash != prev {
			return n, fmt.Errorf("%w: entry %d links to %s, want %s", ErrBrokenChain, n, c.PrevHash, prev)
		}
		want, err := Hash(c)
		if err != nil {
			return n, err
		}
		if want != c.Hash {
			return n, fmt.Errorf("%w: entry %d hash mismatch", ErrBrokenChain, n)
		}
		prev = c.Hash
		n++
	}
	return n, rows.Err()
}

func (l Ledger) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
