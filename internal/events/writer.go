// Package events appends typed rows to the activity log inside the caller's transaction.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gitdone/internal/domain"
)

// Activity types written by the engine.
const (
	EventCreated         = "event.created"
	EventUpdated         = "event.updated"
	EventCompleted       = "event.completed"
	StepAdded            = "step.added"
	StepTriggered        = "step.triggered"
	StepCompleted        = "step.completed"
	StepTimedOut         = "step.timed_out"
	StepUpdated          = "step.updated"
	TokenIssued          = "token.issued"
	TokensRevoked        = "token.revoked"
	ManagementLinkIssued = "management.link_issued"
)

// ActorSystem is recorded for transitions driven by the scheduler.
const ActorSystem = "system"

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, eventID, entityKind, entityID, actor string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal activity payload: %w", err)
	}
	if actor == "" {
		actor = ActorSystem
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO activity(ts,type,event_id,entity_kind,entity_id,actor,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(eventID), entityKind, nullable(entityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
