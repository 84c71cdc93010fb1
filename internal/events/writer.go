package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends lifecycle events and audit entries inside the caller's
// transaction so they commit or roll back with the state change they record.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) ts() string {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// Append writes one lifecycle event row.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, shopID, entityKind, entityID, actorID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,shop_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		w.ts(), evtType, nullable(shopID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Audit writes one audit-log row keyed by entity type/id/action.
func (w Writer) Audit(ctx context.Context, tx *sql.Tx, entityType, entityID, action, actorType, actorID string, detail EventPayload) error {
	var detailJSON any
	if len(detail) > 0 {
		data, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detailJSON = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_logs(ts,entity_type,entity_id,action,actor_type,actor_id,detail_json) VALUES (?,?,?,?,?,?,?)`,
		w.ts(), entityType, entityID, action, actorType, actorID, detailJSON)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
