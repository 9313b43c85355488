package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event-log row inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendHistory writes the next sequenced audit row for a WIR inside the
// caller's transaction. The MAX(seq)+1 read shares the transaction, so two
// concurrent transitions cannot allocate the same sequence.
func (w Writer) AppendHistory(ctx context.Context, tx *sql.Tx, wirID, action, actorID, fromStatus, toStatus, notes string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM wir_history WHERE wir_id=?`, wirID).Scan(&seq); err != nil {
		return fmt.Errorf("next history seq: %w", err)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO wir_history(wir_id,seq,ts,action,actor_id,from_status,to_status,notes) VALUES (?,?,?,?,?,?,?,?)`,
		wirID, seq, ts, action, actorID, nullable(fromStatus), nullable(toStatus), nullable(notes))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
