package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit records inside the caller's transaction so a
// lifecycle transition and its trail commit or roll back together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Record writes one audit entry. before and after are snapshots of the
// object around the transition; nil means "no snapshot" (creates, deletes).
func (w Writer) Record(ctx context.Context, tx *sql.Tx, actorID, action, objectType, objectID string, before, after any) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	beforeJSON, err := snapshot(before)
	if err != nil {
		return fmt.Errorf("marshal before snapshot: %w", err)
	}
	afterJSON, err := snapshot(after)
	if err != nil {
		return fmt.Errorf("marshal after snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,action,object_type,object_id,actor_id,before_json,after_json) VALUES (?,?,?,?,?,?,?)`,
		ts, action, objectType, nullable(objectID), actorID, beforeJSON, afterJSON)
	return err
}

func snapshot(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
