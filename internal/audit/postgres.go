package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PgRecorder appends audit events to the audit_events table.
type PgRecorder struct {
	db *sql.DB
}

func NewPgRecorder(db *sql.DB) *PgRecorder {
	return &PgRecorder{db: db}
}

func (r *PgRecorder) Record(ctx context.Context, event Event) error {
	edgeIDs := event.EdgeIDs
	if edgeIDs == nil {
		edgeIDs = []string{}
	}
	encoded, err := json.Marshal(edgeIDs)
	if err != nil {
		return fmt.Errorf("marshal audit edge ids: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_events (action, proposal_id, edge_ids, blocked, reason, actor)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6)
	`, event.Action, event.ProposalID, string(encoded), event.Blocked, event.Reason, event.Actor)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByProposal returns audit history for one proposal, newest first.
func (r *PgRecorder) ListByProposal(ctx context.Context, proposalID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, action, proposal_id, edge_ids, blocked, reason, actor, created_at
		FROM audit_events
		WHERE proposal_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, proposalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0)
	for rows.Next() {
		var item Event
		var edgeIDsRaw []byte
		if err := rows.Scan(&item.ID, &item.Action, &item.ProposalID, &edgeIDsRaw, &item.Blocked, &item.Reason, &item.Actor, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		_ = json.Unmarshal(edgeIDsRaw, &item.EdgeIDs)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}
