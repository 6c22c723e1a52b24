package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- edges ----

func (s *PostgresStore) GetEdge(ctx context.Context, edgeID string) (*Edge, error) {
	var item Edge
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, target_id, relation, constitutive, superseded, annotation, created_at, updated_at
		FROM edges
		WHERE id=$1
	`, edgeID).Scan(
		&item.ID,
		&item.SourceID,
		&item.TargetID,
		&item.Relation,
		&item.Constitutive,
		&item.Superseded,
		&item.Annotation,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get edge: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) InsertEdge(ctx context.Context, item Edge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (id, source_id, target_id, relation, constitutive, superseded, annotation)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.SourceID, item.TargetID, item.Relation, item.Constitutive, item.Superseded, item.Annotation)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

// ---- proposals ----

const proposalColumns = `
	id, trigger_kind, conflict_kind, action_kind, affected_edge_ids, older_edge_id,
	new_edge, description, reasoning, edge_warnings, approval_level, required_approvers,
	status, reject_reason, created_at, resolved_at, resolved_by, snapshot,
	undo_deadline, undone_at, undone_by
`

func (s *PostgresStore) CreateProposal(ctx context.Context, item Proposal) error {
	affected, err := encodeStrings(item.AffectedEdgeIDs)
	if err != nil {
		return fmt.Errorf("marshal affected edge ids: %w", err)
	}
	warnings, err := encodeStrings(item.EdgeWarnings)
	if err != nil {
		return fmt.Errorf("marshal edge warnings: %w", err)
	}
	approvers, err := encodeStrings(item.RequiredApprovers)
	if err != nil {
		return fmt.Errorf("marshal required approvers: %w", err)
	}
	var newEdge any
	if item.NewEdge != nil {
		encoded, err := json.Marshal(item.NewEdge)
		if err != nil {
			return fmt.Errorf("marshal new edge: %w", err)
		}
		newEdge = string(encoded)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals (
			id, trigger_kind, conflict_kind, action_kind, affected_edge_ids, older_edge_id,
			new_edge, description, reasoning, edge_warnings, approval_level, required_approvers, status
		)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7::jsonb, $8, $9, $10::jsonb, $11, $12::jsonb, $13)
	`, item.ID, item.Trigger, item.ConflictKind, item.ActionKind, affected, item.OlderEdgeID,
		newEdge, item.Description, item.Reasoning, warnings, item.ApprovalLevel, approvers, StatusPending)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, proposalID)
	item, err := scanProposal(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, ErrNotFound
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, status string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		item, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RejectProposal(ctx context.Context, proposalID, reason, actor string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status=$2, reject_reason=$3, resolved_at=$4, resolved_by=$5
		WHERE id=$1 AND status=$6
	`, proposalID, StatusRejected, reason, now, actor, StatusPending)
	if err != nil {
		return fmt.Errorf("reject proposal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reject proposal result: %w", err)
	}
	if affected == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *PostgresStore) SummaryCounts(ctx context.Context) (pending, approved, rejected, undone int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'PENDING'),
			count(*) FILTER (WHERE status = 'APPROVED' AND undone_at IS NULL),
			count(*) FILTER (WHERE status = 'REJECTED'),
			count(*) FILTER (WHERE undone_at IS NOT NULL)
		FROM proposals
	`).Scan(&pending, &approved, &rejected, &undone)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("summary counts: %w", err)
	}
	return pending, approved, rejected, undone, nil
}

// ---- consents ----

func (s *PostgresStore) RecordConsent(ctx context.Context, proposalID, principal string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposal_consents (proposal_id, principal)
		VALUES ($1, $2)
		ON CONFLICT (proposal_id, principal) DO NOTHING
	`, proposalID, principal)
	if err != nil {
		return fmt.Errorf("record consent: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConsents(ctx context.Context, proposalID string) ([]Consent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT proposal_id, principal, granted_at
		FROM proposal_consents
		WHERE proposal_id=$1
		ORDER BY granted_at
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list consents: %w", err)
	}
	defer rows.Close()

	items := make([]Consent, 0)
	for rows.Next() {
		var item Consent
		if err := rows.Scan(&item.ProposalID, &item.Principal, &item.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consents: %w", err)
	}
	return items, nil
}

// ---- undo confirmations ----

func (s *PostgresStore) RecordUndoConfirmation(ctx context.Context, proposalID, principal string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO undo_confirmations (proposal_id, principal)
		VALUES ($1, $2)
		ON CONFLICT (proposal_id, principal) DO NOTHING
	`, proposalID, principal)
	if err != nil {
		return fmt.Errorf("record undo confirmation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUndoConfirmations(ctx context.Context, proposalID string) ([]UndoConfirmation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT proposal_id, principal, confirmed_at
		FROM undo_confirmations
		WHERE proposal_id=$1
		ORDER BY confirmed_at
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list undo confirmations: %w", err)
	}
	defer rows.Close()

	items := make([]UndoConfirmation, 0)
	for rows.Next() {
		var item UndoConfirmation
		if err := rows.Scan(&item.ProposalID, &item.Principal, &item.ConfirmedAt); err != nil {
			return nil, fmt.Errorf("scan undo confirmation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate undo confirmations: %w", err)
	}
	return items, nil
}

// ---- resolutions ----

func (s *PostgresStore) GetResolutionByProposal(ctx context.Context, proposalID string) (Resolution, error) {
	var item Resolution
	var edgeIDsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, kind, edge_ids, resolved_by, created_at, orphaned, orphaned_at
		FROM resolutions
		WHERE proposal_id=$1
	`, proposalID).Scan(
		&item.ID,
		&item.ProposalID,
		&item.Kind,
		&edgeIDsRaw,
		&item.ResolvedBy,
		&item.CreatedAt,
		&item.Orphaned,
		&item.OrphanedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Resolution{}, ErrNotFound
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("get resolution: %w", err)
	}
	_ = json.Unmarshal(edgeIDsRaw, &item.EdgeIDs)
	return item, nil
}

// ---- transactional execution ----

// ExecuteResolution applies an approved mutation as one transaction: the
// proposal row is locked and re-checked, affected edges are snapshotted and
// mutated, the resolution record is inserted, and the proposal transitions to
// APPROVED with snapshot and undo deadline stamped. Any failure rolls back
// everything and leaves the proposal PENDING.
func (s *PostgresStore) ExecuteResolution(ctx context.Context, input ExecInput) (Snapshot, Resolution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, Resolution{}, fmt.Errorf("begin resolution tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM proposals WHERE id=$1 FOR UPDATE`, input.ProposalID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, Resolution{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, Resolution{}, fmt.Errorf("lock proposal: %w", err)
	}
	if status != StatusPending {
		return Snapshot{}, Resolution{}, ErrNotPending
	}

	snapshot := Snapshot{TakenAt: input.Now}
	edgeIDs := make([]string, 0, len(input.Mutations)+1)

	if input.CreateEdge != nil {
		snapshot.Entries = append(snapshot.Entries, SnapshotEntry{
			EdgeID:  input.CreateEdge.ID,
			Existed: false,
		})
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO edges (id, source_id, target_id, relation, constitutive)
			VALUES ($1, $2, $3, $4, $5)
		`, input.CreateEdge.ID, input.CreateEdge.SourceID, input.CreateEdge.TargetID,
			input.CreateEdge.Relation, input.CreateEdge.Constitutive); err != nil {
			return Snapshot{}, Resolution{}, fmt.Errorf("create edge: %w", err)
		}
		edgeIDs = append(edgeIDs, input.CreateEdge.ID)
	}

	for _, mutation := range input.Mutations {
		var prior EdgeFlags
		err := tx.QueryRowContext(ctx, `
			SELECT superseded, annotation FROM edges WHERE id=$1 FOR UPDATE
		`, mutation.EdgeID).Scan(&prior.Superseded, &prior.Annotation)
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, Resolution{}, fmt.Errorf("%w: %s", ErrEdgeNotFound, mutation.EdgeID)
		}
		if err != nil {
			return Snapshot{}, Resolution{}, fmt.Errorf("lock edge %s: %w", mutation.EdgeID, err)
		}
		snapshot.Entries = append(snapshot.Entries, SnapshotEntry{
			EdgeID:     mutation.EdgeID,
			Existed:    true,
			Superseded: prior.Superseded,
			Annotation: prior.Annotation,
		})

		next := prior
		if mutation.SetSuperseded != nil {
			next.Superseded = *mutation.SetSuperseded
		}
		if mutation.SetAnnotation != nil {
			next.Annotation = *mutation.SetAnnotation
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE edges SET superseded=$2, annotation=$3, updated_at=$4 WHERE id=$1
		`, mutation.EdgeID, next.Superseded, next.Annotation, input.Now); err != nil {
			return Snapshot{}, Resolution{}, fmt.Errorf("mutate edge %s: %w", mutation.EdgeID, err)
		}
		edgeIDs = append(edgeIDs, mutation.EdgeID)
	}

	encodedEdgeIDs, err := encodeStrings(edgeIDs)
	if err != nil {
		return Snapshot{}, Resolution{}, fmt.Errorf("marshal resolution edge ids: %w", err)
	}
	resolution := Resolution{
		ID:         input.ResolutionID,
		ProposalID: input.ProposalID,
		EdgeIDs:    edgeIDs,
		ResolvedBy: input.Actor,
		CreatedAt:  input.Now,
	}
	var kind string
	if err := tx.QueryRowContext(ctx, `SELECT conflict_kind FROM proposals WHERE id=$1`, input.ProposalID).Scan(&kind); err != nil {
		return Snapshot{}, Resolution{}, fmt.Errorf("read conflict kind: %w", err)
	}
	resolution.Kind = kind
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO resolutions (id, proposal_id, kind, edge_ids, resolved_by, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
	`, resolution.ID, resolution.ProposalID, resolution.Kind, encodedEdgeIDs, resolution.ResolvedBy, resolution.CreatedAt); err != nil {
		return Snapshot{}, Resolution{}, fmt.Errorf("insert resolution: %w", err)
	}

	encodedSnapshot, err := json.Marshal(snapshot)
	if err != nil {
		return Snapshot{}, Resolution{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE proposals
		SET status=$2, snapshot=$3::jsonb, resolved_at=$4, resolved_by=$5, undo_deadline=$6
		WHERE id=$1
	`, input.ProposalID, StatusApproved, string(encodedSnapshot), input.Now, input.Actor, input.UndoDeadline); err != nil {
		return Snapshot{}, Resolution{}, fmt.Errorf("approve proposal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Snapshot{}, Resolution{}, fmt.Errorf("commit resolution tx: %w", err)
	}
	return snapshot, resolution, nil
}

// UndoResolution restores the pre-mutation snapshot as one transaction:
// retention is re-checked under the row lock, edge flags are restored exactly,
// the resolution record is orphaned and the proposal stamped undone. Edges the
// resolution created are marked superseded rather than deleted.
func (s *PostgresStore) UndoResolution(ctx context.Context, input UndoInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin undo tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status       string
		snapshotRaw  []byte
		undoDeadline *time.Time
		undoneAt     *time.Time
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, snapshot, undo_deadline, undone_at FROM proposals WHERE id=$1 FOR UPDATE
	`, input.ProposalID).Scan(&status, &snapshotRaw, &undoDeadline, &undoneAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock proposal: %w", err)
	}
	if status != StatusApproved {
		return ErrNotPending
	}
	if undoneAt != nil {
		return ErrAlreadyUndone
	}
	if undoDeadline == nil || input.Now.After(*undoDeadline) {
		return ErrRetentionExpired
	}

	var snapshot Snapshot
	if err := json.Unmarshal(snapshotRaw, &snapshot); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	for _, entry := range snapshot.Entries {
		if entry.Existed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE edges SET superseded=$2, annotation=$3, updated_at=$4 WHERE id=$1
			`, entry.EdgeID, entry.Superseded, entry.Annotation, input.Now); err != nil {
				return fmt.Errorf("restore edge %s: %w", entry.EdgeID, err)
			}
			continue
		}
		// The resolution created this edge; supersede it instead of deleting.
		if _, err := tx.ExecContext(ctx, `
			UPDATE edges SET superseded=TRUE, updated_at=$2 WHERE id=$1
		`, entry.EdgeID, input.Now); err != nil {
			return fmt.Errorf("supersede created edge %s: %w", entry.EdgeID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE resolutions SET orphaned=TRUE, orphaned_at=$2 WHERE proposal_id=$1
	`, input.ProposalID, input.Now); err != nil {
		return fmt.Errorf("orphan resolution: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE proposals SET undone_at=$2, undone_by=$3 WHERE id=$1
	`, input.ProposalID, input.Now, input.Actor); err != nil {
		return fmt.Errorf("mark proposal undone: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit undo tx: %w", err)
	}
	return nil
}

// ---- principals ----

func (s *PostgresStore) EnsurePrincipal(ctx context.Context, name, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (name, password_hash)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`, name, passwordHash)
	if err != nil {
		return fmt.Errorf("ensure principal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, name string) (Principal, error) {
	var item Principal
	err := s.db.QueryRowContext(ctx, `
		SELECT name, password_hash, created_at FROM principals WHERE name=$1
	`, name).Scan(&item.Name, &item.PasswordHash, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, ErrNotFound
	}
	if err != nil {
		return Principal{}, fmt.Errorf("get principal: %w", err)
	}
	return item, nil
}

// ---- helpers ----

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func scanProposal(scan func(...any) error) (Proposal, error) {
	var (
		item         Proposal
		affectedRaw  []byte
		newEdgeRaw   []byte
		warningsRaw  []byte
		approversRaw []byte
		snapshotRaw  []byte
	)
	err := scan(
		&item.ID,
		&item.Trigger,
		&item.ConflictKind,
		&item.ActionKind,
		&affectedRaw,
		&item.OlderEdgeID,
		&newEdgeRaw,
		&item.Description,
		&item.Reasoning,
		&warningsRaw,
		&item.ApprovalLevel,
		&approversRaw,
		&item.Status,
		&item.RejectReason,
		&item.CreatedAt,
		&item.ResolvedAt,
		&item.ResolvedBy,
		&snapshotRaw,
		&item.UndoDeadline,
		&item.UndoneAt,
		&item.UndoneBy,
	)
	if err != nil {
		return Proposal{}, err
	}
	_ = json.Unmarshal(affectedRaw, &item.AffectedEdgeIDs)
	_ = json.Unmarshal(warningsRaw, &item.EdgeWarnings)
	_ = json.Unmarshal(approversRaw, &item.RequiredApprovers)
	if len(newEdgeRaw) > 0 {
		var spec NewEdgeSpec
		if err := json.Unmarshal(newEdgeRaw, &spec); err == nil {
			item.NewEdge = &spec
		}
	}
	if len(snapshotRaw) > 0 {
		item.Snapshot = json.RawMessage(snapshotRaw)
	}
	return item, nil
}
