package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedProposal(t *testing.T, s *MemoryStore, id string, edgeIDs []string) {
	t.Helper()
	err := s.CreateProposal(context.Background(), Proposal{
		ID:              id,
		Trigger:         TriggerDissonance,
		ConflictKind:    ConflictContradiction,
		ActionKind:      ActionAnnotateContradiction,
		AffectedEdgeIDs: edgeIDs,
		Description:     "two statements disagree",
		ApprovalLevel:   LevelSingle,
	})
	if err != nil {
		t.Fatalf("CreateProposal() error = %v", err)
	}
}

func TestExecuteResolutionStampsProposalAndSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.InsertEdge(ctx, Edge{ID: "edge-a", SourceID: "self", TargetID: "t", Relation: "prefers", Annotation: "prior-note"}); err != nil {
		t.Fatalf("InsertEdge() error = %v", err)
	}
	seedProposal(t, s, "prop-1", []string{"edge-a"})

	now := time.Now().UTC()
	annotation := AnnotationContradiction
	snapshot, resolution, err := s.ExecuteResolution(ctx, ExecInput{
		ProposalID:   "prop-1",
		ResolutionID: "res-1",
		Actor:        "overseer",
		Mutations:    []EdgeMutation{{EdgeID: "edge-a", SetAnnotation: &annotation}},
		Now:          now,
		UndoDeadline: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("ExecuteResolution() error = %v", err)
	}
	if len(snapshot.Entries) != 1 || snapshot.Entries[0].Annotation != "prior-note" {
		t.Fatalf("snapshot must capture pre-mutation state, got %+v", snapshot.Entries)
	}
	if resolution.ID != "res-1" || resolution.Kind != ConflictContradiction {
		t.Fatalf("unexpected resolution %+v", resolution)
	}

	proposal, err := s.GetProposal(ctx, "prop-1")
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if proposal.Status != StatusApproved || proposal.ResolvedBy != "overseer" || proposal.UndoDeadline == nil {
		t.Fatalf("proposal not stamped: %+v", proposal)
	}
	edge, _ := s.GetEdge(ctx, "edge-a")
	if edge.Annotation != annotation {
		t.Fatalf("expected annotation applied, got %q", edge.Annotation)
	}

	// A second execution hits the status guard.
	_, _, err = s.ExecuteResolution(ctx, ExecInput{ProposalID: "prop-1", ResolutionID: "res-2", Now: now, UndoDeadline: now.Add(time.Hour)})
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestExecuteResolutionFailsWholeOnMissingEdge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.InsertEdge(ctx, Edge{ID: "edge-a", SourceID: "self", TargetID: "t", Relation: "prefers"}); err != nil {
		t.Fatalf("InsertEdge() error = %v", err)
	}
	seedProposal(t, s, "prop-1", []string{"edge-a", "edge-missing"})

	annotation := AnnotationContradiction
	now := time.Now().UTC()
	_, _, err := s.ExecuteResolution(ctx, ExecInput{
		ProposalID:   "prop-1",
		ResolutionID: "res-1",
		Mutations: []EdgeMutation{
			{EdgeID: "edge-a", SetAnnotation: &annotation},
			{EdgeID: "edge-missing", SetAnnotation: &annotation},
		},
		Now:          now,
		UndoDeadline: now.Add(time.Hour),
	})
	if !errors.Is(err, ErrEdgeNotFound) {
		t.Fatalf("expected ErrEdgeNotFound, got %v", err)
	}

	// Nothing may have been touched.
	proposal, _ := s.GetProposal(ctx, "prop-1")
	if proposal.Status != StatusPending {
		t.Fatalf("failed execution must leave proposal pending, got %s", proposal.Status)
	}
	edge, _ := s.GetEdge(ctx, "edge-a")
	if edge.Annotation != "" {
		t.Fatalf("failed execution must leave edges untouched, got %q", edge.Annotation)
	}
	if _, err := s.GetResolutionByProposal(ctx, "prop-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no resolution recorded, got %v", err)
	}
}

func TestUndoResolutionEnforcesDeadlineAndRestores(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.InsertEdge(ctx, Edge{ID: "edge-a", SourceID: "self", TargetID: "t", Relation: "prefers"}); err != nil {
		t.Fatalf("InsertEdge() error = %v", err)
	}
	seedProposal(t, s, "prop-1", []string{"edge-a"})

	now := time.Now().UTC()
	annotation := AnnotationContradiction
	if _, _, err := s.ExecuteResolution(ctx, ExecInput{
		ProposalID:   "prop-1",
		ResolutionID: "res-1",
		Actor:        "overseer",
		Mutations:    []EdgeMutation{{EdgeID: "edge-a", SetAnnotation: &annotation}},
		Now:          now,
		UndoDeadline: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("ExecuteResolution() error = %v", err)
	}

	// Past the deadline the undo is refused.
	err := s.UndoResolution(ctx, UndoInput{ProposalID: "prop-1", Actor: "overseer", Now: now.Add(2 * time.Hour)})
	if !errors.Is(err, ErrRetentionExpired) {
		t.Fatalf("expected ErrRetentionExpired, got %v", err)
	}

	// Inside the window it restores the snapshot.
	if err := s.UndoResolution(ctx, UndoInput{ProposalID: "prop-1", Actor: "overseer", Now: now.Add(time.Minute)}); err != nil {
		t.Fatalf("UndoResolution() error = %v", err)
	}
	edge, _ := s.GetEdge(ctx, "edge-a")
	if edge.Annotation != "" {
		t.Fatalf("expected annotation restored, got %q", edge.Annotation)
	}
	resolution, err := s.GetResolutionByProposal(ctx, "prop-1")
	if err != nil {
		t.Fatalf("GetResolutionByProposal() error = %v", err)
	}
	if !resolution.Orphaned {
		t.Fatalf("expected orphaned resolution")
	}

	err = s.UndoResolution(ctx, UndoInput{ProposalID: "prop-1", Actor: "overseer", Now: now.Add(time.Minute)})
	if !errors.Is(err, ErrAlreadyUndone) {
		t.Fatalf("expected ErrAlreadyUndone, got %v", err)
	}
}

func TestUndoResolutionSupersedesCreatedEdge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.CreateProposal(ctx, Proposal{
		ID:            "prop-1",
		Trigger:       TriggerProactive,
		ConflictKind:  ConflictEvolution,
		ActionKind:    ActionCreateEdge,
		Description:   "relation missing from graph",
		ApprovalLevel: LevelSingle,
	}); err != nil {
		t.Fatalf("CreateProposal() error = %v", err)
	}

	now := time.Now().UTC()
	if _, _, err := s.ExecuteResolution(ctx, ExecInput{
		ProposalID:   "prop-1",
		ResolutionID: "res-1",
		Actor:        "overseer",
		CreateEdge:   &Edge{ID: "edge-new", SourceID: "self", TargetID: "t", Relation: "prefers"},
		Now:          now,
		UndoDeadline: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("ExecuteResolution() error = %v", err)
	}

	if err := s.UndoResolution(ctx, UndoInput{ProposalID: "prop-1", Actor: "overseer", Now: now.Add(time.Minute)}); err != nil {
		t.Fatalf("UndoResolution() error = %v", err)
	}
	edge, err := s.GetEdge(ctx, "edge-new")
	if err != nil || edge == nil {
		t.Fatalf("created edge must survive the undo, got %v, %v", edge, err)
	}
	if !edge.Superseded {
		t.Fatalf("expected created edge marked superseded")
	}
}

func TestRejectProposalOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedProposal(t, s, "prop-1", []string{"edge-a"})

	now := time.Now().UTC()
	if err := s.RejectProposal(ctx, "prop-1", "no real conflict", "overseer", now); err != nil {
		t.Fatalf("RejectProposal() error = %v", err)
	}
	if err := s.RejectProposal(ctx, "prop-1", "again", "overseer", now); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on second reject, got %v", err)
	}
	proposal, _ := s.GetProposal(ctx, "prop-1")
	if proposal.Status != StatusRejected || proposal.RejectReason != "no real conflict" {
		t.Fatalf("unexpected rejected proposal %+v", proposal)
	}
}
