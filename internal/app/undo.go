package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethrdev/cognitive-memory-sub001/internal/audit"
	"github.com/ethrdev/cognitive-memory-sub001/internal/store"
)

// Undo reverses an executed resolution inside the retention window. A
// BILATERAL resolution takes a fresh bilateral confirmation round: the first
// caller's confirmation is recorded and the response reports
// CONFIRMATION_PENDING until the second principal confirms.
func (s *Service) Undo(ctx context.Context, proposalID, actor string) (map[string]any, error) {
	release, err := s.locker.Acquire(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	defer release()

	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Proposal not found", nil)
		}
		return nil, err
	}
	if proposal.Status != store.StatusApproved || proposal.Undone() {
		return nil, domainError(http.StatusConflict, "NOT_PENDING", "Proposal has no active resolution to undo", nil)
	}
	if !contains(proposal.RequiredApprovers, actor) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Principal is not a required approver", nil)
	}

	now := time.Now().UTC()
	if proposal.UndoDeadline == nil || now.After(*proposal.UndoDeadline) {
		return nil, domainError(http.StatusConflict, "RETENTION_EXPIRED", "Undo window has closed", nil)
	}

	// The original approvals are never reused: a bilateral undo collects its
	// own confirmation round.
	if proposal.ApprovalLevel == store.LevelBilateral {
		if err := s.store.RecordUndoConfirmation(ctx, proposalID, actor); err != nil {
			return nil, err
		}
		confirmations, err := s.store.ListUndoConfirmations(ctx, proposalID)
		if err != nil {
			return nil, err
		}
		if !fullUndoConfirmation(proposal.RequiredApprovers, confirmations) {
			s.audit.Record(ctx, audit.Event{
				Action:     audit.ActionConsent,
				ProposalID: proposalID,
				EdgeIDs:    proposal.AffectedEdgeIDs,
				Reason:     "undo confirmation recorded, second principal outstanding",
				Actor:      actor,
			})
			return map[string]any{
				"id":          proposalID,
				"undone":      false,
				"status":      "CONFIRMATION_PENDING",
				"confirmedBy": confirmationPrincipals(confirmations),
			}, nil
		}
	}

	if err := s.store.UndoResolution(ctx, store.UndoInput{ProposalID: proposalID, Actor: actor, Now: now}); err != nil {
		switch {
		case errors.Is(err, store.ErrRetentionExpired):
			return nil, domainError(http.StatusConflict, "RETENTION_EXPIRED", "Undo window has closed", nil)
		case errors.Is(err, store.ErrNotPending), errors.Is(err, store.ErrAlreadyUndone):
			return nil, domainError(http.StatusConflict, "NOT_PENDING", "Proposal has no active resolution to undo", nil)
		case errors.Is(err, store.ErrNotFound):
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Proposal not found", nil)
		}
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionUndo,
		ProposalID: proposalID,
		EdgeIDs:    proposal.AffectedEdgeIDs,
		Actor:      actor,
	})

	undone, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	s.indexProposal(undone)
	if resolution, err := s.store.GetResolutionByProposal(ctx, proposalID); err == nil {
		s.archiveOrphan(undone, resolution, actor, now)
		s.indexDecision(undone, resolution)
	}

	consents, _ := s.store.ListConsents(ctx, proposalID)
	detail := s.proposalDetail(ctx, undone, consents)
	detail["undone"] = true
	return detail, nil
}

func fullUndoConfirmation(required []string, confirmations []store.UndoConfirmation) bool {
	confirmed := make(map[string]bool, len(confirmations))
	for _, c := range confirmations {
		confirmed[c.Principal] = true
	}
	for _, principal := range required {
		if !confirmed[principal] {
			return false
		}
	}
	return true
}

func confirmationPrincipals(confirmations []store.UndoConfirmation) []string {
	names := make([]string, 0, len(confirmations))
	for _, c := range confirmations {
		names = append(names, c.Principal)
	}
	return names
}
