package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethrdev/cognitive-memory-sub001/internal/audit"
	"github.com/ethrdev/cognitive-memory-sub001/internal/store"
)

// Approve records one principal's consent. When the recorded consents cover
// every required approver, the resolution executes and the proposal flips to
// APPROVED inside the same store transaction. The whole path runs under the
// per-proposal lock so concurrent bilateral approvals execute at most once.
func (s *Service) Approve(ctx context.Context, proposalID, actor string) (map[string]any, error) {
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
	if proposal.Status != store.StatusPending {
		return nil, domainError(http.StatusConflict, "NOT_PENDING", "Proposal is no longer pending", nil)
	}
	if !contains(proposal.RequiredApprovers, actor) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Principal is not a required approver", nil)
	}

	// Idempotent: a repeated approval by the same principal is a no-op.
	if err := s.store.RecordConsent(ctx, proposalID, actor); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionConsent,
		ProposalID: proposalID,
		EdgeIDs:    proposal.AffectedEdgeIDs,
		Actor:      actor,
	})

	consents, err := s.store.ListConsents(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if !fullConsent(proposal.RequiredApprovers, consents) {
		detail := s.proposalDetail(ctx, proposal, consents)
		detail["executed"] = false
		return detail, nil
	}

	mutations, createEdge, err := s.buildPlan(ctx, proposal)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	snapshot, resolution, execErr := s.store.ExecuteResolution(ctx, store.ExecInput{
		ProposalID:   proposalID,
		ResolutionID: newResolutionID(),
		Actor:        actor,
		Mutations:    mutations,
		CreateEdge:   createEdge,
		Now:          now,
		UndoDeadline: now.Add(s.cfg.Retention),
	})
	if execErr != nil {
		// The transaction rolled back; the proposal stays PENDING and the
		// caller may retry.
		if errors.Is(execErr, store.ErrNotPending) {
			return nil, domainError(http.StatusConflict, "NOT_PENDING", "Proposal is no longer pending", nil)
		}
		return nil, domainError(http.StatusBadGateway, "EXECUTION_ERROR", "Graph mutation failed, proposal stays pending", execErr.Error())
	}

	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionExecute,
		ProposalID: proposalID,
		EdgeIDs:    resolution.EdgeIDs,
		Actor:      actor,
	})

	executed, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	s.archiveResolution(executed, resolution, snapshot, actor)
	s.indexProposal(executed)
	s.indexDecision(executed, resolution)

	detail := s.proposalDetail(ctx, executed, consents)
	detail["executed"] = true
	return detail, nil
}

// Reject transitions a pending proposal to REJECTED and stores the reason.
func (s *Service) Reject(ctx context.Context, proposalID, reason, actor string) (map[string]any, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reason is required", nil)
	}

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
	if !contains(proposal.RequiredApprovers, actor) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Principal is not a required approver", nil)
	}

	if err := s.store.RejectProposal(ctx, proposalID, reason, actor, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			return nil, domainError(http.StatusConflict, "NOT_PENDING", "Proposal is no longer pending", nil)
		}
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Action:     audit.ActionReject,
		ProposalID: proposalID,
		EdgeIDs:    proposal.AffectedEdgeIDs,
		Reason:     reason,
		Actor:      actor,
	})

	rejected, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	s.indexProposal(rejected)
	return s.proposalDetail(ctx, rejected, nil), nil
}

func fullConsent(required []string, consents []store.Consent) bool {
	granted := make(map[string]bool, len(consents))
	for _, c := range consents {
		granted[c.Principal] = true
	}
	for _, principal := range required {
		if !granted[principal] {
			return false
		}
	}
	return true
}
