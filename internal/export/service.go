package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethrdev/cognitive-memory-sub001/internal/audit"
	"github.com/ethrdev/cognitive-memory-sub001/internal/store"
)

// DossierStore is the slice of storage the exporter reads from.
type DossierStore interface {
	GetProposal(ctx context.Context, proposalID string) (store.Proposal, error)
	ListConsents(ctx context.Context, proposalID string) ([]store.Consent, error)
	GetResolutionByProposal(ctx context.Context, proposalID string) (store.Resolution, error)
}

// AuditLister lists audit trail rows for a proposal. May be nil; the
// dossier then omits the audit section.
type AuditLister interface {
	ListByProposal(ctx context.Context, proposalID string, limit int) ([]audit.Event, error)
}

// Service renders proposal dossiers.
type Service struct {
	store DossierStore
	audit AuditLister
}

func NewService(store DossierStore, audit AuditLister) *Service {
	return &Service{store: store, audit: audit}
}

// ExportProposal renders the full dossier for one proposal as a PDF.
func (s *Service) ExportProposal(ctx context.Context, proposalID string) (*Result, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}

	data := TemplateData{
		ProposalID:    proposal.ID,
		Trigger:       proposal.Trigger,
		ConflictKind:  proposal.ConflictKind,
		ActionKind:    proposal.ActionKind,
		ApprovalLevel: proposal.ApprovalLevel,
		Status:        proposal.Status,
		Description:   proposal.Description,
		Reasoning:     proposal.Reasoning,
		EdgeIDs:       proposal.AffectedEdgeIDs,
		Warnings:      proposal.EdgeWarnings,
		RejectReason:  proposal.RejectReason,
		CreatedAt:     proposal.CreatedAt,
	}

	consents, err := s.store.ListConsents(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list consents: %w", err)
	}
	for _, c := range consents {
		data.Consents = append(data.Consents, TemplateConsent{
			Principal: c.Principal,
			GrantedAt: c.GrantedAt,
		})
	}

	resolution, err := s.store.GetResolutionByProposal(ctx, proposalID)
	switch {
	case err == nil:
		data.Resolution = &TemplateResolution{
			ID:           resolution.ID,
			Kind:         resolution.Kind,
			ResolvedBy:   resolution.ResolvedBy,
			CreatedAt:    resolution.CreatedAt,
			Orphaned:     resolution.Orphaned,
			OrphanedAt:   resolution.OrphanedAt,
			UndoDeadline: proposal.UndoDeadline,
		}
	case errors.Is(err, store.ErrNotFound):
		// No resolution yet; the dossier covers a pending or rejected proposal.
	default:
		return nil, fmt.Errorf("get resolution: %w", err)
	}

	if len(proposal.Snapshot) > 0 {
		var snapshot store.Snapshot
		if err := json.Unmarshal(proposal.Snapshot, &snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		for _, entry := range snapshot.Entries {
			data.Snapshot = append(data.Snapshot, TemplateSnapshotEntry{
				EdgeID:     entry.EdgeID,
				Existed:    entry.Existed,
				Superseded: entry.Superseded,
				Annotation: entry.Annotation,
			})
		}
	}

	if s.audit != nil {
		events, err := s.audit.ListByProposal(ctx, proposalID, 100)
		if err == nil {
			for _, event := range events {
				data.Audit = append(data.Audit, TemplateAuditEvent{
					Action:    event.Action,
					Actor:     event.Actor,
					Blocked:   event.Blocked,
					Reason:    event.Reason,
					CreatedAt: event.CreatedAt,
				})
			}
		}
	}

	html, err := RenderDossierHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	return exportPDF(html, "proposal-"+proposal.ID)
}
