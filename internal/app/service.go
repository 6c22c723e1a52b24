package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/ethrdev/cognitive-memory-sub001/internal/archive"
	"github.com/ethrdev/cognitive-memory-sub001/internal/audit"
	"github.com/ethrdev/cognitive-memory-sub001/internal/auth"
	"github.com/ethrdev/cognitive-memory-sub001/internal/config"
	"github.com/ethrdev/cognitive-memory-sub001/internal/locks"
	"github.com/ethrdev/cognitive-memory-sub001/internal/neutrality"
	"github.com/ethrdev/cognitive-memory-sub001/internal/safeguard"
	"github.com/ethrdev/cognitive-memory-sub001/internal/search"
	"github.com/ethrdev/cognitive-memory-sub001/internal/store"
)

type dataStore interface {
	Ping(ctx context.Context) error
	GetEdge(context.Context, string) (*store.Edge, error)
	InsertEdge(context.Context, store.Edge) error
	CreateProposal(context.Context, store.Proposal) error
	GetProposal(context.Context, string) (store.Proposal, error)
	ListProposals(context.Context, string) ([]store.Proposal, error)
	RejectProposal(ctx context.Context, proposalID, reason, actor string, now time.Time) error
	SummaryCounts(context.Context) (pending, approved, rejected, undone int, err error)
	RecordConsent(ctx context.Context, proposalID, principal string) error
	ListConsents(context.Context, string) ([]store.Consent, error)
	RecordUndoConfirmation(ctx context.Context, proposalID, principal string) error
	ListUndoConfirmations(context.Context, string) ([]store.UndoConfirmation, error)
	GetResolutionByProposal(context.Context, string) (store.Resolution, error)
	ExecuteResolution(context.Context, store.ExecInput) (store.Snapshot, store.Resolution, error)
	UndoResolution(context.Context, store.UndoInput) error
}

// neutralityValidator is the framing check. The production implementation is
// the classifier-with-lexicon-fallback composite; it never surfaces
// classifier unavailability as an error.
type neutralityValidator interface {
	Validate(ctx context.Context, text string) (neutrality.Verdict, error)
}

// searchIndex receives fire-and-forget index updates and serves queries.
type searchIndex interface {
	Search(q search.Query) search.Response
	IndexProposal(record search.ProposalRecord)
	IndexDecision(record search.DecisionRecord)
}

// snapshotArchive keeps the out-of-band git ledger of executed resolutions.
type snapshotArchive interface {
	RecordResolution(entry archive.Entry, author string) (archive.CommitInfo, error)
	RecordOrphaned(entry archive.Entry, author string) (archive.CommitInfo, error)
}

type Service struct {
	cfg        config.Config
	store      dataStore
	policy     *safeguard.Policy
	neutrality neutralityValidator
	locker     locks.Locker
	audit      *audit.BestEffort
	auth       *auth.Service

	// Optional collaborators; nil disables the feature.
	search  searchIndex
	archive snapshotArchive
}

func New(cfg config.Config, dataStore dataStore, policy *safeguard.Policy, validator neutralityValidator, locker locks.Locker, recorder *audit.BestEffort, authService *auth.Service) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		policy:     policy,
		neutrality: validator,
		locker:     locker,
		audit:      recorder,
		auth:       authService,
	}
}

// WithSearch attaches the governance search service.
func (s *Service) WithSearch(index searchIndex) *Service {
	s.search = index
	return s
}

// WithArchive attaches the git snapshot archive.
func (s *Service) WithArchive(ledger snapshotArchive) *Service {
	s.archive = ledger
	return s
}

// Bootstrap provisions the two consent principals and, on an empty graph,
// seeds a handful of edges so the builder has something to work against in
// development.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.auth.Bootstrap(ctx, s.cfg.AgentPrincipal, s.cfg.AgentPassword); err != nil {
		return err
	}
	if err := s.auth.Bootstrap(ctx, s.cfg.OverseerPrincipal, s.cfg.OverseerPassword); err != nil {
		return err
	}

	seeds := []store.Edge{
		{ID: "edge-core-values", SourceID: "self", TargetID: "value-transparency", Relation: "holds", Constitutive: true},
		{ID: "edge-pref-format", SourceID: "self", TargetID: "pref-markdown", Relation: "prefers", Constitutive: false},
		{ID: "edge-pref-style", SourceID: "self", TargetID: "pref-terse", Relation: "prefers", Constitutive: false},
	}
	for _, seed := range seeds {
		existing, err := s.store.GetEdge(ctx, seed.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := s.store.InsertEdge(ctx, seed); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login authenticates a principal and returns an access token.
func (s *Service) Login(ctx context.Context, name, password string) (string, error) {
	token, err := s.auth.Login(ctx, name, password)
	if err != nil {
		return "", domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid name or password", nil)
	}
	return token, nil
}

// PrincipalFromToken resolves the acting principal from a bearer token.
func (s *Service) PrincipalFromToken(token string) (string, error) {
	return s.auth.Verify(token)
}

// ListProposals returns summaries, optionally filtered by status.
func (s *Service) ListProposals(ctx context.Context, status string) (map[string]any, error) {
	if status != "" && status != store.StatusPending && status != store.StatusApproved && status != store.StatusRejected {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status filter", nil)
	}
	items, err := s.store.ListProposals(ctx, status)
	if err != nil {
		return nil, err
	}
	summaries := make([]map[string]any, 0, len(items))
	for _, item := range items {
		summaries = append(summaries, proposalSummary(item))
	}
	return map[string]any{"proposals": summaries}, nil
}

// Review returns the full proposal detail: all fields, consequence texts,
// recorded approvals and edge lookup warnings.
func (s *Service) Review(ctx context.Context, proposalID string) (map[string]any, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Proposal not found", nil)
		}
		return nil, err
	}
	consents, err := s.store.ListConsents(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return s.proposalDetail(ctx, proposal, consents), nil
}

// Summary returns proposal counts by outcome.
func (s *Service) Summary(ctx context.Context) (map[string]any, error) {
	pending, approved, rejected, undone, err := s.store.SummaryCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"pending":  pending,
		"approved": approved,
		"rejected": rejected,
		"undone":   undone,
	}, nil
}

// Search runs a governance full-text query.
func (s *Service) Search(ctx context.Context, text, filterType string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	var rtyp search.ResultType
	switch filterType {
	case "":
	case string(search.ResultProposal):
		rtyp = search.ResultProposal
	case string(search.ResultDecision):
		rtyp = search.ResultDecision
	default:
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown search type filter", nil)
	}
	return s.search.Search(search.Query{Text: text, FilterType: rtyp, Limit: limit, Offset: offset}), nil
}

func proposalSummary(p store.Proposal) map[string]any {
	return map[string]any{
		"id":            p.ID,
		"trigger":       p.Trigger,
		"conflictKind":  p.ConflictKind,
		"actionKind":    p.ActionKind,
		"description":   p.Description,
		"approvalLevel": p.ApprovalLevel,
		"status":        p.Status,
		"undone":        p.Undone(),
		"createdAt":     p.CreatedAt,
	}
}

func (s *Service) proposalDetail(ctx context.Context, p store.Proposal, consents []store.Consent) map[string]any {
	approvals := make([]map[string]any, 0, len(consents))
	approvedBy := make([]string, 0, len(consents))
	for _, c := range consents {
		approvals = append(approvals, map[string]any{
			"principal": c.Principal,
			"grantedAt": c.GrantedAt,
		})
		approvedBy = append(approvedBy, c.Principal)
	}
	sort.Strings(approvedBy)

	ifApproved, ifRejected := consequenceTexts(p)

	detail := map[string]any{
		"id":                p.ID,
		"trigger":           p.Trigger,
		"conflictKind":      p.ConflictKind,
		"actionKind":        p.ActionKind,
		"affectedEdgeIds":   p.AffectedEdgeIDs,
		"description":       p.Description,
		"reasoning":         p.Reasoning,
		"warnings":          p.EdgeWarnings,
		"approvalLevel":     p.ApprovalLevel,
		"requiredApprovers": p.RequiredApprovers,
		"approvals":         approvals,
		"approvedBy":        approvedBy,
		"status":            p.Status,
		"undone":            p.Undone(),
		"createdAt":         p.CreatedAt,
		"ifApproved":        ifApproved,
		"ifRejected":        ifRejected,
	}
	if p.OlderEdgeID != "" {
		detail["olderEdgeId"] = p.OlderEdgeID
	}
	if p.NewEdge != nil {
		detail["newEdge"] = p.NewEdge
	}
	if p.RejectReason != "" {
		detail["rejectReason"] = p.RejectReason
	}
	if p.ResolvedAt != nil {
		detail["resolvedAt"] = p.ResolvedAt
		detail["resolvedBy"] = p.ResolvedBy
		detail["undoDeadline"] = p.UndoDeadline
	}
	if p.Undone() {
		detail["undoneAt"] = p.UndoneAt
		detail["undoneBy"] = p.UndoneBy
	}
	if len(p.Snapshot) > 0 {
		var snapshot store.Snapshot
		if err := json.Unmarshal(p.Snapshot, &snapshot); err == nil {
			detail["snapshot"] = snapshot
		}
	}
	if resolution, err := s.store.GetResolutionByProposal(ctx, p.ID); err == nil {
		detail["resolution"] = map[string]any{
			"id":         resolution.ID,
			"kind":       resolution.Kind,
			"edgeIds":    resolution.EdgeIDs,
			"resolvedBy": resolution.ResolvedBy,
			"createdAt":  resolution.CreatedAt,
			"orphaned":   resolution.Orphaned,
			"orphanedAt": resolution.OrphanedAt,
		}
	}
	return detail
}

// indexProposal pushes a proposal into the search index, if one is attached.
func (s *Service) indexProposal(p store.Proposal) {
	if s.search == nil {
		return
	}
	s.search.IndexProposal(search.ProposalRecord{
		ID:           p.ID,
		Description:  p.Description,
		Reasoning:    p.Reasoning,
		ConflictKind: p.ConflictKind,
		Trigger:      p.Trigger,
		Status:       p.Status,
	})
}

func (s *Service) indexDecision(p store.Proposal, resolution store.Resolution) {
	if s.search == nil {
		return
	}
	s.search.IndexDecision(search.DecisionRecord{
		ID:         resolution.ID,
		ProposalID: resolution.ProposalID,
		Kind:       resolution.Kind,
		Outcome:    p.Status,
		Reasoning:  p.Reasoning,
	})
}

// archiveResolution commits the dossier to the git ledger. Best-effort: a
// failing archive is logged, never surfaced.
func (s *Service) archiveResolution(p store.Proposal, resolution store.Resolution, snapshot store.Snapshot, actor string) {
	if s.archive == nil {
		return
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("archive: marshal snapshot for %s: %v", resolution.ID, err)
		return
	}
	entry := archive.Entry{
		ResolutionID: resolution.ID,
		ProposalID:   resolution.ProposalID,
		Kind:         resolution.Kind,
		EdgeIDs:      resolution.EdgeIDs,
		ResolvedBy:   []string{resolution.ResolvedBy},
		ResolvedAt:   resolution.CreatedAt,
		Snapshot:     encoded,
	}
	if _, err := s.archive.RecordResolution(entry, actor); err != nil {
		log.Printf("archive: record resolution %s: %v", resolution.ID, err)
	}
}

func (s *Service) archiveOrphan(p store.Proposal, resolution store.Resolution, actor string, now time.Time) {
	if s.archive == nil {
		return
	}
	entry := archive.Entry{
		ResolutionID: resolution.ID,
		ProposalID:   resolution.ProposalID,
		Kind:         resolution.Kind,
		EdgeIDs:      resolution.EdgeIDs,
		ResolvedBy:   []string{resolution.ResolvedBy},
		ResolvedAt:   resolution.CreatedAt,
		Snapshot:     p.Snapshot,
		Orphaned:     true,
		OrphanedAt:   &now,
		OrphanedBy:   actor,
	}
	if _, err := s.archive.RecordOrphaned(entry, actor); err != nil {
		log.Printf("archive: orphan resolution %s: %v", resolution.ID, err)
	}
}
