package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory store implementation. It mirrors the
// PostgresStore contract, including the all-or-nothing semantics of
// ExecuteResolution and UndoResolution, and is selected by injection where
// durability is not needed (tests, ephemeral runs).
type MemoryStore struct {
	mu                sync.Mutex
	edges             map[string]*Edge
	proposals         map[string]*Proposal
	consents          map[string]map[string]time.Time
	undoConfirmations map[string]map[string]time.Time
	resolutions       map[string]*Resolution // keyed by proposal id
	principals        map[string]Principal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		edges:             make(map[string]*Edge),
		proposals:         make(map[string]*Proposal),
		consents:          make(map[string]map[string]time.Time),
		undoConfirmations: make(map[string]map[string]time.Time),
		resolutions:       make(map[string]*Resolution),
		principals:        make(map[string]Principal),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// ---- edges ----

func (s *MemoryStore) GetEdge(_ context.Context, edgeID string) (*Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.edges[edgeID]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (s *MemoryStore) InsertEdge(_ context.Context, item Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.edges[item.ID]; exists {
		return nil
	}
	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now
	s.edges[item.ID] = &item
	return nil
}

// ---- proposals ----

func (s *MemoryStore) CreateProposal(_ context.Context, item Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proposals[item.ID]; exists {
		return fmt.Errorf("proposal %s already exists", item.ID)
	}
	item.Status = StatusPending
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	copied := item
	s.proposals[item.ID] = &copied
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, proposalID string) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.proposals[proposalID]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	return *item, nil
}

func (s *MemoryStore) ListProposals(_ context.Context, status string) ([]Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Proposal, 0)
	for _, item := range s.proposals {
		if status != "" && item.Status != status {
			continue
		}
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) RejectProposal(_ context.Context, proposalID, reason, actor string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.proposals[proposalID]
	if !ok {
		return ErrNotFound
	}
	if item.Status != StatusPending {
		return ErrNotPending
	}
	item.Status = StatusRejected
	item.RejectReason = reason
	resolvedAt := now
	item.ResolvedAt = &resolvedAt
	item.ResolvedBy = actor
	return nil
}

func (s *MemoryStore) SummaryCounts(context.Context) (pending, approved, rejected, undone int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.proposals {
		switch {
		case item.UndoneAt != nil:
			undone++
		case item.Status == StatusPending:
			pending++
		case item.Status == StatusApproved:
			approved++
		case item.Status == StatusRejected:
			rejected++
		}
	}
	return pending, approved, rejected, undone, nil
}

// ---- consents ----

func (s *MemoryStore) RecordConsent(_ context.Context, proposalID, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPrincipal, ok := s.consents[proposalID]
	if !ok {
		byPrincipal = make(map[string]time.Time)
		s.consents[proposalID] = byPrincipal
	}
	if _, exists := byPrincipal[principal]; !exists {
		byPrincipal[principal] = time.Now()
	}
	return nil
}

func (s *MemoryStore) ListConsents(_ context.Context, proposalID string) ([]Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Consent, 0)
	for principal, grantedAt := range s.consents[proposalID] {
		items = append(items, Consent{ProposalID: proposalID, Principal: principal, GrantedAt: grantedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].GrantedAt.Before(items[j].GrantedAt) })
	return items, nil
}

// ---- undo confirmations ----

func (s *MemoryStore) RecordUndoConfirmation(_ context.Context, proposalID, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPrincipal, ok := s.undoConfirmations[proposalID]
	if !ok {
		byPrincipal = make(map[string]time.Time)
		s.undoConfirmations[proposalID] = byPrincipal
	}
	if _, exists := byPrincipal[principal]; !exists {
		byPrincipal[principal] = time.Now()
	}
	return nil
}

func (s *MemoryStore) ListUndoConfirmations(_ context.Context, proposalID string) ([]UndoConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]UndoConfirmation, 0)
	for principal, confirmedAt := range s.undoConfirmations[proposalID] {
		items = append(items, UndoConfirmation{ProposalID: proposalID, Principal: principal, ConfirmedAt: confirmedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ConfirmedAt.Before(items[j].ConfirmedAt) })
	return items, nil
}

// ---- resolutions ----

func (s *MemoryStore) GetResolutionByProposal(_ context.Context, proposalID string) (Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.resolutions[proposalID]
	if !ok {
		return Resolution{}, ErrNotFound
	}
	return *item, nil
}

// ---- transactional execution ----

func (s *MemoryStore) ExecuteResolution(_ context.Context, input ExecInput) (Snapshot, Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposal, ok := s.proposals[input.ProposalID]
	if !ok {
		return Snapshot{}, Resolution{}, ErrNotFound
	}
	if proposal.Status != StatusPending {
		return Snapshot{}, Resolution{}, ErrNotPending
	}

	// Validate everything before touching state so a failure leaves no
	// partial mutation, matching the postgres transaction.
	for _, mutation := range input.Mutations {
		if _, exists := s.edges[mutation.EdgeID]; !exists {
			return Snapshot{}, Resolution{}, fmt.Errorf("%w: %s", ErrEdgeNotFound, mutation.EdgeID)
		}
	}
	if input.CreateEdge != nil {
		if _, exists := s.edges[input.CreateEdge.ID]; exists {
			return Snapshot{}, Resolution{}, fmt.Errorf("edge %s already exists", input.CreateEdge.ID)
		}
	}

	snapshot := Snapshot{TakenAt: input.Now}
	edgeIDs := make([]string, 0, len(input.Mutations)+1)

	if input.CreateEdge != nil {
		created := *input.CreateEdge
		created.CreatedAt = input.Now
		created.UpdatedAt = input.Now
		s.edges[created.ID] = &created
		snapshot.Entries = append(snapshot.Entries, SnapshotEntry{EdgeID: created.ID, Existed: false})
		edgeIDs = append(edgeIDs, created.ID)
	}

	for _, mutation := range input.Mutations {
		edge := s.edges[mutation.EdgeID]
		snapshot.Entries = append(snapshot.Entries, SnapshotEntry{
			EdgeID:     edge.ID,
			Existed:    true,
			Superseded: edge.Superseded,
			Annotation: edge.Annotation,
		})
		if mutation.SetSuperseded != nil {
			edge.Superseded = *mutation.SetSuperseded
		}
		if mutation.SetAnnotation != nil {
			edge.Annotation = *mutation.SetAnnotation
		}
		edge.UpdatedAt = input.Now
		edgeIDs = append(edgeIDs, edge.ID)
	}

	resolution := Resolution{
		ID:         input.ResolutionID,
		ProposalID: input.ProposalID,
		Kind:       proposal.ConflictKind,
		EdgeIDs:    edgeIDs,
		ResolvedBy: input.Actor,
		CreatedAt:  input.Now,
	}
	s.resolutions[input.ProposalID] = &resolution

	encodedSnapshot, err := json.Marshal(snapshot)
	if err != nil {
		return Snapshot{}, Resolution{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	proposal.Status = StatusApproved
	proposal.Snapshot = encodedSnapshot
	resolvedAt := input.Now
	proposal.ResolvedAt = &resolvedAt
	proposal.ResolvedBy = input.Actor
	deadline := input.UndoDeadline
	proposal.UndoDeadline = &deadline

	return snapshot, resolution, nil
}

func (s *MemoryStore) UndoResolution(_ context.Context, input UndoInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	proposal, ok := s.proposals[input.ProposalID]
	if !ok {
		return ErrNotFound
	}
	if proposal.Status != StatusApproved {
		return ErrNotPending
	}
	if proposal.UndoneAt != nil {
		return ErrAlreadyUndone
	}
	if proposal.UndoDeadline == nil || input.Now.After(*proposal.UndoDeadline) {
		return ErrRetentionExpired
	}

	var snapshot Snapshot
	if err := json.Unmarshal(proposal.Snapshot, &snapshot); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	for _, entry := range snapshot.Entries {
		edge, exists := s.edges[entry.EdgeID]
		if !exists {
			continue
		}
		if entry.Existed {
			edge.Superseded = entry.Superseded
			edge.Annotation = entry.Annotation
		} else {
			edge.Superseded = true
		}
		edge.UpdatedAt = input.Now
	}

	if resolution, ok := s.resolutions[input.ProposalID]; ok {
		resolution.Orphaned = true
		orphanedAt := input.Now
		resolution.OrphanedAt = &orphanedAt
	}

	undoneAt := input.Now
	proposal.UndoneAt = &undoneAt
	proposal.UndoneBy = input.Actor
	return nil
}

// ---- principals ----

func (s *MemoryStore) EnsurePrincipal(_ context.Context, name, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.principals[name]; exists {
		return nil
	}
	s.principals[name] = Principal{Name: name, PasswordHash: passwordHash, CreatedAt: time.Now()}
	return nil
}

func (s *MemoryStore) GetPrincipal(_ context.Context, name string) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.principals[name]
	if !ok {
		return Principal{}, ErrNotFound
	}
	return item, nil
}
