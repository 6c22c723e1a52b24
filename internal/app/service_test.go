package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethrdev/cognitive-memory-sub001/internal/audit"
	"github.com/ethrdev/cognitive-memory-sub001/internal/auth"
	"github.com/ethrdev/cognitive-memory-sub001/internal/config"
	"github.com/ethrdev/cognitive-memory-sub001/internal/locks"
	"github.com/ethrdev/cognitive-memory-sub001/internal/neutrality"
	"github.com/ethrdev/cognitive-memory-sub001/internal/safeguard"
	"github.com/ethrdev/cognitive-memory-sub001/internal/store"
)

type fakeStore struct {
	getEdgeFn                 func(context.Context, string) (*store.Edge, error)
	insertEdgeFn              func(context.Context, store.Edge) error
	createProposalFn          func(context.Context, store.Proposal) error
	getProposalFn             func(context.Context, string) (store.Proposal, error)
	listProposalsFn           func(context.Context, string) ([]store.Proposal, error)
	rejectProposalFn          func(context.Context, string, string, string, time.Time) error
	summaryCountsFn           func(context.Context) (int, int, int, int, error)
	recordConsentFn           func(context.Context, string, string) error
	listConsentsFn            func(context.Context, string) ([]store.Consent, error)
	recordUndoConfirmationFn  func(context.Context, string, string) error
	listUndoConfirmationsFn   func(context.Context, string) ([]store.UndoConfirmation, error)
	getResolutionByProposalFn func(context.Context, string) (store.Resolution, error)
	executeResolutionFn       func(context.Context, store.ExecInput) (store.Snapshot, store.Resolution, error)
	undoResolutionFn          func(context.Context, store.UndoInput) error
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) GetEdge(ctx context.Context, edgeID string) (*store.Edge, error) {
	if f.getEdgeFn != nil {
		return f.getEdgeFn(ctx, edgeID)
	}
	return nil, nil
}
func (f *fakeStore) InsertEdge(ctx context.Context, item store.Edge) error {
	if f.insertEdgeFn != nil {
		return f.insertEdgeFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) CreateProposal(ctx context.Context, item store.Proposal) error {
	if f.createProposalFn != nil {
		return f.createProposalFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	if f.getProposalFn != nil {
		return f.getProposalFn(ctx, proposalID)
	}
	return store.Proposal{}, store.ErrNotFound
}
func (f *fakeStore) ListProposals(ctx context.Context, status string) ([]store.Proposal, error) {
	if f.listProposalsFn != nil {
		return f.listProposalsFn(ctx, status)
	}
	return nil, nil
}
func (f *fakeStore) RejectProposal(ctx context.Context, proposalID, reason, actor string, now time.Time) error {
	if f.rejectProposalFn != nil {
		return f.rejectProposalFn(ctx, proposalID, reason, actor, now)
	}
	return nil
}
func (f *fakeStore) SummaryCounts(ctx context.Context) (int, int, int, int, error) {
	if f.summaryCountsFn != nil {
		return f.summaryCountsFn(ctx)
	}
	return 0, 0, 0, 0, nil
}
func (f *fakeStore) RecordConsent(ctx context.Context, proposalID, principal string) error {
	if f.recordConsentFn != nil {
		return f.recordConsentFn(ctx, proposalID, principal)
	}
	return nil
}
func (f *fakeStore) ListConsents(ctx context.Context, proposalID string) ([]store.Consent, error) {
	if f.listConsentsFn != nil {
		return f.listConsentsFn(ctx, proposalID)
	}
	return nil, nil
}
func (f *fakeStore) RecordUndoConfirmation(ctx context.Context, proposalID, principal string) error {
	if f.recordUndoConfirmationFn != nil {
		return f.recordUndoConfirmationFn(ctx, proposalID, principal)
	}
	return nil
}
func (f *fakeStore) ListUndoConfirmations(ctx context.Context, proposalID string) ([]store.UndoConfirmation, error) {
	if f.listUndoConfirmationsFn != nil {
		return f.listUndoConfirmationsFn(ctx, proposalID)
	}
	return nil, nil
}
func (f *fakeStore) GetResolutionByProposal(ctx context.Context, proposalID string) (store.Resolution, error) {
	if f.getResolutionByProposalFn != nil {
		return f.getResolutionByProposalFn(ctx, proposalID)
	}
	return store.Resolution{}, store.ErrNotFound
}
func (f *fakeStore) ExecuteResolution(ctx context.Context, input store.ExecInput) (store.Snapshot, store.Resolution, error) {
	if f.executeResolutionFn != nil {
		return f.executeResolutionFn(ctx, input)
	}
	return store.Snapshot{}, store.Resolution{}, nil
}
func (f *fakeStore) UndoResolution(ctx context.Context, input store.UndoInput) error {
	if f.undoResolutionFn != nil {
		return f.undoResolutionFn(ctx, input)
	}
	return nil
}

// memRecorder captures audit events for assertions.
type memRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *memRecorder) Record(_ context.Context, event audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *memRecorder) byAction(action string) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := make([]audit.Event, 0)
	for _, event := range r.events {
		if event.Action == action {
			matched = append(matched, event)
		}
	}
	return matched
}

func testConfig() config.Config {
	return config.Config{
		AgentPrincipal:    "agent",
		OverseerPrincipal: "overseer",
		AgentPassword:     "agent-dev-password",
		OverseerPassword:  "overseer-dev-password",
		JWTSecret:         "test-secret",
		AccessTTL:         time.Hour,
		Retention:         30 * 24 * time.Hour,
	}
}

func newTestService(ds dataStore, recorder *memRecorder) *Service {
	cfg := testConfig()
	return New(
		cfg,
		ds,
		safeguard.New(),
		neutrality.NewService(nil, neutrality.NewLexicon()),
		locks.NewLocalLocker(),
		audit.NewBestEffort(recorder),
		auth.NewService(store.NewMemoryStore(), cfg.JWTSecret, cfg.AccessTTL),
	)
}

func newMemoryService(recorder *memRecorder) (*Service, *store.MemoryStore) {
	cfg := testConfig()
	ms := store.NewMemoryStore()
	svc := New(
		cfg,
		ms,
		safeguard.New(),
		neutrality.NewService(nil, neutrality.NewLexicon()),
		locks.NewLocalLocker(),
		audit.NewBestEffort(recorder),
		auth.NewService(ms, cfg.JWTSecret, cfg.AccessTTL),
	)
	return svc, ms
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return de.Code
}

func TestProposeConstitutiveEdgeRequiresBilateral(t *testing.T) {
	var created store.Proposal
	fs := &fakeStore{
		getEdgeFn: func(_ context.Context, edgeID string) (*store.Edge, error) {
			return &store.Edge{ID: edgeID, SourceID: "self", TargetID: "value-1", Relation: "holds", Constitutive: edgeID == "edge-a"}, nil
		},
		createProposalFn: func(_ context.Context, item store.Proposal) error {
			created = item
			return nil
		},
	}
	svc := newTestService(fs, &memRecorder{})

	payload, err := svc.Propose(context.Background(), ConflictEvent{
		Trigger:         store.TriggerDissonance,
		Kind:            store.ConflictContradiction,
		Description:     "Recent statements diverge from an earlier stated value.",
		AffectedEdgeIDs: []string{"edge-a", "edge-b"},
	})
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if created.ApprovalLevel != store.LevelBilateral {
		t.Fatalf("expected BILATERAL approval level, got %q", created.ApprovalLevel)
	}
	if len(created.RequiredApprovers) != 2 {
		t.Fatalf("expected both principals as required approvers, got %v", created.RequiredApprovers)
	}
	if payload["status"] != store.StatusPending {
		t.Fatalf("expected PENDING status, got %v", payload["status"])
	}
	if created.ActionKind != store.ActionAnnotateContradiction {
		t.Fatalf("expected ANNOTATE_CONTRADICTION action, got %q", created.ActionKind)
	}
}

func TestProposeNonConstitutiveEdgesNeedSingleApproval(t *testing.T) {
	var created store.Proposal
	fs := &fakeStore{
		getEdgeFn: func(_ context.Context, edgeID string) (*store.Edge, error) {
			return &store.Edge{ID: edgeID, SourceID: "self", TargetID: "pref-1", Relation: "prefers"}, nil
		},
		createProposalFn: func(_ context.Context, item store.Proposal) error {
			created = item
			return nil
		},
	}
	svc := newTestService(fs, &memRecorder{})

	_, err := svc.Propose(context.Background(), ConflictEvent{
		Trigger:         store.TriggerSessionEnd,
		Kind:            store.ConflictNuance,
		Description:     "A preference applies in one context and not another.",
		AffectedEdgeIDs: []string{"edge-b"},
	})
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if created.ApprovalLevel != store.LevelSingle {
		t.Fatalf("expected SINGLE approval level, got %q", created.ApprovalLevel)
	}
	if len(created.RequiredApprovers) != 1 || created.RequiredApprovers[0] != "overseer" {
		t.Fatalf("expected overseer as the sole required approver, got %v", created.RequiredApprovers)
	}
}

func TestProposeBlocksChargedFramingWithoutPersisting(t *testing.T) {
	createCalls := 0
	fs := &fakeStore{
		getEdgeFn: func(_ context.Context, edgeID string) (*store.Edge, error) {
			return &store.Edge{ID: edgeID, SourceID: "self", TargetID: "pref-1", Relation: "prefers"}, nil
		},
		createProposalFn: func(context.Context, store.Proposal) error {
			createCalls++
			return nil
		},
	}
	recorder := &memRecorder{}
	svc := newTestService(fs, recorder)

	_, err := svc.Propose(context.Background(), ConflictEvent{
		Trigger:         store.TriggerManual,
		Kind:            store.ConflictContradiction,
		Description:     "I recommend resolving this immediately.",
		AffectedEdgeIDs: []string{"edge-b"},
	})
	if code := domainCode(t, err); code != "FRAMING_VIOLATION" {
		t.Fatalf("expected FRAMING_VIOLATION, got %s", code)
	}
	if createCalls != 0 {
		t.Fatalf("expected no proposal persisted, got %d create calls", createCalls)
	}
	blocked := recorder.byAction(audit.ActionPropose)
	if len(blocked) != 1 || !blocked[0].Blocked {
		t.Fatalf("expected one blocked propose audit record, got %+v", blocked)
	}
}

func TestProposeUnknownEdgeRecordsWarning(t *testing.T) {
	fs := &fakeStore{
		getEdgeFn: func(context.Context, string) (*store.Edge, error) {
			return nil, nil
		},
	}
	svc := newTestService(fs, &memRecorder{})

	payload, err := svc.Propose(context.Background(), ConflictEvent{
		Trigger:         store.TriggerDissonance,
		Kind:            store.ConflictContradiction,
		Description:     "Two statements about the same relation do not match.",
		AffectedEdgeIDs: []string{"edge-missing"},
	})
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	warnings, _ := payload["warnings"].([]string)
	if len(warnings) == 0 {
		t.Fatalf("expected a warning for the unresolved edge, got %v", payload["warnings"])
	}
	if payload["approvalLevel"] != store.LevelSingle {
		t.Fatalf("expected unresolved edge to stay SINGLE, got %v", payload["approvalLevel"])
	}
}

func TestProposeProactiveConstitutiveCreateRequiresBilateral(t *testing.T) {
	var created store.Proposal
	fs := &fakeStore{
		createProposalFn: func(_ context.Context, item store.Proposal) error {
			created = item
			return nil
		},
	}
	svc := newTestService(fs, &memRecorder{})

	_, err := svc.Propose(context.Background(), ConflictEvent{
		Trigger:     store.TriggerProactive,
		Kind:        store.ConflictEvolution,
		Description: "A relation absent from the graph keeps surfacing in sessions.",
		NewEdge: &store.NewEdgeSpec{
			ID:           "edge-new",
			SourceID:     "self",
			TargetID:     "value-honesty",
			Relation:     "holds",
			Constitutive: true,
		},
	})
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if created.ActionKind != store.ActionCreateEdge {
		t.Fatalf("expected CREATE_EDGE action, got %q", created.ActionKind)
	}
	if created.ApprovalLevel != store.LevelBilateral {
		t.Fatalf("expected proactive constitutive creation to require BILATERAL, got %q", created.ApprovalLevel)
	}
}

func TestProposeValidatesEvent(t *testing.T) {
	svc := newTestService(&fakeStore{}, &memRecorder{})
	ctx := context.Background()

	cases := []struct {
		name  string
		event ConflictEvent
	}{
		{"unknown trigger", ConflictEvent{Trigger: "CRON", Kind: store.ConflictNuance, Description: "x", AffectedEdgeIDs: []string{"e"}}},
		{"unknown kind", ConflictEvent{Trigger: store.TriggerManual, Kind: "DRIFT", Description: "x", AffectedEdgeIDs: []string{"e"}}},
		{"blank description", ConflictEvent{Trigger: store.TriggerManual, Kind: store.ConflictNuance, Description: "  ", AffectedEdgeIDs: []string{"e"}}},
		{"no affected edges", ConflictEvent{Trigger: store.TriggerManual, Kind: store.ConflictNuance, Description: "x"}},
		{"evolution without older edge", ConflictEvent{Trigger: store.TriggerManual, Kind: store.ConflictEvolution, Description: "x", AffectedEdgeIDs: []string{"a", "b"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Propose(ctx, tc.event)
			if code := domainCode(t, err); code != "VALIDATION_ERROR" {
				t.Fatalf("expected VALIDATION_ERROR, got %s", code)
			}
		})
	}
}

func TestReasoningRendersAllSections(t *testing.T) {
	var created store.Proposal
	fs := &fakeStore{
		getEdgeFn: func(_ context.Context, edgeID string) (*store.Edge, error) {
			return &store.Edge{ID: edgeID, SourceID: "self", TargetID: "pref-old", Relation: "prefers"}, nil
		},
		createProposalFn: func(_ context.Context, item store.Proposal) error {
			created = item
			return nil
		},
	}
	svc := newTestService(fs, &memRecorder{})

	_, err := svc.Propose(context.Background(), ConflictEvent{
		Trigger:         store.TriggerSessionEnd,
		Kind:            store.ConflictEvolution,
		Description:     "A newer preference has replaced an older one in practice.",
		AffectedEdgeIDs: []string{"edge-old", "edge-new"},
		OlderEdgeID:     "edge-old",
	})
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	for _, section := range []string{"Detected condition:", "Affected relations:", "If approved:", "If rejected:"} {
		if !strings.Contains(created.Reasoning, section) {
			t.Fatalf("reasoning missing %q:\n%s", section, created.Reasoning)
		}
	}
	if !strings.Contains(created.Reasoning, "edge-old") {
		t.Fatalf("reasoning does not list the affected edge:\n%s", created.Reasoning)
	}
}

func TestListProposalsRejectsUnknownStatus(t *testing.T) {
	svc := newTestService(&fakeStore{}, &memRecorder{})
	_, err := svc.ListProposals(context.Background(), "MERGED")
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestReviewUnknownProposalNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{}, &memRecorder{})
	_, err := svc.Review(context.Background(), "prop-missing")
	if code := domainCode(t, err); code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", code)
	}
}

func TestSummaryCountsByOutcome(t *testing.T) {
	fs := &fakeStore{
		summaryCountsFn: func(context.Context) (int, int, int, int, error) {
			return 2, 5, 1, 3, nil
		},
	}
	svc := newTestService(fs, &memRecorder{})
	payload, err := svc.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if payload["pending"] != 2 || payload["approved"] != 5 || payload["rejected"] != 1 || payload["undone"] != 3 {
		t.Fatalf("unexpected summary payload: %v", payload)
	}
}
