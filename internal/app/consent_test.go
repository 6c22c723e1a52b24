package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethrdev/cognitive-memory-sub001/internal/audit"
	"github.com/ethrdev/cognitive-memory-sub001/internal/store"
)

func seedEdge(t *testing.T, ms *store.MemoryStore, id string, constitutive bool) {
	t.Helper()
	err := ms.InsertEdge(context.Background(), store.Edge{
		ID:           id,
		SourceID:     "self",
		TargetID:     "target-" + id,
		Relation:     "prefers",
		Constitutive: constitutive,
	})
	if err != nil {
		t.Fatalf("seed edge %s: %v", id, err)
	}
}

func proposeContradiction(t *testing.T, svc *Service, edgeIDs ...string) string {
	t.Helper()
	payload, err := svc.Propose(context.Background(), ConflictEvent{
		Trigger:         store.TriggerDissonance,
		Kind:            store.ConflictContradiction,
		Description:     "Two recorded statements about the same relation do not match.",
		AffectedEdgeIDs: edgeIDs,
	})
	if err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatalf("expected proposal id in payload, got %v", payload)
	}
	return id
}

func TestApproveSingleLevelExecutesAndAnnotates(t *testing.T) {
	recorder := &memRecorder{}
	svc, ms := newMemoryService(recorder)
	ctx := context.Background()
	seedEdge(t, ms, "edge-pref", false)

	id := proposeContradiction(t, svc, "edge-pref")

	payload, err := svc.Approve(ctx, id, "overseer")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if payload["executed"] != true {
		t.Fatalf("expected executed true, got %v", payload["executed"])
	}
	if payload["status"] != store.StatusApproved {
		t.Fatalf("expected APPROVED, got %v", payload["status"])
	}

	edge, err := ms.GetEdge(ctx, "edge-pref")
	if err != nil || edge == nil {
		t.Fatalf("GetEdge() = %v, %v", edge, err)
	}
	if edge.Annotation != store.AnnotationContradiction {
		t.Fatalf("expected contradiction annotation, got %q", edge.Annotation)
	}
	if edge.Superseded {
		t.Fatalf("contradiction must keep both edges active")
	}

	resolution, err := ms.GetResolutionByProposal(ctx, id)
	if err != nil {
		t.Fatalf("GetResolutionByProposal() error = %v", err)
	}
	if resolution.Orphaned {
		t.Fatalf("fresh resolution must not be orphaned")
	}
	if len(recorder.byAction(audit.ActionExecute)) != 1 {
		t.Fatalf("expected one execute audit record")
	}
}

func TestApproveByNonApproverForbidden(t *testing.T) {
	svc, ms := newMemoryService(&memRecorder{})
	seedEdge(t, ms, "edge-pref", false)
	id := proposeContradiction(t, svc, "edge-pref")

	_, err := svc.Approve(context.Background(), id, "agent")
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", code)
	}
}

func TestBilateralFirstApprovalStaysPending(t *testing.T) {
	svc, ms := newMemoryService(&memRecorder{})
	ctx := context.Background()
	seedEdge(t, ms, "edge-core", true)
	id := proposeContradiction(t, svc, "edge-core")

	payload, err := svc.Approve(ctx, id, "agent")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if payload["executed"] != false || payload["status"] != store.StatusPending {
		t.Fatalf("expected pending after first consent, got %v", payload)
	}

	// Repeated consent from the same principal stays idempotent.
	payload, err = svc.Approve(ctx, id, "agent")
	if err != nil {
		t.Fatalf("repeat Approve() error = %v", err)
	}
	if payload["executed"] != false {
		t.Fatalf("repeat consent must not execute, got %v", payload)
	}
	consents, _ := ms.ListConsents(ctx, id)
	if len(consents) != 1 {
		t.Fatalf("expected one recorded consent, got %d", len(consents))
	}

	payload, err = svc.Approve(ctx, id, "overseer")
	if err != nil {
		t.Fatalf("second Approve() error = %v", err)
	}
	if payload["executed"] != true || payload["status"] != store.StatusApproved {
		t.Fatalf("expected execution after second consent, got %v", payload)
	}
}

func TestApproveAfterRejectionConflicts(t *testing.T) {
	svc, ms := newMemoryService(&memRecorder{})
	ctx := context.Background()
	seedEdge(t, ms, "edge-pref", false)
	id := proposeContradiction(t, svc, "edge-pref")

	if _, err := svc.Reject(ctx, id, "conflict was a transcription artifact", "overseer"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	_, err := svc.Approve(ctx, id, "overseer")
	if code := domainCode(t, err); code != "NOT_PENDING" {
		t.Fatalf("expected NOT_PENDING, got %s", code)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	svc, ms := newMemoryService(&memRecorder{})
	seedEdge(t, ms, "edge-pref", false)
	id := proposeContradiction(t, svc, "edge-pref")

	_, err := svc.Reject(context.Background(), id, "  ", "overseer")
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestExecutionFailureKeepsProposalPending(t *testing.T) {
	fs := &fakeStore{
		getProposalFn: func(context.Context, string) (store.Proposal, error) {
			return store.Proposal{
				ID:                "prop-1",
				Status:            store.StatusPending,
				ActionKind:        store.ActionAnnotateContradiction,
				ConflictKind:      store.ConflictContradiction,
				AffectedEdgeIDs:   []string{"edge-a"},
				ApprovalLevel:     store.LevelSingle,
				RequiredApprovers: []string{"overseer"},
			}, nil
		},
		listConsentsFn: func(_ context.Context, id string) ([]store.Consent, error) {
			return []store.Consent{{ProposalID: id, Principal: "overseer"}}, nil
		},
		executeResolutionFn: func(context.Context, store.ExecInput) (store.Snapshot, store.Resolution, error) {
			return store.Snapshot{}, store.Resolution{}, errors.New("edge vanished mid-transaction")
		},
	}
	svc := newTestService(fs, &memRecorder{})

	_, err := svc.Approve(context.Background(), "prop-1", "overseer")
	if code := domainCode(t, err); code != "EXECUTION_ERROR" {
		t.Fatalf("expected EXECUTION_ERROR, got %s", code)
	}
}

// countingStore wraps the memory store to count execution attempts that
// reached the transactional layer.
type countingStore struct {
	*store.MemoryStore
	executions atomic.Int32
}

func (c *countingStore) ExecuteResolution(ctx context.Context, input store.ExecInput) (store.Snapshot, store.Resolution, error) {
	c.executions.Add(1)
	return c.MemoryStore.ExecuteResolution(ctx, input)
}

func TestConcurrentApprovalsExecuteOnce(t *testing.T) {
	recorder := &memRecorder{}
	cs := &countingStore{MemoryStore: store.NewMemoryStore()}
	svc, _ := newMemoryService(recorder)
	svc.store = cs
	ctx := context.Background()

	if err := cs.InsertEdge(ctx, store.Edge{ID: "edge-pref", SourceID: "self", TargetID: "t", Relation: "prefers"}); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
	id := proposeContradiction(t, svc, "edge-pref")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Approve(ctx, id, "overseer")
		}()
	}
	wg.Wait()

	if got := cs.executions.Load(); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
	proposal, err := cs.GetProposal(ctx, id)
	if err != nil {
		t.Fatalf("GetProposal() error = %v", err)
	}
	if proposal.Status != store.StatusApproved {
		t.Fatalf("expected APPROVED after concurrent approvals, got %s", proposal.Status)
	}
}
