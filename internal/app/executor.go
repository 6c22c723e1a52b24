package app

import (
	"context"
	"net/http"

	"github.com/ethrdev/cognitive-memory-sub001/internal/store"
	"github.com/ethrdev/cognitive-memory-sub001/internal/util"
)

func newResolutionID() string {
	return util.NewID("res")
}

// buildPlan translates an approved proposal into the edge writes the store
// applies atomically. EVOLUTION supersedes the older edge (a flag, never a
// delete); CONTRADICTION and NUANCE annotate without touching active status;
// CREATE_EDGE inserts the proposed edge.
func (s *Service) buildPlan(ctx context.Context, proposal store.Proposal) ([]store.EdgeMutation, *store.Edge, error) {
	switch proposal.ActionKind {
	case store.ActionMarkSuperseded:
		superseded := true
		// Every affected edge lands in the snapshot; only the older edge
		// changes. A mutation with no setters is a snapshot-only read.
		mutations := make([]store.EdgeMutation, 0, len(proposal.AffectedEdgeIDs))
		for _, edgeID := range proposal.AffectedEdgeIDs {
			mutation := store.EdgeMutation{EdgeID: edgeID}
			if edgeID == proposal.OlderEdgeID {
				mutation.SetSuperseded = &superseded
			}
			mutations = append(mutations, mutation)
		}
		return mutations, nil, nil

	case store.ActionAnnotateContradiction:
		return annotationPlan(proposal.AffectedEdgeIDs, store.AnnotationContradiction), nil, nil

	case store.ActionAnnotateNuance:
		return annotationPlan(proposal.AffectedEdgeIDs, store.AnnotationNuance), nil, nil

	case store.ActionCreateEdge:
		if proposal.NewEdge == nil {
			return nil, nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "proposal carries no edge spec", nil)
		}
		return nil, &store.Edge{
			ID:           proposal.NewEdge.ID,
			SourceID:     proposal.NewEdge.SourceID,
			TargetID:     proposal.NewEdge.TargetID,
			Relation:     proposal.NewEdge.Relation,
			Constitutive: proposal.NewEdge.Constitutive,
		}, nil
	}
	return nil, nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown action kind", nil)
}

func annotationPlan(edgeIDs []string, annotation string) []store.EdgeMutation {
	mutations := make([]store.EdgeMutation, 0, len(edgeIDs))
	for _, edgeID := range edgeIDs {
		value := annotation
		mutations = append(mutations, store.EdgeMutation{EdgeID: edgeID, SetAnnotation: &value})
	}
	return mutations
}
