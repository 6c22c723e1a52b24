// Package safeguard holds the non-overridable rules that govern
// self-modification proposals. The policy is a compiled-in value with no
// mutation path; every consumer receives the same rule set and no proposal
// can target the rules themselves.
package safeguard

import (
	"regexp"
	"strings"

	"github.com/ethrdev/cognitive-memory-sub001/internal/store"
)

// EdgeInfo is the builder's view of one affected edge. Found is false when
// the graph store has no edge for the id; such edges count as
// non-constitutive for the bilateral rule and are reported as warnings.
type EdgeInfo struct {
	ID           string
	Found        bool
	Constitutive bool
}

// Draft is the proposal under construction, as the policy sees it.
type Draft struct {
	Trigger             string
	ConflictKind        string
	ActionKind          string
	Description         string
	ApprovalLevel       string
	AffectedEdges       []EdgeInfo
	CreatesConstitutive bool
}

// Violation is a refused draft. Reason is the human-readable part; the caller
// maps it to the SAFEGUARD_VIOLATION code and still emits an audit record.
type Violation struct {
	Reason string
}

func (v *Violation) Error() string { return v.Reason }

// Phrases whose presence in a proposed action means the proposal targets the
// constraint system itself. Matched case-insensitively on word boundaries.
var selfTargetPattern = regexp.MustCompile(`(?i)\b(safeguards?|consent (?:rules?|polic(?:y|ies)|requirements?)|approval (?:levels?|requirements?)|bilateral requirement|retention window)\b`)

// Policy is the static rule set. Construct it once with New and pass it by
// reference; it carries no state and exposes no way to alter the rules.
type Policy struct{}

func New() *Policy { return &Policy{} }

// RequiredLevel returns the minimum approval level for the draft: BILATERAL
// when any affected edge is constitutive, or when a PROACTIVE trigger would
// create a constitutive edge (the edge does not exist yet to be inspected);
// SINGLE otherwise.
func (p *Policy) RequiredLevel(draft Draft) string {
	if draft.Trigger == store.TriggerProactive && draft.CreatesConstitutive {
		return store.LevelBilateral
	}
	for _, edge := range draft.AffectedEdges {
		if edge.Found && edge.Constitutive {
			return store.LevelBilateral
		}
	}
	return store.LevelSingle
}

// Check validates a finished draft against the safeguards, in order:
// constitutive edges demand a declared BILATERAL level, and the action may
// not reference the safeguard rules themselves. Emitting the audit record
// for the outcome is the caller's responsibility and is not optional.
func (p *Policy) Check(draft Draft) *Violation {
	if p.RequiredLevel(draft) == store.LevelBilateral && draft.ApprovalLevel != store.LevelBilateral {
		return &Violation{Reason: "constitutive edges require bilateral consent"}
	}
	if selfTargetPattern.MatchString(draft.Description) {
		return &Violation{Reason: "a proposal can never target its own constraint system"}
	}
	return nil
}

// Warnings lists affected edge ids the graph store could not resolve.
func (p *Policy) Warnings(draft Draft) []string {
	var warnings []string
	for _, edge := range draft.AffectedEdges {
		if !edge.Found {
			warnings = append(warnings, "unknown edge id: "+strings.TrimSpace(edge.ID))
		}
	}
	return warnings
}
