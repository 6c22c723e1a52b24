package store

import (
	"encoding/json"
	"time"
)

// Trigger kinds for a proposal.
const (
	TriggerDissonance = "DISSONANCE"
	TriggerSessionEnd = "SESSION_END"
	TriggerManual     = "MANUAL"
	TriggerProactive  = "PROACTIVE"
)

// Conflict kinds supplied by the upstream classifier.
const (
	ConflictEvolution     = "EVOLUTION"
	ConflictContradiction = "CONTRADICTION"
	ConflictNuance        = "NUANCE"
)

// Action kinds a proposal can carry.
const (
	ActionMarkSuperseded        = "MARK_SUPERSEDED"
	ActionAnnotateContradiction = "ANNOTATE_CONTRADICTION"
	ActionAnnotateNuance        = "ANNOTATE_NUANCE"
	ActionCreateEdge            = "CREATE_EDGE"
)

// Approval levels.
const (
	LevelSingle    = "SINGLE"
	LevelBilateral = "BILATERAL"
)

// Proposal statuses. APPROVED proposals that were later undone keep the
// APPROVED status and carry UndoneAt.
const (
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
)

// Edge annotations written by resolution execution.
const (
	AnnotationContradiction = "documented_contradiction"
	AnnotationNuance        = "accepted_nuance"
)

// Edge is a relationship in the knowledge graph. Constitutive edges are part
// of the system's self-identity and are never mutated without bilateral
// consent.
type Edge struct {
	ID           string
	SourceID     string
	TargetID     string
	Relation     string
	Constitutive bool
	Superseded   bool
	Annotation   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EdgeFlags is the mutable slice of an edge that resolutions touch.
type EdgeFlags struct {
	Superseded bool   `json:"superseded"`
	Annotation string `json:"annotation"`
}

// NewEdgeSpec describes an edge a PROACTIVE proposal would create.
type NewEdgeSpec struct {
	ID           string `json:"id"`
	SourceID     string `json:"sourceId"`
	TargetID     string `json:"targetId"`
	Relation     string `json:"relation"`
	Constitutive bool   `json:"constitutive"`
}

// Proposal is a governed self-modification request. Created only by the
// builder, consent flags and status mutated only through the consent path,
// snapshot and resolved fields stamped only by resolution execution.
type Proposal struct {
	ID                string
	Trigger           string
	ConflictKind      string
	ActionKind        string
	AffectedEdgeIDs   []string
	OlderEdgeID       string
	NewEdge           *NewEdgeSpec
	Description       string
	Reasoning         string
	EdgeWarnings      []string
	ApprovalLevel     string
	RequiredApprovers []string
	Status            string
	RejectReason      string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
	ResolvedBy        string
	Snapshot          json.RawMessage
	UndoDeadline      *time.Time
	UndoneAt          *time.Time
	UndoneBy          string
}

// Undone reports whether an approved proposal has been reversed.
func (p Proposal) Undone() bool {
	return p.UndoneAt != nil
}

// Consent is one principal's recorded approval of a proposal.
type Consent struct {
	ProposalID string
	Principal  string
	GrantedAt  time.Time
}

// UndoConfirmation is one principal's confirmation of a pending undo round.
type UndoConfirmation struct {
	ProposalID  string
	Principal   string
	ConfirmedAt time.Time
}

// Resolution links an executed proposal to the edges it mutated. Undone
// resolutions are orphaned, never deleted.
type Resolution struct {
	ID         string
	ProposalID string
	Kind       string
	EdgeIDs    []string
	ResolvedBy string
	CreatedAt  time.Time
	Orphaned   bool
	OrphanedAt *time.Time
}

// SnapshotEntry captures one edge's flags before execution. Existed is false
// for edges the resolution created, so undo knows there is nothing to restore.
type SnapshotEntry struct {
	EdgeID     string `json:"edgeId"`
	Existed    bool   `json:"existed"`
	Superseded bool   `json:"superseded"`
	Annotation string `json:"annotation"`
}

// Snapshot is the pre-mutation state of all affected edges.
type Snapshot struct {
	Entries []SnapshotEntry `json:"entries"`
	TakenAt time.Time       `json:"takenAt"`
}

// EdgeMutation is one planned flag write. Nil fields are left untouched.
type EdgeMutation struct {
	EdgeID        string
	SetSuperseded *bool
	SetAnnotation *string
}

// ExecInput is the atomic unit a resolution execution applies: the consent
// flip to APPROVED, the planned edge mutations (or edge creation), the
// resolution record and the snapshot stamp happen together or not at all.
type ExecInput struct {
	ProposalID   string
	ResolutionID string
	Actor        string
	Mutations    []EdgeMutation
	CreateEdge   *Edge
	Now          time.Time
	UndoDeadline time.Time
}

// UndoInput reverses an executed resolution inside the retention window.
type UndoInput struct {
	ProposalID string
	Actor      string
	Now        time.Time
}

// Principal is a named consent party.
type Principal struct {
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}
