// Package audit records every governance state transition. Recording is
// best-effort from the caller's point of view: a failing recorder is logged
// and never blocks or rolls back the primary operation.
package audit

import (
	"context"
	"log"
	"time"
)

// Audit actions emitted by the governance service.
const (
	ActionPropose = "SMF_PROPOSE"
	ActionConsent = "SMF_CONSENT"
	ActionExecute = "SMF_EXECUTE"
	ActionReject  = "SMF_REJECT"
	ActionUndo    = "SMF_UNDO"
)

// Event is one audit record.
type Event struct {
	ID         int64
	Action     string
	ProposalID string
	EdgeIDs    []string
	Blocked    bool
	Reason     string
	Actor      string
	CreatedAt  time.Time
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// BestEffort wraps a Recorder so failures are observable in the log but
// invisible to the caller.
type BestEffort struct {
	recorder Recorder
}

func NewBestEffort(recorder Recorder) *BestEffort {
	return &BestEffort{recorder: recorder}
}

func (b *BestEffort) Record(ctx context.Context, event Event) {
	if b.recorder == nil {
		return
	}
	if err := b.recorder.Record(ctx, event); err != nil {
		log.Printf("audit: record %s for %s failed: %v", event.Action, event.ProposalID, err)
	}
}
