// Package domain contains core domain types for the collabsync application.
package domain

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a proposal.
type Status string

const (
	// StatusPending means the proposal is awaiting participant decisions.
	StatusPending Status = "pending"
	// StatusApproved means every participant approved; the agent picks it up.
	StatusApproved Status = "approved"
	// StatusRejected means every participant rejected; the rejection analyzer picks it up.
	StatusRejected Status = "rejected"
	// StatusProcessed means the agent finished and wrote its analysis.
	StatusProcessed Status = "processed"
	// StatusRejectedProcessed means the rejection analyzer finished.
	StatusRejectedProcessed Status = "rejected_processed"
	// StatusInterrupted means a participant stopped processing while approved.
	StatusInterrupted Status = "interrupted"
	// StatusError means agent processing failed; agent_analysis carries the error.
	StatusError Status = "error"
)

// AllowsNewProposal reports whether a fresh prompt submission should create a
// new proposal row instead of being treated as a follow-up.
func (s Status) AllowsNewProposal() bool {
	return s == StatusProcessed || s == StatusRejectedProcessed
}

// Decision is a single participant's verdict on a proposal.
type Decision string

const (
	// DecisionApproved marks a participant's approval.
	DecisionApproved Decision = "approved"
	// DecisionRejected marks a participant's rejection.
	DecisionRejected Decision = "rejected"
)

// Approvals maps participant ID to decision. Absent keys mean "no decision yet".
type Approvals map[string]Decision

// Counts returns the number of approved and rejected decisions.
func (a Approvals) Counts() (approved, rejected int) {
	for _, d := range a {
		switch d {
		case DecisionApproved:
			approved++
		case DecisionRejected:
			rejected++
		}
	}
	return approved, rejected
}

// Unanimous returns the common decision once all total participants have
// decided the same way. ok is false while decisions are missing or mixed.
func (a Approvals) Unanimous(total int) (Decision, bool) {
	approved, rejected := a.Counts()
	switch {
	case total > 0 && approved == total:
		return DecisionApproved, true
	case total > 0 && rejected == total:
		return DecisionRejected, true
	default:
		return "", false
	}
}

// Clone returns an independent copy so optimistic merges never alias the
// map held by the current proposal snapshot.
func (a Approvals) Clone() Approvals {
	if a == nil {
		return Approvals{}
	}
	out := make(Approvals, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Metadata carries optional proposal flags, including the demo marker and its
// canned response.
type Metadata struct {
	IsMock       bool   `json:"isMock,omitempty"`
	MockResponse string `json:"mockResponse,omitempty"`
}

// Proposal is a task request awaiting multi-party approval before an external
// agent acts on it.
type Proposal struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Status         Status    `json:"status"`
	Approvals      Approvals `json:"approvals"`
	Metadata       *Metadata `json:"metadata,omitempty"`
	AgentAnalysis  string    `json:"agent_analysis,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsMock reports whether this proposal carries the demo marker.
func (p *Proposal) IsMock() bool {
	return p != nil && p.Metadata != nil && p.Metadata.IsMock
}

// Clone returns a deep copy safe to hand to event subscribers.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	out := *p
	out.Approvals = p.Approvals.Clone()
	if p.Metadata != nil {
		md := *p.Metadata
		out.Metadata = &md
	}
	return &out
}

const titleMaxLen = 30

// ProposalTitle derives the short display title from the raw prompt.
func ProposalTitle(prompt string) string {
	runes := []rune(prompt)
	if len(runes) > titleMaxLen {
		runes = runes[:titleMaxLen]
	}
	return fmt.Sprintf("Agent Task: \"%s...\"", string(runes))
}
