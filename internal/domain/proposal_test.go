package domain

import (
	"strings"
	"testing"
)

func TestAllowsNewProposal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:           false,
		StatusApproved:          false,
		StatusRejected:          false,
		StatusInterrupted:       false,
		StatusError:             false,
		StatusProcessed:         true,
		StatusRejectedProcessed: true,
	}
	for status, want := range cases {
		if got := status.AllowsNewProposal(); got != want {
			t.Errorf("%s: AllowsNewProposal() = %v, want %v", status, got, want)
		}
	}
}

func TestApprovalsUnanimous(t *testing.T) {
	cases := []struct {
		name     string
		a        Approvals
		decision Decision
		ok       bool
	}{
		{"empty", Approvals{}, "", false},
		{"one of two approved", Approvals{"a": DecisionApproved}, "", false},
		{"mixed", Approvals{"a": DecisionApproved, "b": DecisionRejected}, "", false},
		{"both approved", Approvals{"a": DecisionApproved, "b": DecisionApproved}, DecisionApproved, true},
		{"both rejected", Approvals{"a": DecisionRejected, "b": DecisionRejected}, DecisionRejected, true},
	}
	for _, tc := range cases {
		decision, ok := tc.a.Unanimous(2)
		if ok != tc.ok || decision != tc.decision {
			t.Errorf("%s: Unanimous(2) = (%q, %v), want (%q, %v)", tc.name, decision, ok, tc.decision, tc.ok)
		}
	}
}

func TestApprovalsCloneIsIndependent(t *testing.T) {
	orig := Approvals{"a": DecisionApproved}
	cl := orig.Clone()
	cl["b"] = DecisionRejected
	if _, ok := orig["b"]; ok {
		t.Error("mutating the clone changed the original")
	}
	if Approvals(nil).Clone() == nil {
		t.Error("cloning a nil map should produce an empty, usable map")
	}
}

func TestProposalTitleTruncatesToThirtyRunes(t *testing.T) {
	short := ProposalTitle("fix the build")
	if short != `Agent Task: "fix the build..."` {
		t.Errorf("unexpected short title %q", short)
	}

	long := ProposalTitle(strings.Repeat("x", 50))
	want := `Agent Task: "` + strings.Repeat("x", 30) + `..."`
	if long != want {
		t.Errorf("long title = %q, want %q", long, want)
	}

	unicode := ProposalTitle(strings.Repeat("é", 40))
	if !strings.Contains(unicode, strings.Repeat("é", 30)) || strings.Contains(unicode, strings.Repeat("é", 31)) {
		t.Errorf("expected rune-wise truncation, got %q", unicode)
	}
}

func TestProposalCloneIsDeep(t *testing.T) {
	p := &Proposal{
		ID:        "p1",
		Approvals: Approvals{"a": DecisionApproved},
		Metadata:  &Metadata{IsMock: true, MockResponse: "canned"},
	}
	cl := p.Clone()
	cl.Approvals["b"] = DecisionRejected
	cl.Metadata.MockResponse = "changed"

	if _, ok := p.Approvals["b"]; ok {
		t.Error("clone shares the approvals map")
	}
	if p.Metadata.MockResponse != "canned" {
		t.Error("clone shares the metadata pointer")
	}
	if (*Proposal)(nil).Clone() != nil {
		t.Error("cloning nil should return nil")
	}
}

func TestIsMock(t *testing.T) {
	if (&Proposal{}).IsMock() {
		t.Error("proposal without metadata reported as mock")
	}
	if !(&Proposal{Metadata: &Metadata{IsMock: true}}).IsMock() {
		t.Error("mock proposal not detected")
	}
}

func TestProcessingContentFormat(t *testing.T) {
	got := ProcessingContent(`Agent Task: "fix the build..."`)
	want := `Processing task: "Agent Task: "fix the build...""...`
	if got != want {
		t.Errorf("ProcessingContent = %q, want %q", got, want)
	}
}

func TestCorrelationIDs(t *testing.T) {
	if !IsProcessingEntryID(ProcessingEntryID("p1")) {
		t.Error("processing id not recognized")
	}
	if IsProcessingEntryID(AnalysisEntryID("p1")) {
		t.Error("analysis id misclassified as processing")
	}
	ids := map[string]string{
		ProcessingEntryID("p1"):        "processing-p1",
		AnalysisEntryID("p1"):          "analysis-p1",
		InterruptedEntryID("p1"):       "interrupted-p1",
		RejectionResponseEntryID("p1"): "rejection-response-p1",
		RejectionNoticeEntryID("p1"):   "system-rejection-p1",
		ErrorEntryID("p1"):             "error-p1",
	}
	for got, want := range ids {
		if got != want {
			t.Errorf("correlation id = %q, want %q", got, want)
		}
	}
}

func TestConversationPeerOf(t *testing.T) {
	c := &Conversation{ID: "c", UserA: "a", UserB: "b"}
	if c.PeerOf("a") != "b" || c.PeerOf("b") != "a" {
		t.Error("PeerOf returned the wrong member")
	}
	if c.PeerOf("z") != "" {
		t.Error("PeerOf for a non-member should be empty")
	}
	if !c.HasParticipant("a") || c.HasParticipant("z") {
		t.Error("HasParticipant misreported membership")
	}
}

func TestSortPairIsCanonical(t *testing.T) {
	a1, b1 := SortPair("alice", "bob")
	a2, b2 := SortPair("bob", "alice")
	if a1 != a2 || b1 != b2 {
		t.Errorf("SortPair not canonical: (%s,%s) vs (%s,%s)", a1, b1, a2, b2)
	}
}

func TestTempMessageID(t *testing.T) {
	id := TempMessageID("abc")
	if !IsTempID(id) {
		t.Errorf("expected %q to be a temp id", id)
	}
	if IsTempID("abc") {
		t.Error("plain id misclassified as temp")
	}
}
