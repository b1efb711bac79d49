package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/collabsync/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return repo
}

func seedUser(t *testing.T, repo Repository, id, name string) {
	t.Helper()
	now := time.Now()
	err := repo.UpsertUser(context.Background(), &domain.User{
		ID: id, DisplayName: name, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
}

func TestUserRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	got, err := repo.GetUser(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("GetUser(missing) = (%v, %v), want (nil, nil)", got, err)
	}

	seedUser(t, repo, "u1", "Alice")
	got, err = repo.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.DisplayName != "Alice" {
		t.Errorf("unexpected display name %q", got.DisplayName)
	}

	got.DisplayName = "Alice B"
	got.UpdatedAt = time.Now()
	if err := repo.UpsertUser(ctx, got); err != nil {
		t.Fatalf("UpsertUser update failed: %v", err)
	}
	updated, _ := repo.GetUser(ctx, "u1")
	if updated.DisplayName != "Alice B" {
		t.Errorf("upsert did not update, got %q", updated.DisplayName)
	}
}

func TestSearchUsersExcludesCaller(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	seedUser(t, repo, "u1", "anon-alice")
	seedUser(t, repo, "u2", "anon-bob")
	seedUser(t, repo, "u3", "anon-alina")

	users, err := repo.SearchUsers(ctx, "ali", "u1", 10)
	if err != nil {
		t.Fatalf("SearchUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].ID != "u3" {
		t.Errorf("unexpected search result %+v", users)
	}
}

func TestConversationUniquePerUnorderedPair(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	first, err := repo.GetOrCreateConversation(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	second, err := repo.GetOrCreateConversation(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("GetOrCreateConversation (swapped) failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the same conversation for both orders, got %s and %s", first.ID, second.ID)
	}

	loaded, err := repo.GetConversation(ctx, first.ID)
	if err != nil || loaded == nil {
		t.Fatalf("GetConversation = (%v, %v)", loaded, err)
	}
	if !loaded.HasParticipant("alice") || !loaded.HasParticipant("bob") {
		t.Errorf("participants lost: %+v", loaded)
	}

	absent, err := repo.GetConversation(ctx, "nope")
	if err != nil || absent != nil {
		t.Errorf("GetConversation(absent) = (%v, %v), want (nil, nil)", absent, err)
	}
}

func TestMessagesReturnedInCreationOrder(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	conv, _ := repo.GetOrCreateConversation(ctx, "alice", "bob")

	base := time.Now().Add(-time.Minute)
	for i, content := range []string{"first", "second", "third"} {
		err := repo.CreateMessage(ctx, &domain.Message{
			ID: content, ConversationID: conv.ID, SenderID: "alice",
			Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	messages, err := repo.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, want := range []string{"first", "second", "third"} {
		if messages[i].Content != want {
			t.Errorf("position %d = %q, want %q", i, messages[i].Content, want)
		}
	}
}

func TestProposalRoundTripPreservesApprovalsAndMetadata(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	p := &domain.Proposal{
		ID:             "p1",
		ConversationID: "c1",
		Title:          domain.ProposalTitle("build the release"),
		Content:        "build the release",
		Status:         domain.StatusPending,
		Approvals:      domain.Approvals{"alice": domain.DecisionApproved},
		Metadata:       &domain.Metadata{IsMock: true, MockResponse: "canned"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.CreateProposal(ctx, p); err != nil {
		t.Fatalf("CreateProposal failed: %v", err)
	}

	got, err := repo.GetProposal(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProposal failed: %v", err)
	}
	if got.Approvals["alice"] != domain.DecisionApproved {
		t.Errorf("approvals lost: %v", got.Approvals)
	}
	if !got.IsMock() || got.Metadata.MockResponse != "canned" {
		t.Errorf("metadata lost: %+v", got.Metadata)
	}

	absent, err := repo.GetProposal(ctx, "nope")
	if err != nil || absent != nil {
		t.Errorf("GetProposal(absent) = (%v, %v), want (nil, nil)", absent, err)
	}
}

func TestGetLatestProposalPicksNewest(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	latest, err := repo.GetLatestProposal(ctx, "c1")
	if err != nil || latest != nil {
		t.Fatalf("GetLatestProposal(empty) = (%v, %v), want (nil, nil)", latest, err)
	}

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		err := repo.CreateProposal(ctx, &domain.Proposal{
			ID: id, ConversationID: "c1", Title: "t", Content: "c",
			Status: domain.StatusProcessed, Approvals: domain.Approvals{},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateProposal failed: %v", err)
		}
	}

	latest, err = repo.GetLatestProposal(ctx, "c1")
	if err != nil {
		t.Fatalf("GetLatestProposal failed: %v", err)
	}
	if latest.ID != "new" {
		t.Errorf("expected newest proposal, got %s", latest.ID)
	}
}

func TestProposalUpdatesRequireExistingRow(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	err := repo.UpdateProposalStatus(ctx, "ghost", domain.StatusApproved)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	err = repo.UpdateProposalApprovals(ctx, "ghost", domain.Approvals{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	err = repo.SetProposalResult(ctx, "ghost", "x", domain.StatusProcessed)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestProposalLifecycleUpdates(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	p := &domain.Proposal{
		ID: "p1", ConversationID: "c1", Title: "t", Content: "c",
		Status: domain.StatusPending, Approvals: domain.Approvals{},
		CreatedAt: now, UpdatedAt: now,
	}
	if err := repo.CreateProposal(ctx, p); err != nil {
		t.Fatalf("CreateProposal failed: %v", err)
	}

	merged := domain.Approvals{"alice": domain.DecisionApproved, "bob": domain.DecisionApproved}
	if err := repo.UpdateProposalApprovals(ctx, "p1", merged); err != nil {
		t.Fatalf("UpdateProposalApprovals failed: %v", err)
	}
	if err := repo.UpdateProposalStatus(ctx, "p1", domain.StatusApproved); err != nil {
		t.Fatalf("UpdateProposalStatus failed: %v", err)
	}
	if err := repo.SetProposalResult(ctx, "p1", "all done", domain.StatusProcessed); err != nil {
		t.Fatalf("SetProposalResult failed: %v", err)
	}

	got, _ := repo.GetProposal(ctx, "p1")
	if got.Status != domain.StatusProcessed || got.AgentAnalysis != "all done" {
		t.Errorf("unexpected final state %+v", got)
	}
	if len(got.Approvals) != 2 {
		t.Errorf("approvals lost during lifecycle: %v", got.Approvals)
	}
}

func TestFriendshipLifecycle(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	f := &domain.Friendship{
		ID: "f1", RequesterID: "alice", AddresseeID: "bob",
		Status: domain.FriendshipPending, CreatedAt: now, UpdatedAt: now,
	}
	if err := repo.CreateFriendship(ctx, f); err != nil {
		t.Fatalf("CreateFriendship failed: %v", err)
	}
	if err := repo.CreateFriendship(ctx, f); err == nil {
		t.Error("expected duplicate friendship to fail")
	}

	pending, err := repo.ListFriendships(ctx, "bob", domain.FriendshipPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListFriendships(pending) = (%v, %v)", pending, err)
	}

	if err := repo.UpdateFriendshipStatus(ctx, "f1", domain.FriendshipAccepted); err != nil {
		t.Fatalf("UpdateFriendshipStatus failed: %v", err)
	}
	accepted, _ := repo.ListFriendships(ctx, "alice", domain.FriendshipAccepted)
	if len(accepted) != 1 {
		t.Fatalf("expected one accepted friendship, got %d", len(accepted))
	}

	if err := repo.DeleteFriendship(ctx, "f1"); err != nil {
		t.Fatalf("DeleteFriendship failed: %v", err)
	}
	if err := repo.DeleteFriendship(ctx, "f1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestNotificationsNewestFirstAndMarkRead(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"n1", "n2"} {
		err := repo.CreateNotification(ctx, &domain.Notification{
			ID: id, UserID: "bob", Type: domain.NotificationFriendRequest,
			Body: "hello", CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateNotification failed: %v", err)
		}
	}

	list, err := repo.ListNotifications(ctx, "bob")
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "n2" {
		t.Errorf("expected newest first, got %+v", list)
	}

	if err := repo.MarkNotificationsRead(ctx, []string{"n1", "n2"}); err != nil {
		t.Fatalf("MarkNotificationsRead failed: %v", err)
	}
	list, _ = repo.ListNotifications(ctx, "bob")
	for _, n := range list {
		if !n.Read {
			t.Errorf("notification %s not marked read", n.ID)
		}
	}

	if err := repo.DeleteNotification(ctx, "n1"); err != nil {
		t.Fatalf("DeleteNotification failed: %v", err)
	}
	if err := repo.DeleteNotification(ctx, "n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}
