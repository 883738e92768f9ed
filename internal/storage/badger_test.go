// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/mwhite-dev/dealroom/internal/config"
	"github.com/mwhite-dev/dealroom/internal/models"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(&config.StorageConfig{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func testNegotiation() *models.Negotiation {
	now := time.Now().UTC()
	return &models.Negotiation{
		ID:           uuid.New(),
		ProductID:    uuid.New(),
		BuyerID:      uuid.New(),
		SellerID:     uuid.New(),
		Status:       models.NegotiationActive,
		CurrentOffer: 120,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestNegotiationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	neg := testNegotiation()

	if err := store.CreateNegotiation(ctx, neg); err != nil {
		t.Fatalf("CreateNegotiation: %v", err)
	}

	got, err := store.GetNegotiation(ctx, neg.ID)
	if err != nil {
		t.Fatalf("GetNegotiation: %v", err)
	}
	if got.ID != neg.ID || got.BuyerID != neg.BuyerID || got.Status != models.NegotiationActive {
		t.Errorf("GetNegotiation = %+v, want %+v", got, neg)
	}
	if got.CurrentOffer != 120 {
		t.Errorf("CurrentOffer = %v, want 120", got.CurrentOffer)
	}
}

func TestGetNegotiationNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetNegotiation(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetNegotiation error = %v, want ErrNotFound", err)
	}
}

func TestNegotiationUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	neg := testNegotiation()
	if err := store.CreateNegotiation(ctx, neg); err != nil {
		t.Fatalf("CreateNegotiation: %v", err)
	}

	if err := store.UpdateNegotiationOffer(ctx, neg.ID, 95.5); err != nil {
		t.Fatalf("UpdateNegotiationOffer: %v", err)
	}
	if err := store.UpdateNegotiationStatus(ctx, neg.ID, models.NegotiationCompleted); err != nil {
		t.Fatalf("UpdateNegotiationStatus: %v", err)
	}
	if err := store.UpdateNegotiationPaymentStatus(ctx, neg.ID, models.PaymentCaptured); err != nil {
		t.Fatalf("UpdateNegotiationPaymentStatus: %v", err)
	}

	got, err := store.GetNegotiation(ctx, neg.ID)
	if err != nil {
		t.Fatalf("GetNegotiation: %v", err)
	}
	if got.CurrentOffer != 95.5 {
		t.Errorf("CurrentOffer = %v, want 95.5", got.CurrentOffer)
	}
	if got.Status != models.NegotiationCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.PaymentStatus != models.PaymentCaptured {
		t.Errorf("PaymentStatus = %s, want captured", got.PaymentStatus)
	}
	if !got.UpdatedAt.After(neg.UpdatedAt) && !got.UpdatedAt.Equal(neg.UpdatedAt) {
		t.Error("UpdatedAt must advance on mutation")
	}
}

func TestUpdateMissingNegotiation(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateNegotiationStatus(context.Background(), uuid.New(), models.NegotiationCancelled)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateNegotiationStatus error = %v, want ErrNotFound", err)
	}
}

func TestListMessagesInCreationOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	negID := uuid.New()
	otherNegID := uuid.New()

	var wantIDs []string
	for i := 0; i < 5; i++ {
		msg := &models.NegotiationMessage{
			ID:            ulid.Make().String(),
			NegotiationID: negID,
			SenderID:      uuid.New(),
			Kind:          models.MessageChat,
			Content:       "msg",
			CreatedAt:     time.Now().UTC(),
		}
		if err := store.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		wantIDs = append(wantIDs, msg.ID)
		// ULIDs within the same millisecond still sort by entropy; a tiny
		// sleep keeps creation order and lexical order aligned.
		time.Sleep(2 * time.Millisecond)
	}

	// A message on another negotiation must not leak into the scan.
	other := &models.NegotiationMessage{
		ID:            ulid.Make().String(),
		NegotiationID: otherNegID,
		SenderID:      uuid.New(),
		Kind:          models.MessageChat,
	}
	if err := store.CreateMessage(ctx, other); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	messages, err := store.ListMessages(ctx, negID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != len(wantIDs) {
		t.Fatalf("ListMessages = %d entries, want %d", len(messages), len(wantIDs))
	}
	for i, msg := range messages {
		if msg.ID != wantIDs[i] {
			t.Errorf("messages[%d].ID = %s, want %s", i, msg.ID, wantIDs[i])
		}
	}
}

func TestListMessagesEmpty(t *testing.T) {
	store := newTestStore(t)
	messages, err := store.ListMessages(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("ListMessages = %d entries, want 0", len(messages))
	}
}

func TestUserPresence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice := &models.User{ID: uuid.New(), Username: "alice"}
	if err := store.CreateUser(ctx, alice); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := store.UpdateUserOnlineStatus(ctx, alice.ID, true); err != nil {
		t.Fatalf("UpdateUserOnlineStatus: %v", err)
	}

	got, err := store.GetUser(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !got.IsOnline || got.Username != "alice" {
		t.Errorf("GetUser = %+v, want online alice", got)
	}
	if got.LastSeenAt.IsZero() {
		t.Error("online edge must refresh LastSeenAt")
	}

	if err := store.UpdateUserOnlineStatus(ctx, alice.ID, false); err != nil {
		t.Fatalf("UpdateUserOnlineStatus: %v", err)
	}
	got, err = store.GetUser(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.IsOnline {
		t.Error("offline edge must persist is_online=false")
	}
}

func TestPresenceForUnknownUserCreatesRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	if err := store.UpdateUserOnlineStatus(ctx, userID, true); err != nil {
		t.Fatalf("UpdateUserOnlineStatus: %v", err)
	}
	got, err := store.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !got.IsOnline {
		t.Error("presence write must create the missing user row")
	}
}

func TestGetUsersOnlineStatusSkipsUnknown(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	if err := store.UpdateUserOnlineStatus(ctx, alice, true); err != nil {
		t.Fatalf("UpdateUserOnlineStatus: %v", err)
	}
	if err := store.UpdateUserOnlineStatus(ctx, bob, false); err != nil {
		t.Fatalf("UpdateUserOnlineStatus: %v", err)
	}

	records, err := store.GetUsersOnlineStatus(ctx, []uuid.UUID{alice, bob, uuid.New()})
	if err != nil {
		t.Fatalf("GetUsersOnlineStatus: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2 (unknown id skipped)", len(records))
	}
	byID := map[uuid.UUID]bool{}
	for _, rec := range records {
		byID[rec.UserID] = rec.IsOnline
	}
	if !byID[alice] || byID[bob] {
		t.Errorf("records = %+v, want alice online and bob offline", records)
	}
}

func TestSetUserLastSeen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()
	if err := store.UpdateUserOnlineStatus(ctx, userID, true); err != nil {
		t.Fatalf("UpdateUserOnlineStatus: %v", err)
	}
	before, err := store.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	if err := store.SetUserLastSeen(ctx, userID); err != nil {
		t.Fatalf("SetUserLastSeen: %v", err)
	}
	after, err := store.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !after.LastSeenAt.After(before.LastSeenAt) {
		t.Error("SetUserLastSeen must advance LastSeenAt")
	}
	if !after.IsOnline {
		t.Error("SetUserLastSeen must not touch the online flag")
	}
}
