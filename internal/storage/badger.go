// Dealroom - Real-Time Marketplace Negotiation Layer
// Copyright 2026 M. White (mwhite-dev)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhite-dev/dealroom

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mwhite-dev/dealroom/internal/config"
	"github.com/mwhite-dev/dealroom/internal/metrics"
	"github.com/mwhite-dev/dealroom/internal/models"
)

// Key prefixes for BadgerDB storage. Message keys embed the ULID message id
// so a prefix scan returns the log in creation order.
const (
	negotiationKeyPrefix = "negotiation:"
	messageKeyPrefix     = "message:"
	userKeyPrefix        = "user:"
)

// BadgerStore implements Store on BadgerDB. Suitable for the single-process
// deployment model; swap the Store interface to move off-box.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the Badger database at the configured
// path. With InMemory set, nothing touches disk; tests use this mode.
func NewBadgerStore(cfg *config.StorageConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func negotiationKey(id uuid.UUID) []byte {
	return []byte(negotiationKeyPrefix + id.String())
}

func messageKey(negotiationID uuid.UUID, messageID string) []byte {
	return []byte(messageKeyPrefix + negotiationID.String() + ":" + messageID)
}

func userKey(id uuid.UUID) []byte {
	return []byte(userKeyPrefix + id.String())
}

// CreateNegotiation stores a new negotiation record.
func (s *BadgerStore) CreateNegotiation(ctx context.Context, neg *models.Negotiation) error {
	defer metrics.ObserveStorageOp("create_negotiation", time.Now(), nil)
	return s.put(negotiationKey(neg.ID), neg)
}

// GetNegotiation retrieves a negotiation by id.
func (s *BadgerStore) GetNegotiation(ctx context.Context, id uuid.UUID) (*models.Negotiation, error) {
	start := time.Now()
	var neg models.Negotiation
	err := s.get(negotiationKey(id), &neg)
	metrics.ObserveStorageOp("get_negotiation", start, err)
	if err != nil {
		return nil, err
	}
	return &neg, nil
}

// UpdateNegotiationStatus writes a new lifecycle status.
func (s *BadgerStore) UpdateNegotiationStatus(ctx context.Context, id uuid.UUID, status models.NegotiationStatus) error {
	start := time.Now()
	err := s.mutateNegotiation(id, func(neg *models.Negotiation) {
		neg.Status = status
		neg.UpdatedAt = time.Now().UTC()
	})
	metrics.ObserveStorageOp("update_negotiation_status", start, err)
	return err
}

// UpdateNegotiationOffer writes the current offer amount.
func (s *BadgerStore) UpdateNegotiationOffer(ctx context.Context, id uuid.UUID, amount float64) error {
	start := time.Now()
	err := s.mutateNegotiation(id, func(neg *models.Negotiation) {
		neg.CurrentOffer = amount
		neg.UpdatedAt = time.Now().UTC()
	})
	metrics.ObserveStorageOp("update_negotiation_offer", start, err)
	return err
}

// UpdateNegotiationPaymentStatus records the external capture outcome.
func (s *BadgerStore) UpdateNegotiationPaymentStatus(ctx context.Context, id uuid.UUID, status models.PaymentStatus) error {
	start := time.Now()
	err := s.mutateNegotiation(id, func(neg *models.Negotiation) {
		neg.PaymentStatus = status
		neg.UpdatedAt = time.Now().UTC()
	})
	metrics.ObserveStorageOp("update_negotiation_payment_status", start, err)
	return err
}

// CreateMessage appends one immutable entry to a negotiation's log.
func (s *BadgerStore) CreateMessage(ctx context.Context, msg *models.NegotiationMessage) error {
	start := time.Now()
	err := s.put(messageKey(msg.NegotiationID, msg.ID), msg)
	metrics.ObserveStorageOp("create_message", start, err)
	return err
}

// ListMessages returns a negotiation's full log in creation order. Clients
// call this over the REST surface after a reconnect; the live stream is only
// a projection of this log.
func (s *BadgerStore) ListMessages(ctx context.Context, negotiationID uuid.UUID) ([]models.NegotiationMessage, error) {
	start := time.Now()
	prefix := []byte(messageKeyPrefix + negotiationID.String() + ":")
	var messages []models.NegotiationMessage

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg models.NegotiationMessage
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			messages = append(messages, msg)
		}
		return nil
	})
	metrics.ObserveStorageOp("list_messages", start, err)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// CreateUser stores a new user record.
func (s *BadgerStore) CreateUser(ctx context.Context, user *models.User) error {
	defer metrics.ObserveStorageOp("create_user", time.Now(), nil)
	return s.put(userKey(user.ID), user)
}

// GetUser retrieves a user by id.
func (s *BadgerStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	start := time.Now()
	var user models.User
	err := s.get(userKey(id), &user)
	metrics.ObserveStorageOp("get_user", start, err)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUserOnlineStatus persists a presence edge with a fresh last-seen.
func (s *BadgerStore) UpdateUserOnlineStatus(ctx context.Context, id uuid.UUID, online bool) error {
	start := time.Now()
	err := s.mutateUser(id, func(user *models.User) {
		user.IsOnline = online
		user.LastSeenAt = time.Now().UTC()
	})
	metrics.ObserveStorageOp("update_user_online_status", start, err)
	return err
}

// SetUserLastSeen refreshes last-seen without touching the online flag.
func (s *BadgerStore) SetUserLastSeen(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	err := s.mutateUser(id, func(user *models.User) {
		user.LastSeenAt = time.Now().UTC()
	})
	metrics.ObserveStorageOp("set_user_last_seen", start, err)
	return err
}

// GetUsersOnlineStatus returns the persisted presence rows for the given
// users. Unknown ids are skipped rather than failing the whole request.
func (s *BadgerStore) GetUsersOnlineStatus(ctx context.Context, ids []uuid.UUID) ([]models.PresenceRecord, error) {
	start := time.Now()
	records := make([]models.PresenceRecord, 0, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(userKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("get user %s: %w", id, err)
			}
			var user models.User
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &user)
			}); err != nil {
				return fmt.Errorf("decode user %s: %w", id, err)
			}
			records = append(records, models.PresenceRecord{
				UserID:     user.ID,
				IsOnline:   user.IsOnline,
				LastSeenAt: user.LastSeenAt,
			})
		}
		return nil
	})
	metrics.ObserveStorageOp("get_users_online_status", start, err)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *BadgerStore) put(key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) get(key []byte, out interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// mutateNegotiation applies a read-modify-write inside one transaction.
func (s *BadgerStore) mutateNegotiation(id uuid.UUID, mutate func(*models.Negotiation)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := negotiationKey(id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get negotiation: %w", err)
		}
		var neg models.Negotiation
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &neg)
		}); err != nil {
			return fmt.Errorf("decode negotiation: %w", err)
		}
		mutate(&neg)
		data, err := json.Marshal(&neg)
		if err != nil {
			return fmt.Errorf("marshal negotiation: %w", err)
		}
		return txn.Set(key, data)
	})
}

// mutateUser applies a read-modify-write inside one transaction. A missing
// user row is created on the fly so presence persists for identities the
// negotiation layer has not seen before.
func (s *BadgerStore) mutateUser(id uuid.UUID, mutate func(*models.User)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := userKey(id)
		user := models.User{ID: id}
		item, err := txn.Get(key)
		if err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &user)
			}); err != nil {
				return fmt.Errorf("decode user: %w", err)
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get user: %w", err)
		}
		mutate(&user)
		data, err := json.Marshal(&user)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}
		return txn.Set(key, data)
	})
}
