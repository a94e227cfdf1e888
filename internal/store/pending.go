package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/courierchat/courier/internal/message"
)

const pendingKeyPrefix = "pending_"

// PendingKey returns the storage key for a local message id.
func PendingKey(localID string) string {
	return pendingKeyPrefix + localID
}

// PutPending upserts a not-yet-confirmed message, serialized as JSON.
// Idempotent: writing the same entity twice leaves one entry.
func (db *DB) PutPending(e *message.Entity) error {
	value, err := json.Marshal(e)
	if err != nil {
		return storageErr("encode pending", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO pending_messages (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		PendingKey(e.LocalID), string(value), now)
	return storageErr("put pending", err)
}

// GetPending returns the pending entity for a local id, or nil if absent.
func (db *DB) GetPending(localID string) (*message.Entity, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM pending_messages WHERE key = ?`, PendingKey(localID)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get pending", err)
	}
	var e message.Entity
	if err := json.Unmarshal([]byte(value), &e); err != nil {
		return nil, storageErr("decode pending", err)
	}
	return &e, nil
}

// ListPending returns all pending messages. Order is unspecified; callers sort.
func (db *DB) ListPending() ([]message.Entity, error) {
	rows, err := db.Query(`SELECT value FROM pending_messages`)
	if err != nil {
		return nil, storageErr("list pending", err)
	}
	defer func() { _ = rows.Close() }()

	var out []message.Entity
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, storageErr("scan pending", err)
		}
		var e message.Entity
		if err := json.Unmarshal([]byte(value), &e); err != nil {
			return nil, storageErr("decode pending", err)
		}
		out = append(out, e)
	}
	return out, storageErr("list pending", rows.Err())
}

// UpdatePendingStatus transitions the stored entity to newStatus, setting the
// remote id when provided. Returns ErrNotFound if no entry exists for localID,
// which is how a stale job discovers its target is gone and stops acting.
// The read-modify-write runs in a transaction so a single entity's fields
// never tear under concurrent writers.
func (db *DB) UpdatePendingStatus(localID string, newStatus message.Status, remoteID string) error {
	tx, err := db.Begin()
	if err != nil {
		return storageErr("begin update", err)
	}
	defer func() { _ = tx.Rollback() }()

	var value string
	err = tx.QueryRow(`SELECT value FROM pending_messages WHERE key = ?`, PendingKey(localID)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("read for update", err)
	}

	var e message.Entity
	if err := json.Unmarshal([]byte(value), &e); err != nil {
		return storageErr("decode pending", err)
	}
	e.Status = newStatus
	if remoteID != "" {
		if e.RemoteID != "" && e.RemoteID != remoteID {
			return storageErr("update pending", fmt.Errorf("remote id already set for %s", localID))
		}
		e.RemoteID = remoteID
	}

	updated, err := json.Marshal(&e)
	if err != nil {
		return storageErr("encode pending", err)
	}
	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`UPDATE pending_messages SET value = ?, updated_at = ? WHERE key = ?`,
		string(updated), now, PendingKey(localID)); err != nil {
		return storageErr("update pending", err)
	}
	return storageErr("commit update", tx.Commit())
}

// RemovePending deletes the entry for a local id. Removing an absent entry is
// a no-op: removal runs after remote confirmation, which may race a delete.
func (db *DB) RemovePending(localID string) error {
	_, err := db.Exec(`DELETE FROM pending_messages WHERE key = ?`, PendingKey(localID))
	return storageErr("remove pending", err)
}
