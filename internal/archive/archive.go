// Package archive stores snapshots of retrieved records in object storage.
//
// Snapshots are written when a session is created and removed when it closes,
// unless retention is enabled. Archive failures never fail a session.
package archive

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot not found")

// Store persists opaque snapshot payloads.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// SnapshotKey is the object key for a session's record snapshot.
func SnapshotKey(sessionID string) string {
	return "sessions/" + sessionID + "/record.json"
}

// Nop discards snapshots.
type Nop struct{}

// Put implements Store.
func (Nop) Put(context.Context, string, []byte) error { return nil }

// Get implements Store.
func (Nop) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }

// Delete implements Store.
func (Nop) Delete(context.Context, string) error { return nil }
