// Package remote talks to the authoritative message store: point operations
// over HTTP and a server-pushed timeline over a websocket, wrapped as a
// restartable snapshot stream.
package remote

import (
	"context"
	"io"

	"github.com/courierchat/courier/internal/message"
)

// SendResult is the remote store's acknowledgement of a write. The server
// assigns both the id and the timestamp used for ordering.
type SendResult struct {
	RemoteID  string `json:"remote_id"`
	Timestamp int64  `json:"timestamp"`
}

// Store is the point-operation surface of the remote message store.
type Store interface {
	// Send writes one message. The entity's local id is echoed back by the
	// server on the live stream, which is what makes merging possible.
	Send(ctx context.Context, e *message.Entity) (SendResult, error)

	// LoadOlder pages backwards through history. Fewer than limit results
	// (or zero) signals end of history.
	LoadOlder(ctx context.Context, beforeTS int64, limit int) ([]message.Entity, error)

	// Delete removes a confirmed message by its remote id.
	Delete(ctx context.Context, remoteID string) error

	// Upload transfers a media blob and returns its resolved URL. progress,
	// when non-nil, receives percentages in [0,100] as bytes move.
	Upload(ctx context.Context, r io.Reader, size int64, mime string, progress func(int)) (string, error)
}

// Source is the callback surface of the remote store's live subscription.
// Implementations must deliver the current snapshot before incremental
// updates, and must translate stream errors into an empty-snapshot emission
// rather than tearing down the subscription.
type Source interface {
	Subscribe(fn func(snapshot []message.Entity)) (unsubscribe func(), err error)
}
