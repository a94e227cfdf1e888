package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies the content of a message.
type Kind string

const (
	KindText  Kind = "TEXT"
	KindImage Kind = "IMAGE"
	KindVideo Kind = "VIDEO"
)

// Media reports whether the kind carries a media attachment.
func (k Kind) Media() bool {
	return k == KindImage || k == KindVideo
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindText || k == KindImage || k == KindVideo
}

// Entity is a single chat message. LocalID is client-generated and stable for
// the lifetime of the message; it doubles as the idempotency and merge key.
// RemoteID is assigned by the remote store after a successful send and is
// immutable once set.
type Entity struct {
	LocalID    string `json:"local_id"`
	RemoteID   string `json:"remote_id,omitempty"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Body       string `json:"body,omitempty"`
	MediaURL   string `json:"media_url,omitempty"`
	MediaKind  string `json:"media_kind,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Status     Status `json:"status"`
	Kind       Kind   `json:"kind"`
	ReplyToID  string `json:"reply_to_id,omitempty"`
}

// NewText creates a PENDING text message with a fresh local id and the
// current time as its client timestamp.
func NewText(senderID, senderName, body, replyToID string) *Entity {
	return &Entity{
		LocalID:    uuid.NewString(),
		SenderID:   senderID,
		SenderName: senderName,
		Body:       body,
		Timestamp:  time.Now().UnixMilli(),
		Status:     StatusPending,
		Kind:       KindText,
		ReplyToID:  replyToID,
	}
}

// NewMedia creates a PENDING media message. mediaURL may be a provisional
// reference; the upload step overwrites it with the resolved URL.
func NewMedia(kind Kind, senderID, senderName, mediaKind, mediaURL, replyToID string) *Entity {
	return &Entity{
		LocalID:    uuid.NewString(),
		SenderID:   senderID,
		SenderName: senderName,
		MediaURL:   mediaURL,
		MediaKind:  mediaKind,
		Timestamp:  time.Now().UnixMilli(),
		Status:     StatusPending,
		Kind:       kind,
		ReplyToID:  replyToID,
	}
}

// Validate checks the entity invariants:
//   - a TEXT message has a non-blank body
//   - an IMAGE/VIDEO message has a media kind and, once SENT, a media URL
//   - RemoteID is set if and only if the message is SENT
func (e *Entity) Validate() error {
	if strings.TrimSpace(e.LocalID) == "" {
		return fmt.Errorf("message: blank local id")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("message %s: unknown status %q", e.LocalID, e.Status)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("message %s: unknown kind %q", e.LocalID, e.Kind)
	}
	if e.Kind == KindText && strings.TrimSpace(e.Body) == "" {
		return fmt.Errorf("message %s: text message with blank body", e.LocalID)
	}
	if e.Kind.Media() {
		if e.MediaKind == "" {
			return fmt.Errorf("message %s: media message without media kind", e.LocalID)
		}
		if e.Status == StatusSent && e.MediaURL == "" {
			return fmt.Errorf("message %s: sent media message without media url", e.LocalID)
		}
	}
	if (e.RemoteID != "") != (e.Status == StatusSent) {
		return fmt.Errorf("message %s: remote id %q inconsistent with status %s", e.LocalID, e.RemoteID, e.Status)
	}
	return nil
}

// Clone returns a copy of the entity.
func (e *Entity) Clone() *Entity {
	c := *e
	return &c
}
