// Package worker implements the delivery steps executed by the job queue:
// sending a message to the remote store and uploading a media attachment.
// Workers are safe to re-invoke after process restart; all of their input
// comes from the durable job record.
package worker

import (
	"encoding/json"

	"github.com/courierchat/courier/internal/message"
)

// SendPayload is the durable input of a send job: the full entity field set,
// so the worker never depends on in-memory state from the enqueue path.
type SendPayload struct {
	LocalID    string       `json:"local_id"`
	SenderID   string       `json:"sender_id"`
	SenderName string       `json:"sender_name"`
	Body       string       `json:"body,omitempty"`
	MediaURL   string       `json:"media_url,omitempty"`
	MediaKind  string       `json:"media_kind,omitempty"`
	Kind       message.Kind `json:"kind"`
	ReplyToID  string       `json:"reply_to_id,omitempty"`
	Timestamp  int64        `json:"timestamp"`
}

// NewSendPayload captures an entity as a send job payload.
func NewSendPayload(e *message.Entity) SendPayload {
	return SendPayload{
		LocalID:    e.LocalID,
		SenderID:   e.SenderID,
		SenderName: e.SenderName,
		Body:       e.Body,
		MediaURL:   e.MediaURL,
		MediaKind:  e.MediaKind,
		Kind:       e.Kind,
		ReplyToID:  e.ReplyToID,
		Timestamp:  e.Timestamp,
	}
}

// Encode serializes the payload for the job record.
func (p SendPayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	return string(data), err
}

// entity rebuilds the outgoing entity with the given status.
func (p SendPayload) entity(status message.Status) *message.Entity {
	return &message.Entity{
		LocalID:    p.LocalID,
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		Body:       p.Body,
		MediaURL:   p.MediaURL,
		MediaKind:  p.MediaKind,
		Timestamp:  p.Timestamp,
		Status:     status,
		Kind:       p.Kind,
		ReplyToID:  p.ReplyToID,
	}
}

// UploadPayload is the durable input of an upload job.
type UploadPayload struct {
	LocalID    string `json:"local_id"`
	SourcePath string `json:"source_path"`
	MIMEType   string `json:"mime_type"`
}

// Encode serializes the payload for the job record.
func (p UploadPayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	return string(data), err
}
