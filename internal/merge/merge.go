// Package merge combines the local not-yet-confirmed queue with the
// authoritative remote timeline into one deduplicated view.
package merge

import (
	"cmp"
	"slices"

	"github.com/courierchat/courier/internal/message"
)

// Merge produces the externally-visible timeline from a local pending
// snapshot and a remote snapshot. A local entity survives only while it is
// not SENT and its local id has no remote twin; the instant the remote
// stream confirms the same local id, the local shadow disappears regardless
// of whether its stored status was ever transitioned. The result is sorted
// ascending by timestamp with a secondary lexical local-id order so equal
// timestamps still yield a deterministic sequence.
func Merge(local, remote []message.Entity) []message.Entity {
	index := make(map[string]struct{}, len(remote))
	for i := range remote {
		index[remote[i].LocalID] = struct{}{}
	}

	out := make([]message.Entity, 0, len(remote)+len(local))
	out = append(out, remote...)
	for i := range local {
		if local[i].Status == message.StatusSent {
			continue
		}
		if _, confirmed := index[local[i].LocalID]; confirmed {
			continue
		}
		out = append(out, local[i])
	}

	slices.SortStableFunc(out, func(a, b message.Entity) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.LocalID, b.LocalID)
	})
	return out
}
