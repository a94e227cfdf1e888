package merge

import (
	"testing"

	"github.com/courierchat/courier/internal/message"
)

func local(localID string, ts int64, status message.Status) message.Entity {
	e := message.Entity{
		LocalID:   localID,
		SenderID:  "u1",
		Body:      "local " + localID,
		Timestamp: ts,
		Status:    status,
		Kind:      message.KindText,
	}
	if status == message.StatusSent {
		e.RemoteID = "r-" + localID
	}
	return e
}

func remote(localID string, ts int64) message.Entity {
	return message.Entity{
		LocalID:   localID,
		RemoteID:  "r-" + localID,
		SenderID:  "u1",
		Body:      "remote " + localID,
		Timestamp: ts,
		Status:    message.StatusSent,
		Kind:      message.KindText,
	}
}

func TestMergeRemoteOnly(t *testing.T) {
	got := Merge(nil, []message.Entity{remote("m1", 100)})
	if len(got) != 1 || got[0].LocalID != "m1" {
		t.Errorf("merged = %+v, want [m1]", got)
	}
}

func TestMergeLocalShadowVanishesOnConfirmation(t *testing.T) {
	l := []message.Entity{local("m1", 100, message.StatusPending)}
	r := []message.Entity{remote("m1", 105)}

	got := Merge(l, r)
	if len(got) != 1 {
		t.Fatalf("merged has %d entries, want 1", len(got))
	}
	if got[0].RemoteID != "r-m1" || got[0].Status != message.StatusSent {
		t.Errorf("merged[0] = %+v, want the remote copy", got[0])
	}
	if got[0].Timestamp != 105 {
		t.Errorf("timestamp = %d, want the server-assigned 105", got[0].Timestamp)
	}
}

func TestMergeFailedLocalSurvives(t *testing.T) {
	l := []message.Entity{local("m2", 200, message.StatusFailed)}
	r := []message.Entity{remote("other", 100)}

	got := Merge(l, r)
	if len(got) != 2 {
		t.Fatalf("merged has %d entries, want 2", len(got))
	}
	if got[0].LocalID != "other" || got[1].LocalID != "m2" {
		t.Errorf("order = [%s, %s], want [other, m2]", got[0].LocalID, got[1].LocalID)
	}
}

func TestMergeDropsSentLocals(t *testing.T) {
	// A SENT local straggler (crash between update and remove) must not
	// duplicate the timeline even when the remote snapshot lags behind.
	l := []message.Entity{local("m1", 100, message.StatusSent)}
	got := Merge(l, nil)
	if len(got) != 0 {
		t.Errorf("merged = %+v, want empty", got)
	}
}

func TestMergeDedupInvariant(t *testing.T) {
	l := []message.Entity{
		local("a", 100, message.StatusPending),
		local("b", 150, message.StatusFailed),
		local("c", 300, message.StatusPending),
	}
	r := []message.Entity{remote("a", 110), remote("b", 160), remote("x", 50)}

	got := Merge(l, r)
	seen := make(map[string]int)
	for _, e := range got {
		seen[e.LocalID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("local id %q appears %d times", id, n)
		}
	}
	if len(got) != 4 {
		t.Errorf("merged has %d entries, want 4", len(got))
	}
	// Confirmed ids resolve to the remote copy.
	for _, e := range got {
		if (e.LocalID == "a" || e.LocalID == "b") && e.Status != message.StatusSent {
			t.Errorf("%s resolved to local copy: %+v", e.LocalID, e)
		}
	}
}

func TestMergeOrderingInvariant(t *testing.T) {
	l := []message.Entity{local("z", 50, message.StatusPending), local("a", 250, message.StatusFailed)}
	r := []message.Entity{remote("m", 100), remote("n", 200)}

	got := Merge(l, r)
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp < got[i-1].Timestamp {
			t.Fatalf("timestamps not non-decreasing: %+v", got)
		}
	}
}

func TestMergeEqualTimestampTieBreak(t *testing.T) {
	l := []message.Entity{local("bbb", 100, message.StatusPending)}
	r := []message.Entity{remote("ccc", 100), remote("aaa", 100)}

	got := Merge(l, r)
	if len(got) != 3 {
		t.Fatalf("merged has %d entries, want 3", len(got))
	}
	want := []string{"aaa", "bbb", "ccc"}
	for i, id := range want {
		if got[i].LocalID != id {
			t.Errorf("merged[%d] = %s, want %s (lexical tie-break)", i, got[i].LocalID, id)
		}
	}
}

func TestMergeDeterministic(t *testing.T) {
	l := []message.Entity{local("p", 100, message.StatusPending)}
	r := []message.Entity{remote("q", 100)}
	first := Merge(l, r)
	second := Merge(l, r)
	if len(first) != len(second) {
		t.Fatal("non-deterministic merge length")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("merge not deterministic at %d", i)
		}
	}
}
