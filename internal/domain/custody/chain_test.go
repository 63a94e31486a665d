package custody

import (
	"bytes"
	"iter"
	"testing"
	"time"
)

func seqOf(events []*Event) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func buildChain(t *testing.T, s *Sealer, n int) []*Event {
	t.Helper()
	base := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	var out []*Event
	prev := ""
	for i := 1; i <= n; i++ {
		ev := &Event{
			EvidenceID:   "item-1",
			Sequence:     int64(i),
			Action:       ActionViewed,
			Actor:        "alice",
			ClientOrigin: "10.0.0.1",
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
		}
		if i == 1 {
			ev.Action = ActionUploaded
		}
		if err := s.Seal(ev, prev); err != nil {
			t.Fatal(err)
		}
		prev = ev.RecordHash
		out = append(out, ev)
	}
	return out
}

func newTestSealer(t *testing.T, b byte) *Sealer {
	t.Helper()
	s, err := NewSealer(bytes.Repeat([]byte{b}, 32))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSealLinksChain(t *testing.T) {
	s := newTestSealer(t, 1)
	events := buildChain(t, s, 4)
	if events[0].PrevHash != GenesisHash {
		t.Fatalf("first prev_hash = %s", events[0].PrevHash)
	}
	for i := 1; i < len(events); i++ {
		if events[i].PrevHash != events[i-1].RecordHash {
			t.Fatalf("event %d not linked", i+1)
		}
	}
	rep, err := s.Verify("item-1", seqOf(events))
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.Events != 4 || rep.LastHash != events[3].RecordHash {
		t.Fatalf("report = %+v", rep)
	}
}

func TestRecordHashDeterministic(t *testing.T) {
	ev := &Event{EvidenceID: "x", Sequence: 1, Action: ActionVerified, Actor: "a", Timestamp: time.Unix(10, 5),
		Verification: &Verification{SHA256Match: true, SHA512Match: true, AuthOK: true}, PrevHash: GenesisHash}
	h1, err := RecordHash(ev)
	if err != nil {
		t.Fatal(err)
	}
	clone := *ev
	v := *ev.Verification
	clone.Verification = &v
	h2, _ := RecordHash(&clone)
	if h1 != h2 {
		t.Fatal("identical events hashed differently")
	}
	clone.Verification.AuthOK = false
	if h3, _ := RecordHash(&clone); h3 == h1 {
		t.Fatal("verification outcome not covered by hash")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := newTestSealer(t, 2)

	tests := []struct {
		name   string
		mutate func([]*Event) []*Event
		broken int64
	}{
		{"actor edited", func(ev []*Event) []*Event { ev[2].Actor = "mallory"; return ev }, 3},
		{"timestamp edited", func(ev []*Event) []*Event { ev[1].Timestamp = ev[1].Timestamp.Add(time.Second); return ev }, 2},
		{"event removed", func(ev []*Event) []*Event { return append(ev[:1], ev[2:]...) }, 3},
		{"signature forged", func(ev []*Event) []*Event { ev[3].Signature = GenesisHash; return ev }, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := tt.mutate(buildChain(t, s, 5))
			rep, err := s.Verify("item-1", seqOf(events))
			if err != nil {
				t.Fatal(err)
			}
			if rep.Valid || rep.BrokenAt != tt.broken {
				t.Fatalf("report = %+v, want broken at %d", rep, tt.broken)
			}
		})
	}
}

func TestVerifyRejectsOtherKey(t *testing.T) {
	events := buildChain(t, newTestSealer(t, 3), 2)
	rep, err := newTestSealer(t, 4).Verify("item-1", seqOf(events))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Valid || rep.BrokenAt != 1 || rep.Reason != "signature mismatch" {
		t.Fatalf("report = %+v", rep)
	}
}

func TestNewSealerKeySize(t *testing.T) {
	if _, err := NewSealer([]byte("short")); err == nil {
		t.Fatal("short key accepted")
	}
}
