// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"testing"

	"pgregory.net/rapid"
)

// session is one Begin..End of a participant in the model.
type session struct {
	active bool
}

// retired is an item together with the sessions that were active when it was
// managed; none of them may still be active when it is reclaimed.
type retired struct {
	id        int
	blockers  []*session
	reclaimed int
}

// TestPropertyReclamationSafety interleaves Begin, Manage, End and Collect over
// a few participants and checks every reclaim against the sessions that could
// still observe the item.
func TestPropertyReclamationSafety(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := New()

		numParticipants := rapid.IntRange(1, 4).Draw(t, "participants")
		participants := make([]*Participant, numParticipants)
		sessions := make([]*session, numParticipants)
		for i := range participants {
			participants[i] = c.Participant()
		}

		var items []*retired
		reclaim := func(item any) {
			r := item.(*retired)
			r.reclaimed++
			for _, s := range r.blockers {
				if s.active {
					t.Fatalf("item %d reclaimed while an observing session was still pinned", r.id)
				}
			}
		}

		activeSessions := func() []*session {
			var out []*session
			for _, s := range sessions {
				if s != nil && s.active {
					out = append(out, s)
				}
			}
			return out
		}

		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for step := 0; step < steps; step++ {
			i := rapid.IntRange(0, numParticipants-1).Draw(t, "participant")
			p := participants[i]

			switch rapid.SampledFrom([]string{"begin", "manage", "end", "collect"}).Draw(t, "op") {
			case "begin":
				if !p.Pinned() {
					p.Begin()
					sessions[i] = &session{active: true}
				}
			case "manage":
				if p.Pinned() {
					r := &retired{id: len(items), blockers: activeSessions()}
					items = append(items, r)
					p.Manage(r, reclaim)
				}
			case "end":
				if p.Pinned() {
					sessions[i].active = false
					p.End()
				}
			case "collect":
				c.Collect()
			}

			stats := c.Stats()
			if stats.Reclaimed > stats.Managed {
				t.Fatalf("reclaimed %d items but only %d were published", stats.Reclaimed, stats.Managed)
			}
		}

		for _, s := range sessions {
			if s != nil {
				s.active = false
			}
		}
		c.Close()

		for _, r := range items {
			if r.reclaimed != 1 {
				t.Fatalf("item %d reclaimed %d times, want exactly once", r.id, r.reclaimed)
			}
		}
	})
}
