package jobs

import (
	"math"
	"sort"
)

// registry is a fixed-capacity table of live records indexed by id % capacity.
//
// Ids come from a monotonically increasing counter. When the slot for the next
// id is still held by a live record, that id is skipped (never issued) and the
// following one is tried; registration fails only when every slot is live.
// A slot only ever resolves for the exact id stored in it, so ids that were
// displaced or skipped can never reach an unrelated job.
//
// reaped remembers, per slot, the id of the last record the reaper retired
// from it, until the slot is issued again.
type registry struct {
	slots   []*Record
	reaped  []JID
	last    JID // highest id issued so far
	wrapped bool
	live    int
}

func newRegistry(capacity int) *registry {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &registry{slots: make([]*Record, capacity), reaped: make([]JID, capacity)}
}

func (r *registry) capacity() int { return len(r.slots) }

func (r *registry) slotOf(id JID) int { return int(id) % len(r.slots) }

func (r *registry) nextID(id JID) (JID, bool) {
	if id >= math.MaxInt32 {
		return 1, true
	}
	return id + 1, false
}

// register assigns rec an id and stores it.
func (r *registry) register(rec *Record) (JID, error) {
	if r.live >= len(r.slots) {
		return 0, ErrCapacityExceeded
	}
	cand := r.last
	wrapped := false
	for i := 0; i < len(r.slots); i++ {
		var w bool
		cand, w = r.nextID(cand)
		wrapped = wrapped || w
		idx := r.slotOf(cand)
		if r.slots[idx] != nil {
			continue
		}
		r.slots[idx] = rec
		r.reaped[idx] = 0
		rec.id = cand
		r.last = cand
		r.wrapped = r.wrapped || wrapped
		r.live++
		return cand, nil
	}
	return 0, ErrCapacityExceeded
}

func (r *registry) lookup(id JID) (*Record, bool) {
	if id <= 0 {
		return nil, false
	}
	if !r.wrapped && id > r.last {
		return nil, false
	}
	rec := r.slots[r.slotOf(id)]
	if rec == nil || rec.id != id {
		return nil, false
	}
	return rec, true
}

func (r *registry) remove(rec *Record) {
	if rec == nil || rec.id <= 0 {
		return
	}
	idx := r.slotOf(rec.id)
	if r.slots[idx] == rec {
		r.slots[idx] = nil
		r.live--
	}
}

// markReaped records that id left its slot through expiry.
func (r *registry) markReaped(id JID) {
	if id > 0 {
		r.reaped[r.slotOf(id)] = id
	}
}

func (r *registry) wasReaped(id JID) bool {
	return id > 0 && r.reaped[r.slotOf(id)] == id
}

func (r *registry) len() int { return r.live }

// all returns live records in submission order.
func (r *registry) all() []*Record {
	out := make([]*Record, 0, r.live)
	for _, rec := range r.slots {
		if rec != nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
