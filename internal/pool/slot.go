package pool

import "sync/atomic"

const (
	stateFree uint64 = iota
	stateCapture
	statePublished
	stateReading

	stateBits = 2
	stateMask = 1<<stateBits - 1
)

func pack(gen, state uint64) uint64 { return gen<<stateBits | state }
func genOf(w uint64) uint64         { return w >> stateBits }
func stateOf(w uint64) uint64       { return w & stateMask }

// Slot is one frame-sized buffer. Only the current role holder touches buf.
type Slot struct {
	pool *Pool
	id   int
	word atomic.Uint64
	buf  []byte
}

// ID identifies the slot within its pool.
func (s *Slot) ID() int { return s.id }

// Buffer returns the slot memory truncated to zero length, ready to be
// appended into by an acquirer.
func (s *Slot) Buffer() []byte { return s.buf[:0] }

// Publish makes data consumer-visible and returns the lease that claims it.
// data normally aliases Buffer(); if the acquirer had to grow it, the larger
// array becomes the slot's memory.
func (s *Slot) Publish(data []byte) Lease {
	s.buf = data

	w := s.word.Load()
	gen := genOf(w)
	s.word.Store(pack(gen, statePublished))

	s.pool.mu.Lock()
	s.pool.published = append(s.pool.published, s)
	s.pool.mu.Unlock()

	return Lease{slot: s, gen: gen}
}

// Discard returns a CaptureTarget slot to the pool without publishing it.
// Used when acquisition fails or is cancelled.
func (s *Slot) Discard() {
	w := s.word.Load()
	if stateOf(w) != stateCapture {
		return
	}
	if s.word.CompareAndSwap(w, pack(genOf(w), stateFree)) {
		s.pool.release(s)
	}
}

// Lease is the consumer's claim ticket for one published use of a slot.
type Lease struct {
	slot *Slot
	gen  uint64
}

// Claim moves the slot from Published to Reading. It fails when the
// producer reclaimed the slot under PolicyOverwrite.
func (l Lease) Claim() bool {
	if l.slot == nil {
		return false
	}
	if !l.slot.word.CompareAndSwap(pack(l.gen, statePublished), pack(l.gen, stateReading)) {
		return false
	}
	l.slot.pool.unpublish(l.slot)
	return true
}

// Release frees a claimed slot. Stale leases are ignored.
func (l Lease) Release() {
	if l.slot == nil {
		return
	}
	if l.slot.word.CompareAndSwap(pack(l.gen, stateReading), pack(l.gen, stateFree)) {
		l.slot.pool.release(l.slot)
	}
}
