// Package pipeline decouples host callbacks from network fan-out through a
// fixed-capacity circular buffer drained by a single consumer.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/model"
)

// Kind discriminates the payload carried by a Frame.
type Kind uint8

const (
	KindQuote Kind = iota + 1
	KindDepth
	KindOrder
	KindAccount
)

func (k Kind) String() string {
	switch k {
	case KindQuote:
		return "quote"
	case KindDepth:
		return "depth"
	case KindOrder:
		return "order"
	case KindAccount:
		return "account"
	}
	return "unknown"
}

// Droppable reports whether a newer frame of the same kind supersedes this one.
func (k Kind) Droppable() bool { return k == KindQuote || k == KindDepth }

// Frame is one buffered host event. Only the field matching Kind is meaningful.
type Frame struct {
	Kind    Kind
	Key     string
	Origin  time.Time
	Quote   model.Quote
	Depth   model.Depth
	Order   model.OrderUpdate
	Account model.AccountItem
}

// Ring is a bounded FIFO of frames. Writers are serialized by a mutex; exactly one
// goroutine may read. The ring is full when write-read reaches capacity and a
// cursor maps to slot cursor%capacity.
type Ring struct {
	slots    []Frame
	capacity uint64

	writeMu sync.Mutex
	write   atomic.Uint64
	read    atomic.Uint64
}

// NewRing allocates a ring with room for capacity frames.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{slots: make([]Frame, capacity), capacity: uint64(capacity)}
}

// TryWrite copies f into the next slot. It returns false when the ring is full.
func (r *Ring) TryWrite(f *Frame) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	w := r.write.Load()
	if w-r.read.Load() >= r.capacity {
		return false
	}
	r.slots[w%r.capacity] = *f
	r.write.Store(w + 1)
	return true
}

// TryRead moves the oldest frame into f. It returns false when the ring is empty.
func (r *Ring) TryRead(f *Frame) bool {
	rd := r.read.Load()
	if rd == r.write.Load() {
		return false
	}
	slot := &r.slots[rd%r.capacity]
	*f = *slot
	*slot = Frame{}
	r.read.Store(rd + 1)
	return true
}

// Len reports how many frames are buffered.
func (r *Ring) Len() int {
	return int(r.write.Load() - r.read.Load())
}

// Cap reports the fixed capacity.
func (r *Ring) Cap() int {
	return int(r.capacity)
}
