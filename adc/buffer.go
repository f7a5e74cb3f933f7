package adc

import "sync/atomic"

// Buffer is an immutable, reference-counted byte slice. The same Buffer
// instance is enqueued into many recipients' out-queues during a
// broadcast; nothing may mutate its contents in place. A writer that has
// sent only part of a Buffer replaces it with a fresh, shorter Buffer
// covering the unsent remainder (see Rest).
type Buffer struct {
	data []byte
	refs int32
}

// NewBuffer wraps data (taken by reference, not copied) in a Buffer with
// one initial reference.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data, refs: 1}
}

// Bytes returns the buffer's contents. Callers must not modify it.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of bytes remaining in the buffer.
func (b *Buffer) Len() int { return len(b.data) }

// Retain increments the reference count and returns the same buffer, so
// it can be enqueued into another recipient's out-queue.
func (b *Buffer) Retain() *Buffer {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// Release decrements the reference count. Buffers are garbage collected
// normally; Release exists so pooling callers can track fan-out without
// introducing a dedicated allocator layer.
func (b *Buffer) Release() {
	atomic.AddInt32(&b.refs, -1)
}

// Rest returns a new Buffer covering data[n:], for the case where a
// partial write leaves a remainder to keep queued. The original buffer
// is left untouched.
func (b *Buffer) Rest(n int) *Buffer {
	if n <= 0 {
		return b
	}
	if n >= len(b.data) {
		return NewBuffer(nil)
	}
	return NewBuffer(b.data[n:])
}
