// Package ringbuffer implements the bounded single-producer/single-consumer
// byte-message queue described in spec §4.1, translated from
// services/common/ring_buffer/ring_buffer.cpp. It is the hand-off point
// between the package-extraction producer and the block-write consumer in
// internal/transfer.
package ringbuffer

import (
	"sync"
)

// RingBuffer is a bounded SPSC queue of variable-length byte messages, each
// message capped at slotSize. Safe for exactly one producer goroutine calling
// Push and exactly one consumer goroutine calling Pop concurrently.
type RingBuffer struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	slots    [][]byte
	lens     []uint32
	num      uint32 // power of two
	slotSize uint32

	writeIndex uint32
	readIndex  uint32
	stopped    bool
}

// New allocates a RingBuffer with num slots of slotSize bytes each. num must
// be a power of two; New returns nil if it isn't (the spec's Init contract
// is "returns false on failure", mirrored here as "returns nil").
func New(slotSize, num uint32) *RingBuffer {
	if slotSize == 0 || num == 0 || num&(num-1) != 0 {
		return nil
	}
	rb := &RingBuffer{
		slots:    make([][]byte, num),
		lens:     make([]uint32, num),
		num:      num,
		slotSize: slotSize,
	}
	for i := range rb.slots {
		rb.slots[i] = make([]byte, slotSize)
	}
	rb.notFull = sync.NewCond(&rb.mu)
	rb.notEmpty = sync.NewCond(&rb.mu)
	return rb
}

// isFull and isEmpty must be called with rb.mu held.
func (rb *RingBuffer) isFull() bool  { return rb.writeIndex == (rb.readIndex ^ rb.num) }
func (rb *RingBuffer) isEmpty() bool { return rb.writeIndex == rb.readIndex }

// Push copies buf into the next free slot, blocking while the buffer is full.
// It returns false if len(buf) is 0, exceeds slotSize, or the buffer was (or
// became, while waiting) stopped.
func (rb *RingBuffer) Push(buf []byte) bool {
	if len(buf) == 0 || uint32(len(buf)) > rb.slotSize {
		return false
	}

	rb.mu.Lock()
	for rb.isFull() {
		if rb.stopped {
			rb.mu.Unlock()
			return false
		}
		rb.notFull.Wait()
	}
	if rb.stopped {
		rb.mu.Unlock()
		return false
	}

	index := rb.writeIndex & (rb.num - 1)
	n := copy(rb.slots[index], buf)
	rb.lens[index] = uint32(n)
	rb.writeIndex = (rb.writeIndex + 1) & (2*rb.num - 1)
	rb.mu.Unlock()

	rb.notEmpty.Broadcast()
	return true
}

// Pop copies the oldest pushed message into buf (truncated to len(buf) if
// necessary) and reports the number of bytes copied via outLen. It blocks while the
// buffer is empty and returns false once stopped with nothing left to drain.
func (rb *RingBuffer) Pop(buf []byte) (outLen uint32, ok bool) {
	rb.mu.Lock()
	for rb.isEmpty() {
		if rb.stopped {
			rb.mu.Unlock()
			return 0, false
		}
		rb.notEmpty.Wait()
	}

	index := rb.readIndex & (rb.num - 1)
	n := copy(buf, rb.slots[index][:rb.lens[index]])
	rb.readIndex = (rb.readIndex + 1) & (2*rb.num - 1)
	rb.mu.Unlock()

	rb.notFull.Broadcast()
	return uint32(n), true
}

// Stop wakes every blocked Push and Pop. Afterwards Push returns false
// immediately, and Pop returns false once no queued message is left to
// drain. Safe to call more than once.
func (rb *RingBuffer) Stop() {
	rb.mu.Lock()
	rb.stopped = true
	rb.mu.Unlock()
	rb.notFull.Broadcast()
	rb.notEmpty.Broadcast()
}

// StopPush stops only blocked/future pushes; a consumer can still drain
// whatever is already queued until it hits empty, at which point Pop also
// observes stopped and returns false.
func (rb *RingBuffer) StopPush() {
	rb.mu.Lock()
	rb.stopped = true
	rb.mu.Unlock()
	rb.notFull.Broadcast()
}

// StopPop mirrors StopPush for the consumer side.
func (rb *RingBuffer) StopPop() {
	rb.mu.Lock()
	rb.stopped = true
	rb.mu.Unlock()
	rb.notEmpty.Broadcast()
}

// Reset clears indices and lengths without touching the stopped flag.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.writeIndex = 0
	rb.readIndex = 0
	for i := range rb.lens {
		rb.lens[i] = 0
	}
}

// Len reports the number of queued-but-unread messages.
func (rb *RingBuffer) Len() uint32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return (rb.writeIndex - rb.readIndex) & (2*rb.num - 1)
}
