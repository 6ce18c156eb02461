package pkgstream

import (
	"sync"

	"github.com/open-edge-platform/updater-core/internal/ringbuffer"
)

// FlowStream is a Stream backed by a ringbuffer.RingBuffer: the package
// decompression producer pushes decoded bytes in, and the transfer engine's
// `new` command consumer reads them out, potentially on a different
// goroutine, in push order (spec §3, §4.2, §4.10). Reads block until the
// producer pushes or stops.
type FlowStream struct {
	rb      *ringbuffer.RingBuffer
	declLen int64

	mu      sync.Mutex
	pending []byte // leftover bytes from a slot that didn't fully fit the caller's buf
	offset  int64  // running logical read offset, for bookkeeping only
}

// NewFlowStream wraps rb as a read side; declaredLen is the stream length
// fixed at creation time per spec §4.2 ("for flow-data streams it returns
// the declared stream length").
func NewFlowStream(rb *ringbuffer.RingBuffer, declaredLen int64) *FlowStream {
	return &FlowStream{rb: rb, declLen: declaredLen}
}

// Push forwards a chunk of decoded bytes to the underlying ring buffer; it is
// the producer-side half of this stream and is not part of the Stream
// interface (callers that only have a Stream can't push into it, by design).
func (s *FlowStream) Push(buf []byte) bool {
	return s.rb.Push(buf)
}

// StopProducer signals that no more bytes are coming; blocked/future reads
// drain whatever is queued and then return a short read.
func (s *FlowStream) StopProducer() {
	s.rb.StopPush()
}

func (s *FlowStream) ReadAt(buf []byte, offset int64) (int, error) {
	// Flow streams are strictly sequential; offset is accepted for interface
	// compatibility and ignored: every read continues where the last one
	// stopped.
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for total < len(buf) {
		if len(s.pending) > 0 {
			n := copy(buf[total:], s.pending)
			s.pending = s.pending[n:]
			total += n
			continue
		}
		slot := make([]byte, s.slotSizeHint())
		n, ok := s.rb.Pop(slot)
		if !ok {
			break // producer stopped and queue drained: short read = EOS
		}
		s.pending = slot[:n]
	}
	s.offset += int64(total)
	return total, nil
}

// slotSizeHint returns the scratch buffer size each Pop reads into. Pop
// truncates a message longer than that buffer, so a ring buffer whose slots
// are larger than this hint can lose the tail of a large message; a push
// larger than the ring's own slot size is refused by RingBuffer.Push.
func (s *FlowStream) slotSizeHint() int { return 64 * 1024 }

func (s *FlowStream) WriteAt(buf []byte, offset int64) error {
	if !s.rb.Push(buf) {
		return ErrShortWrite
	}
	return nil
}

func (s *FlowStream) Length() (int64, error) {
	return s.declLen, nil
}

func (s *FlowStream) Flush(upto int64) error { return nil }

func (s *FlowStream) Close() error {
	s.rb.Stop()
	return nil
}
