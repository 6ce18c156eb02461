package transfer

import (
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
)

// newDataChunk is RunNewDataProducer's read buffer size, and so the largest
// chunk it pushes. The ring buffer underneath a FlowStream refuses a push
// larger than its slot size, and RunNewDataProducer then stops without an
// error, so the ring needs slots of at least this size unless src is shorter.
const newDataChunk = 64 * 1024

// RunNewDataProducer is the new-data producer thread (spec §4.10): it reads
// src (the extracted `<partition>.new.dat` stream) to completion, pushing
// each chunk into flow, then stops the flow once src is exhausted. Grounded
// on update_image_block.cpp's ExtractNewData/UnpackNewData, generalized from
// "push directly into the installed writer" to "push into a FlowStream",
// since pkgstream.FlowStream already implements the identical hand-off over
// a RingBuffer.
func RunNewDataProducer(flow *pkgstream.FlowStream, src pkgstream.Stream) error {
	defer flow.StopProducer()

	buf := make([]byte, newDataChunk)
	var offset int64
	for {
		n, err := src.ReadAt(buf, offset)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if !flow.Push(buf[:n]) {
			return nil
		}
		offset += int64(n)
	}
}
