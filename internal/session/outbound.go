package session

import (
	"fmt"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// defaultQueueSize bounds the outbound packet queue.
const defaultQueueSize = 32

// Encoder converts captured frames into wire-format packets: mono, 16-bit
// little-endian PCM at the target sample rate.
type Encoder struct {
	target audio.Format
}

// NewEncoder returns an Encoder for target. Channels and bit depth are forced
// to mono 16-bit; a zero sample rate falls back to [audio.WireFormat].
func NewEncoder(target audio.Format) *Encoder {
	if target.SampleRate <= 0 {
		target.SampleRate = audio.WireFormat.SampleRate
	}
	target.Channels = 1
	target.BitDepth = 16
	return &Encoder{target: target}
}

// Target returns the packet format produced by Encode.
func (e *Encoder) Target() audio.Format { return e.target }

// Encode converts frame to a packet. The frame is not modified.
func (e *Encoder) Encode(frame audio.AudioFrame) (audio.EncodedPacket, error) {
	pkt, err := audio.EncodeFrame(frame, e.target)
	if err != nil {
		return audio.EncodedPacket{}, fmt.Errorf("session: encode frame: %w", err)
	}
	return pkt, nil
}

// packetQueue is a bounded FIFO between the capture loop and the sender
// loop. Push never blocks: when the queue is full the oldest packet is
// evicted.
type packetQueue struct {
	mu     sync.Mutex
	items  []audio.EncodedPacket
	limit  int
	closed bool

	// ready holds at most one token and is signalled on every push.
	ready chan struct{}
}

func newPacketQueue(limit int) *packetQueue {
	if limit <= 0 {
		limit = defaultQueueSize
	}
	return &packetQueue{
		items: make([]audio.EncodedPacket, 0, limit),
		limit: limit,
		ready: make(chan struct{}, 1),
	}
}

// push appends pkt, evicting the oldest entry when full. It reports whether
// a packet was evicted. Pushes after close are discarded.
func (q *packetQueue) push(pkt audio.EncodedPacket) (evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.items) >= q.limit {
		clear(q.items[:1])
		q.items = append(q.items[:0], q.items[1:]...)
		evicted = true
	}
	q.items = append(q.items, pkt)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted
}

// pop removes and returns the oldest packet.
func (q *packetQueue) pop() (audio.EncodedPacket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		return audio.EncodedPacket{}, false
	}
	pkt := q.items[0]
	clear(q.items[:1])
	q.items = append(q.items[:0], q.items[1:]...)
	return pkt, true
}

// len returns the number of queued packets.
func (q *packetQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close discards queued packets; later pushes are dropped.
func (q *packetQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}
