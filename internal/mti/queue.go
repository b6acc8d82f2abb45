package mti

import (
	"fmt"
	"sync"
)

// DefaultQueueCapacity is the packet backlog kept between the streaming
// callback and the polling consumer. Five packets is half a sample period
// of headroom at 100 Hz.
const DefaultQueueCapacity = 5

// PacketQueue is a bounded, thread-safe mailbox between the transport's
// streaming callback (single producer) and a polling consumer (single
// reader). Arrival order is preserved for the packets that survive
// eviction.
//
// The overflow policy favours fresh data over completeness: when a push
// finds the queue full, the element nearest the tail (the most recently
// queued, not yet consumed packet) is evicted before the new packet is
// appended. The oldest packets at the head survive until the consumer
// drains them. This eviction point is deliberate and covered by a
// regression test; changing it changes which samples are lost under
// sustained overload.
type PacketQueue struct {
	capacity int

	mu      sync.Mutex
	packets []Sample
	dropped uint64
}

// NewPacketQueue creates a queue holding at most capacity packets.
// Returns an error if capacity is not positive.
func NewPacketQueue(capacity int) (*PacketQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid queue capacity: %d", capacity)
	}
	return &PacketQueue{
		capacity: capacity,
		packets:  make([]Sample, 0, capacity),
	}, nil
}

// Push appends a packet at the tail, evicting the current tail element
// first if the queue is full.
func (q *PacketQueue) Push(s Sample) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.packets) >= q.capacity {
		q.packets = q.packets[:len(q.packets)-1]
		q.dropped++
	}
	q.packets = append(q.packets, s)
}

// TryPop removes and returns the oldest packet. It never blocks; the second
// return value is false when the queue is empty.
func (q *PacketQueue) TryPop() (Sample, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.packets) == 0 {
		return Sample{}, false
	}

	s := q.packets[0]
	copy(q.packets, q.packets[1:])
	q.packets = q.packets[:len(q.packets)-1]
	return s, true
}

// IsEmpty reports whether the queue holds no packets.
func (q *PacketQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets) == 0
}

// Len returns the current number of buffered packets.
func (q *PacketQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}

// Dropped returns the number of packets evicted due to overflow since the
// queue was created.
func (q *PacketQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Drain discards all buffered packets. The bias collector uses it to clear
// stale packets before a stationary measurement.
func (q *PacketQueue) Drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.packets = q.packets[:0]
}
