package authakarin

import (
	"sync"
	"time"
)

// PriorityLevel classifies an outbound frame so a host's send loop can
// favour latency-sensitive traffic over bulk transfer. This never
// changes wire bytes; it only reorders what a multiplexing host feeds
// to ClientPreEncrypt/ServerPreEncrypt.
type PriorityLevel uint8

const (
	PriorityHigh PriorityLevel = iota
	PriorityMedium
	PriorityLow

	priorityLevels = 3
)

const (
	highQueueSize   = 512
	mediumQueueSize = 256
	lowQueueSize    = 128

	highPriorityMaxSize   = 256
	mediumPriorityMaxSize = 1024
)

// OutboundFrame is one queued write awaiting a send-loop turn.
type OutboundFrame struct {
	Data       []byte
	Priority   PriorityLevel
	EnqueuedAt time.Time
	// ForceHigh marks a frame that must bypass classification entirely —
	// the 0xff00 MSS-renegotiation command is always scheduled ahead of
	// any queued bulk payload, regardless of its (tiny) size.
	ForceHigh bool
}

// PriorityQueue is a three-lane scheduler: classify on enqueue, drain
// high before medium before low, with a starvation guard that promotes
// a long-waiting low-priority frame ahead of medium.
type PriorityQueue struct {
	queues [priorityLevels]chan *OutboundFrame
	mode   PriorityMode

	mu                sync.Mutex
	enqueuedHigh      uint64
	enqueuedMedium    uint64
	enqueuedLow       uint64
	dropped           uint64
	starvationTimeout time.Duration
}

func NewPriorityQueue(mode PriorityMode) *PriorityQueue {
	pq := &PriorityQueue{mode: mode, starvationTimeout: 500 * time.Millisecond}
	pq.queues[PriorityHigh] = make(chan *OutboundFrame, highQueueSize)
	pq.queues[PriorityMedium] = make(chan *OutboundFrame, mediumQueueSize)
	pq.queues[PriorityLow] = make(chan *OutboundFrame, lowQueueSize)
	return pq
}

// Enqueue classifies data by size (per mode) and queues it, unless
// forceHigh is set, in which case it always lands in the high lane —
// the queued 0xff00 command takes this path.
func (pq *PriorityQueue) Enqueue(data []byte, forceHigh bool) bool {
	level := PriorityMedium
	if forceHigh {
		level = PriorityHigh
	} else {
		level = pq.classify(data)
	}
	frame := &OutboundFrame{Data: data, Priority: level, EnqueuedAt: time.Now(), ForceHigh: forceHigh}

	select {
	case pq.queues[level] <- frame:
		pq.recordEnqueue(level)
		return true
	default:
		if level == PriorityHigh {
			return pq.bump(frame)
		}
		pq.mu.Lock()
		pq.dropped++
		pq.mu.Unlock()
		return false
	}
}

func (pq *PriorityQueue) classify(data []byte) PriorityLevel {
	size := len(data)
	switch pq.mode {
	case PriorityModeStreaming:
		if size <= mediumPriorityMaxSize {
			return PriorityHigh
		}
		return PriorityMedium
	case PriorityModeGaming:
		switch {
		case size <= highPriorityMaxSize:
			return PriorityHigh
		case size <= mediumPriorityMaxSize:
			return PriorityMedium
		default:
			return PriorityLow
		}
	default:
		return PriorityMedium
	}
}

// bump evicts one queued frame from a lower lane to make room for a
// forced-high frame; the evicted frame is counted as dropped.
func (pq *PriorityQueue) bump(highFrame *OutboundFrame) bool {
	select {
	case <-pq.queues[PriorityLow]:
	default:
		select {
		case <-pq.queues[PriorityMedium]:
		default:
			pq.mu.Lock()
			pq.dropped++
			pq.mu.Unlock()
			return false
		}
	}
	pq.mu.Lock()
	pq.dropped++
	pq.mu.Unlock()

	select {
	case pq.queues[PriorityHigh] <- highFrame:
		pq.recordEnqueue(PriorityHigh)
		return true
	default:
		pq.mu.Lock()
		pq.dropped++
		pq.mu.Unlock()
		return false
	}
}

// Dequeue returns the next frame to send, or nil if every lane is
// empty. High always wins; a starved low-priority frame jumps ahead of
// medium.
func (pq *PriorityQueue) Dequeue() *OutboundFrame {
	select {
	case f := <-pq.queues[PriorityHigh]:
		return f
	default:
	}
	if pq.starving(PriorityLow) {
		select {
		case f := <-pq.queues[PriorityLow]:
			return f
		default:
		}
	}
	select {
	case f := <-pq.queues[PriorityMedium]:
		return f
	default:
	}
	select {
	case f := <-pq.queues[PriorityLow]:
		return f
	default:
	}
	return nil
}

func (pq *PriorityQueue) starving(level PriorityLevel) bool {
	select {
	case f := <-pq.queues[level]:
		starved := time.Since(f.EnqueuedAt) > pq.starvationTimeout
		select {
		case pq.queues[level] <- f:
		default:
		}
		return starved
	default:
		return false
	}
}

// DequeueBlocking parks until a frame is available in any lane or stop
// is closed, instead of Dequeue's non-blocking poll. A drain loop feeding
// a single outbound connection wants to sleep between frames rather than
// spin; the non-blocking Dequeue above stays priority-exact for callers
// that already know a frame is likely waiting.
func (pq *PriorityQueue) DequeueBlocking(stop <-chan struct{}) *OutboundFrame {
	for {
		if f := pq.Dequeue(); f != nil {
			return f
		}
		select {
		case <-stop:
			return nil
		case f := <-pq.queues[PriorityHigh]:
			return f
		case f := <-pq.queues[PriorityMedium]:
			return f
		case f := <-pq.queues[PriorityLow]:
			return f
		}
	}
}

func (pq *PriorityQueue) recordEnqueue(level PriorityLevel) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	switch level {
	case PriorityHigh:
		pq.enqueuedHigh++
	case PriorityMedium:
		pq.enqueuedMedium++
	case PriorityLow:
		pq.enqueuedLow++
	}
}

type PriorityQueueStats struct {
	HighQueued, MediumQueued, LowQueued                int
	HighEnqueued, MediumEnqueued, LowEnqueued, Dropped uint64
}

func (pq *PriorityQueue) Stats() PriorityQueueStats {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return PriorityQueueStats{
		HighQueued:     len(pq.queues[PriorityHigh]),
		MediumQueued:   len(pq.queues[PriorityMedium]),
		LowQueued:      len(pq.queues[PriorityLow]),
		HighEnqueued:   pq.enqueuedHigh,
		MediumEnqueued: pq.enqueuedMedium,
		LowEnqueued:    pq.enqueuedLow,
		Dropped:        pq.dropped,
	}
}
