package authakarin

import (
	"sync"
	"time"
)

// BandwidthEstimator tracks a moving average of throughput, letting a
// host decide how aggressively to apply PriorityQueue's classification
// (e.g. skip prioritisation entirely on an uncongested link).
type BandwidthEstimator struct {
	mu sync.Mutex

	samples    []float64
	maxSamples int

	lastMeasure           time.Time
	bytesSinceLastMeasure uint64
}

func NewBandwidthEstimator() *BandwidthEstimator {
	return &BandwidthEstimator{
		samples:     make([]float64, 0, 20),
		maxSamples:  20,
		lastMeasure: time.Now(),
	}
}

// RecordBytes accumulates a byte count and folds it into a new sample
// once a full second has elapsed since the last one.
func (be *BandwidthEstimator) RecordBytes(n uint64) {
	be.mu.Lock()
	defer be.mu.Unlock()

	be.bytesSinceLastMeasure += n
	elapsed := time.Since(be.lastMeasure)
	if elapsed < time.Second {
		return
	}

	bytesPerSec := float64(be.bytesSinceLastMeasure) / elapsed.Seconds()
	be.samples = append(be.samples, bytesPerSec)
	if len(be.samples) > be.maxSamples {
		be.samples = be.samples[1:]
	}
	be.bytesSinceLastMeasure = 0
	be.lastMeasure = time.Now()
}

func (be *BandwidthEstimator) Estimate() float64 {
	be.mu.Lock()
	defer be.mu.Unlock()
	if len(be.samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range be.samples {
		sum += s
	}
	return sum / float64(len(be.samples))
}

func (be *BandwidthEstimator) EstimateMbps() float64 {
	return be.Estimate() * 8 / 1_000_000
}

// Congested reports whether the estimate exceeds threshold (0.0-1.0) of
// maxBandwidth bytes/sec.
func (be *BandwidthEstimator) Congested(threshold, maxBandwidth float64) bool {
	if maxBandwidth <= 0 {
		return false
	}
	return be.Estimate()/maxBandwidth > threshold
}
