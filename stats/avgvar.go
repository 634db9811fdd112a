package stats

import "math"
import "sync"

// Average maintains the average and variance of a stream
// of numbers in a space-efficient manner.
type Average struct {
	mu    sync.Mutex
	min   int64
	max   int64
	count int64
	sum   int64
	sumsq int64
}

func (av *Average) Init() {
	av.mu.Lock()
	defer av.mu.Unlock()
	av.min = math.MaxInt64
	av.max = math.MinInt64
	av.count, av.sum, av.sumsq = 0, 0, 0
}

// Add a sample to counting average.
func (av *Average) Add(sample int64) {
	av.mu.Lock()
	defer av.mu.Unlock()
	av.count++
	av.sum += sample
	av.sumsq += sample * sample
	if sample < av.min {
		av.min = sample
	}
	if sample > av.max {
		av.max = sample
	}
}

// Count return the number of samples counted so far.
func (av *Average) Count() int64 {
	av.mu.Lock()
	defer av.mu.Unlock()
	return av.count
}

// Min return the minimum value of sample, zero when nothing was sampled.
func (av *Average) Min() int64 {
	av.mu.Lock()
	defer av.mu.Unlock()
	if av.count == 0 {
		return 0
	}
	return av.min
}

// Max return the maximum value of sample, zero when nothing was sampled.
func (av *Average) Max() int64 {
	av.mu.Lock()
	defer av.mu.Unlock()
	if av.count == 0 {
		return 0
	}
	return av.max
}

// Mean return the sum of all samples by number of samples so far.
func (av *Average) Mean() int64 {
	av.mu.Lock()
	defer av.mu.Unlock()
	if av.count == 0 {
		return 0
	}
	return int64(float64(av.sum) / float64(av.count))
}

// Sum return the sum of all samples so far.
func (av *Average) Sum() int64 {
	av.mu.Lock()
	defer av.mu.Unlock()
	return av.sum
}

// Variance return the variance of all samples so far.
func (av *Average) Variance() int64 {
	av.mu.Lock()
	defer av.mu.Unlock()
	if av.count == 0 {
		return 0
	}
	mean := int64(float64(av.sum) / float64(av.count))
	return int64(float64(av.sumsq)/float64(av.count)) - mean*mean
}
