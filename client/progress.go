package client

import (
	"io"
	"math"
	"sync"
)

// ProgressFunc receives the overall progress of an upload in percent,
// rounded to two decimals. Calls are serialized and never decrease.
type ProgressFunc func(percent float64)

type progressTracker struct {
	mu    sync.Mutex
	parts map[int]float64
	total int
	last  float64
	fn    ProgressFunc
}

func newProgressTracker(total int, fn ProgressFunc) *progressTracker {
	return &progressTracker{
		parts: make(map[int]float64, total),
		total: total,
		last:  -1,
		fn:    fn,
	}
}

// Update records the progress of one part. A part never goes back, so a
// retried part keeps its best value until the retry overtakes it.
func (p *progressTracker) Update(part int, percent float64) {
	if p == nil || p.fn == nil {
		return
	}
	percent = math.Max(0, math.Min(100, percent))

	p.mu.Lock()
	defer p.mu.Unlock()

	if percent <= p.parts[part] && p.last >= 0 {
		return
	}
	p.parts[part] = math.Max(percent, p.parts[part])

	var sum float64
	done := 0
	for _, v := range p.parts {
		sum += v
		if v == 100 {
			done++
		}
	}
	overall := math.Min(100, round2(sum/float64(p.total)))
	if done < p.total && overall == 100 {
		// rounding must not announce completion early
		overall = 99.99
	}
	if overall <= p.last {
		return
	}
	p.last = overall
	p.fn(overall)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// progressReader reports the share of size read so far.
type progressReader struct {
	r      io.Reader
	read   int64
	size   int64
	report func(percent float64)
}

func (r *progressReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if n > 0 && r.size > 0 {
		r.read += int64(n)
		r.report(float64(r.read) / float64(r.size) * 100)
	}
	return n, err
}
