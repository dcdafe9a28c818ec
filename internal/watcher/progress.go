package watcher

import (
	"math"
	"sync"
	"time"
)

// ProgressTracker merges server-reported and locally estimated progress into
// a single display value that never decreases.
type ProgressTracker struct {
	mu      sync.Mutex
	value   int
	ceiling int
}

func NewProgressTracker(floor, ceiling int) *ProgressTracker {
	if ceiling <= 0 || ceiling > 100 {
		ceiling = 100
	}
	return &ProgressTracker{value: clampPercent(floor), ceiling: ceiling}
}

// Observe applies v if it is above the current high-water mark and returns
// the value to display. Values of 100 are held back until Complete.
func (p *ProgressTracker) Observe(v int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	v = clampPercent(v)
	if v >= 100 {
		v = 99
	}
	if v > p.value {
		p.value = v
	}
	return p.value
}

// ObserveSynthetic applies a local estimate, which never reaches the ceiling.
func (p *ProgressTracker) ObserveSynthetic(v int) int {
	p.mu.Lock()
	ceiling := p.ceiling
	p.mu.Unlock()
	if v > ceiling {
		v = ceiling
	}
	return p.Observe(v)
}

func (p *ProgressTracker) Complete() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = 100
	return p.value
}

func (p *ProgressTracker) Value() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// SyntheticProgress estimates progress after elapsed time as an exponential
// approach toward ceiling.
func SyntheticProgress(elapsed, tau time.Duration, ceiling int) int {
	if elapsed <= 0 || tau <= 0 {
		return 0
	}
	est := float64(ceiling) * (1 - math.Exp(-float64(elapsed)/float64(tau)))
	out := int(math.Floor(est))
	if out > ceiling {
		out = ceiling
	}
	return out
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
