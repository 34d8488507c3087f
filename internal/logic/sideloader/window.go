package sideloader

// cpuHistory holds fixed-capacity circular buffers of cumulative CPU time
// counters in microseconds, one slot per tick. Windowed queries only produce
// a signal once the requested window is fully populated; before that they
// return the neutral zero value.
type cpuHistory struct {
	total []float64
	idle  []float64
	side  []float64
	valid []bool
	idx   int
}

// newCPUHistory sizes the buffers for windows of up to spanTicks ticks.
// One extra slot holds the left edge of the widest window.
func newCPUHistory(spanTicks int) *cpuHistory {
	n := spanTicks + 1

	return &cpuHistory{
		total: make([]float64, n),
		idle:  make([]float64, n),
		side:  make([]float64, n),
		valid: make([]bool, n),
	}
}

// Push appends one tick of cumulative counters.
func (h *cpuHistory) Push(total, idle, side float64) {
	next := (h.idx + 1) % len(h.valid)
	h.total[next] = total
	h.idle[next] = idle
	h.side[next] = side
	h.valid[next] = true
	h.idx = next
}

// bounds returns the slot indices n ticks apart, right edge at the newest
// sample. ok is false while the left edge has not been written yet or the
// window exceeds the buffer capacity.
func (h *cpuHistory) bounds(n int) (left, right int, ok bool) {
	if n <= 0 || n >= len(h.valid) {
		return 0, 0, false
	}

	right = h.idx
	left = (right - n + len(h.valid)) % len(h.valid)

	return left, right, h.valid[left]
}

func (h *cpuHistory) avg(hist []float64, n int) float64 {
	left, right, ok := h.bounds(n)
	if !ok {
		return 0
	}

	total := h.total[right] - h.total[left]
	if total <= 0 {
		return 0
	}

	delta := hist[right] - hist[left]

	return clampPct(delta / total * percentMax)
}

// minMax walks every single-tick step inside the window and returns the
// lowest and highest per-step percentage. Bursts shorter than the window
// show up here even when the average hides them.
func (h *cpuHistory) minMax(hist []float64, n int) (lo, hi float64) {
	idx, right, ok := h.bounds(n)
	if !ok {
		return 0, 0
	}

	lo, hi = percentMax, 0

	for idx != right {
		next := (idx + 1) % len(h.valid)
		total := h.total[next] - h.total[idx]

		pct := 0.0
		if total > 0 {
			pct = clampPct((hist[next] - hist[idx]) / total * percentMax)
		}

		lo = min(lo, pct)
		hi = max(hi, pct)
		idx = next
	}

	return lo, hi
}

func (h *cpuHistory) AvgIdle(n int) float64 { return h.avg(h.idle, n) }
func (h *cpuHistory) AvgSide(n int) float64 { return h.avg(h.side, n) }

func (h *cpuHistory) MinMaxIdle(n int) (float64, float64) { return h.minMax(h.idle, n) }
func (h *cpuHistory) MinMaxSide(n int) (float64, float64) { return h.minMax(h.side, n) }

func clampPct(v float64) float64 {
	return min(max(v, 0), percentMax)
}
