package segmenter

import "iter"

// Span is a candidate speech region in samples, half-open [Start, End).
type Span struct {
	Start int
	End   int
}

// Detector is a two-threshold (hysteresis) state machine over a probability
// sequence, where the probability at index i covers sample offset i·hop.
//
// A span opens at the first probability >= threshold and closes at the first
// later probability < negThreshold. Comparisons are performed in float32.
type Detector struct {
	on, off float32
	hop     int

	active bool
	start  int
	i      int
	closed bool
}

// NewDetector returns a Detector in the inactive state.
func NewDetector(hop int, threshold, negThreshold float64) *Detector {
	return &Detector{on: float32(threshold), off: float32(negThreshold), hop: hop}
}

// Feed consumes the next probability and reports a span if it closed one.
func (d *Detector) Feed(p float32) (Span, bool) {
	i := d.i
	d.i++
	switch {
	case !d.active && p >= d.on:
		d.active = true
		d.start = i * d.hop
	case d.active && p < d.off:
		d.active = false
		return Span{Start: d.start, End: i * d.hop}, true
	}
	return Span{}, false
}

// Close feeds one virtual zero probability to close a span that is still
// open. With negThreshold <= 0 the zero cannot close it; see [Detector.Open].
// Further calls are no-ops.
func (d *Detector) Close() (Span, bool) {
	if d.closed {
		return Span{}, false
	}
	d.closed = true
	return d.Feed(0)
}

// Open reports whether a span is still active, and where it started.
func (d *Detector) Open() (int, bool) {
	return d.start, d.active
}

// DetectSpans runs a [Detector] over probs, closing with the virtual trailing
// zero. A span that is still open after that is dropped.
func DetectSpans(probs iter.Seq[float32], hop int, threshold, negThreshold float64) iter.Seq[Span] {
	return func(yield func(Span) bool) {
		d := NewDetector(hop, threshold, negThreshold)
		for p := range probs {
			if sp, ok := d.Feed(p); ok && !yield(sp) {
				return
			}
		}
		if sp, ok := d.Close(); ok {
			yield(sp)
		}
	}
}
