package segmenter

import (
	"iter"
	"time"
)

// Segment is a final speech region in samples, clipped to [0, waveform length].
type Segment struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the segment length in samples.
func (s Segment) Len() int { return s.End - s.Start }

// StartTime returns the segment start as an offset from the beginning of the
// waveform at the given sample rate.
func (s Segment) StartTime(rate int) time.Duration { return samplesToDuration(s.Start, rate) }

// EndTime returns the segment end as an offset from the beginning of the
// waveform at the given sample rate.
func (s Segment) EndTime(rate int) time.Duration { return samplesToDuration(s.End, rate) }

// Duration returns the segment length at the given sample rate.
func (s Segment) Duration(rate int) time.Duration { return samplesToDuration(s.Len(), rate) }

func samplesToDuration(n, rate int) time.Duration {
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// Merger joins candidate spans separated by short silences, drops short
// results, splits over-long ones and pads everything by the speech pad.
//
// Push candidates in ascending order, then call Finish exactly once. Emitted
// segments are ascending and never overlap.
type Merger struct {
	lim    limits
	length int
	emit   func(Segment)

	running  bool
	curStart int
	curEnd   int
	lastEnd  int
	finished bool
}

// NewMerger returns a Merger for a waveform of length samples that calls emit
// for every final segment. cfg must be valid.
func NewMerger(cfg Config, length int, emit func(Segment)) *Merger {
	return &Merger{lim: cfg.limits(), length: length, emit: emit}
}

// Push feeds the next candidate span.
func (m *Merger) Push(s Span) {
	if m.running &&
		s.Start-m.curEnd < m.lim.minSilence &&
		s.End-m.curStart < m.lim.maxSpeech {
		m.curEnd = s.End
		return
	}

	m.flush()

	spanStart := s.Start
	for s.End-spanStart > m.lim.maxSpeech {
		m.send(spanStart-m.lim.speechPad, spanStart+m.lim.maxSpeech-m.lim.speechPad)
		spanStart += m.lim.maxSpeech
	}
	m.running = true
	m.curStart, m.curEnd = spanStart, s.End
}

// Finish pushes the end-of-waveform marker and emits the remaining running
// segment. Further calls are no-ops.
func (m *Merger) Finish() {
	if m.finished {
		return
	}
	m.finished = true
	m.Push(Span{Start: m.length, End: m.length})
	m.flush()
	m.running = false
}

// flush emits the running segment if it is long enough.
func (m *Merger) flush() {
	if !m.running || m.curEnd-m.curStart <= m.lim.minSpeech {
		return
	}
	m.send(m.curStart-m.lim.speechPad, m.curEnd+m.lim.speechPad)
}

// send clips [start, end) to the waveform and to the end of the previously
// emitted segment, then emits it. Padding of two spans that could not be
// merged because of the max speech limit may otherwise overlap.
func (m *Merger) send(start, end int) {
	seg := Segment{
		Start: max(start, 0, m.lastEnd),
		End:   min(end, m.length),
	}
	seg.Start = min(seg.Start, seg.End)
	m.lastEnd = seg.End
	m.emit(seg)
}

// MergeSpans runs a Merger over spans and returns the final segments. cfg
// must be valid.
func MergeSpans(spans iter.Seq[Span], length int, cfg Config) []Segment {
	var out []Segment
	m := NewMerger(cfg, length, func(s Segment) { out = append(out, s) })
	for s := range spans {
		m.Push(s)
	}
	m.Finish()
	return out
}
