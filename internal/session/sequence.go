package session

// SequenceResult is the outcome of observing one chunk sequence number.
type SequenceResult struct {
	Gap      bool
	Expected int64
	Got      int64
}

// SequenceTracker validates chunk numbering for one stream. Numbering starts at 1.
// Any mismatch resynchronizes to got+1, so the last observed value always wins.
type SequenceTracker struct {
	last int64
}

func (t *SequenceTracker) Observe(seq int64) SequenceResult {
	expected := t.last + 1
	t.last = seq
	if seq != expected {
		return SequenceResult{Gap: true, Expected: expected, Got: seq}
	}
	return SequenceResult{Expected: expected, Got: seq}
}

func (t *SequenceTracker) Expected() int64 {
	return t.last + 1
}
