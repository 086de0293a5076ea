package upstream

import (
	"sync"
	"time"
)

type Status string

const (
	StatusUnknown Status = "unknown"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Outcome describes the most recent generation API attempt.
type Outcome struct {
	ResponseTime  *time.Duration // set on success only
	Status        Status
	LastCheckedAt time.Time
	Error         string // set on failure only
	AttemptCount  int    // 1-based index of the attempt within its call
}

// Recorder holds the latest Outcome. The Caller is its only writer; every
// write replaces the whole record.
type Recorder struct {
	mu   sync.RWMutex
	last Outcome
}

func NewRecorder() *Recorder {
	return &Recorder{last: Outcome{Status: StatusUnknown}}
}

func (r *Recorder) Record(o Outcome) {
	if o.ResponseTime != nil {
		d := *o.ResponseTime
		o.ResponseTime = &d
	}

	r.mu.Lock()
	r.last = o
	r.mu.Unlock()
}

// Snapshot returns a copy that callers may keep.
func (r *Recorder) Snapshot() Outcome {
	r.mu.RLock()
	o := r.last
	r.mu.RUnlock()

	if o.ResponseTime != nil {
		d := *o.ResponseTime
		o.ResponseTime = &d
	}
	return o
}
