package logging

import "strings"

// ProgressSampler suppresses repetitive poll logs while preserving signal when
// the remote status changes or progress crosses a bucket boundary.
type ProgressSampler struct {
	bucketSize int
	lastStatus string
	lastBucket int
}

// NewProgressSampler constructs a sampler that emits when progress crosses
// bucket boundaries (default 10%) or when the status changes.
func NewProgressSampler(bucketSize int) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 10
	}
	return &ProgressSampler{bucketSize: bucketSize, lastBucket: -1}
}

// ShouldLog reports whether a poll observation should be logged. Negative
// progress means the remote did not report one.
func (s *ProgressSampler) ShouldLog(progress int, status string) bool {
	if s == nil {
		return true
	}
	status = strings.ToUpper(strings.TrimSpace(status))
	emit := false
	if status != "" && status != s.lastStatus {
		s.lastStatus = status
		s.lastBucket = -1
		emit = true
	}
	if progress >= 0 {
		if progress > 100 {
			progress = 100
		}
		bucket := progress / s.bucketSize
		if bucket > s.lastBucket {
			s.lastBucket = bucket
			emit = true
		}
	}
	return emit
}

// Reset clears the sampler state before a new stage starts.
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.lastStatus = ""
	s.lastBucket = -1
}
