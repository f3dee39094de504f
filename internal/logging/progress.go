package logging

// ProgressSampler suppresses repetitive per-unit progress logs, emitting only
// when completion crosses a percentage bucket or the stage changes.
type ProgressSampler struct {
	bucketSize float64
	lastStage  string
	lastBucket int
}

// NewProgressSampler constructs a sampler with the given bucket size in
// percent (default 10).
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 10
	}
	return &ProgressSampler{bucketSize: bucketSize, lastBucket: -1}
}

// ShouldLog reports whether done/total units for stage warrants a log line.
func (s *ProgressSampler) ShouldLog(stage string, done, total int) bool {
	if s == nil || total <= 0 {
		return true
	}
	emit := false
	if stage != s.lastStage {
		s.lastStage = stage
		s.lastBucket = -1
		emit = true
	}
	percent := float64(done) * 100 / float64(total)
	bucket := int(percent / s.bucketSize)
	if done >= total {
		bucket = int(100 / s.bucketSize)
	}
	if bucket > s.lastBucket {
		s.lastBucket = bucket
		emit = true
	}
	return emit
}
