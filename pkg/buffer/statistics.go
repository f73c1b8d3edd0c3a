package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks history activity.
type Statistics struct {
	appends   atomic.Int64
	evictions atomic.Int64
	startTime time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) append() { s.appends.Add(1) }
func (s *Statistics) evict()  { s.evictions.Add(1) }

// Appends returns the total number of appended items.
func (s *Statistics) Appends() int64 {
	return s.appends.Load()
}

// Evictions returns the number of items evicted to respect the capacity.
func (s *Statistics) Evictions() int64 {
	return s.evictions.Load()
}

// Uptime returns the time since the history was created.
func (s *Statistics) Uptime() time.Duration {
	return time.Since(s.startTime)
}
