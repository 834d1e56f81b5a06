package domain

import "time"

// UsageLog records the work done for one render job.
type UsageLog struct {
	UserID          string
	JobID           string
	Variants        int
	PixelsProcessed int64
	BytesSaved      int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
