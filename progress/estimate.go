// Package progress turns byte counters and elapsed time into transfer speed and ETA figures.
package progress

import (
	"math"
	"time"
)

// Stats is a point-in-time throughput estimate.
type Stats struct {
	BytesDone int64
	Total     int64
	// SpeedBps is bytes per second since the transfer's start anchor.
	SpeedBps float64
	// Remaining is the estimated time left; zero when unknown.
	Remaining time.Duration
	Percent   float64
}

// Elapsed measures the time since startedAt using now. A zero startedAt or a clock that
// runs backwards yields zero.
func Elapsed(startedAt, now time.Time) time.Duration {
	if startedAt.IsZero() {
		return 0
	}
	d := now.Sub(startedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Speed returns bytes per second. With no elapsed time the byte count itself is reported.
func Speed(bytesDone int64, elapsed time.Duration) float64 {
	if bytesDone <= 0 {
		return 0
	}
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return float64(bytesDone)
	}
	return float64(bytesDone) / seconds
}

// RemainingTime estimates the time left to move total bytes at speedBps.
// A non-positive speed reports zero rather than an infinite or negative estimate.
func RemainingTime(bytesDone, total int64, speedBps float64) time.Duration {
	if speedBps <= 0 || math.IsNaN(speedBps) || math.IsInf(speedBps, 0) {
		return 0
	}
	left := total - bytesDone
	if left <= 0 {
		return 0
	}
	seconds := float64(left) / speedBps
	if seconds > float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(seconds * float64(time.Second))
}

// Estimate computes speed, remaining time and completion percent.
func Estimate(bytesDone, total int64, elapsed time.Duration) Stats {
	if bytesDone > total && total > 0 {
		bytesDone = total
	}
	speed := Speed(bytesDone, elapsed)
	stats := Stats{
		BytesDone: bytesDone,
		Total:     total,
		SpeedBps:  speed,
		Remaining: RemainingTime(bytesDone, total, speed),
	}
	if total > 0 {
		stats.Percent = float64(bytesDone) / float64(total) * 100
	}
	return stats
}

// AverageSpeed is the whole-transfer rate; an effectively instantaneous transfer reports size.
func AverageSpeed(size int64, elapsed time.Duration) float64 {
	return Speed(size, elapsed)
}
