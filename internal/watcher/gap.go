package watcher

import (
	"log/slog"
	"time"

	"github.com/syntrixbase/streamwatch/internal/resume"
)

// DefaultGapThreshold is the cluster time distance reported as a gap.
const DefaultGapThreshold = 5 * time.Minute

// gapDetector warns when consecutive saved positions are far apart in
// cluster time, which usually means the watcher was down or lagging.
// It is only used from the watch goroutine.
type gapDetector struct {
	threshold time.Duration
	logger    *slog.Logger

	last time.Time
	gaps int
}

func newGapDetector(threshold time.Duration, logger *slog.Logger) *gapDetector {
	if threshold <= 0 {
		threshold = DefaultGapThreshold
	}
	return &gapDetector{threshold: threshold, logger: logger}
}

// record returns true if pos is at least threshold after the previous one.
// The watcher also records the stored position it resumes from, so downtime
// between runs is reported on the first event after restart.
func (g *gapDetector) record(pos resume.Position) bool {
	if pos.ClusterTime.T == 0 {
		return false
	}
	at := time.Unix(int64(pos.ClusterTime.T), 0)
	if g.last.IsZero() {
		g.last = at
		return false
	}

	gap := at.Sub(g.last)
	g.last = at
	if gap < g.threshold {
		return false
	}

	g.gaps++
	g.logger.Warn("gap detected in event stream",
		"gap", gap.String(),
		"threshold", g.threshold.String(),
		"cluster_time", pos.ClusterTime.T,
	)
	return true
}
