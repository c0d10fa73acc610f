package recorder

import (
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RetentionScheduler prunes exported recording files older than MaxAge on
// a cron schedule. This is deliberately separate from the gocron-driven
// state-store TTL sweep and metrics sampling in internal/kernel: those are
// fixed-interval
// housekeeping ticks, while recording retention is naturally expressed as
// a cron expression ("run the sweep at 3am") an operator tunes
// independently of the kernel's internal tick cadence.
type RetentionScheduler struct {
	cron   *cron.Cron
	dir    string
	maxAge time.Duration
	logger *zap.Logger
}

// NewRetentionScheduler prunes files under dir older than maxAge
// according to spec (a standard 5-field cron expression, e.g. "0 3 * * *").
func NewRetentionScheduler(dir string, maxAge time.Duration, spec string, logger *zap.Logger) (*RetentionScheduler, error) {
	rs := &RetentionScheduler{
		cron:   cron.New(),
		dir:    dir,
		maxAge: maxAge,
		logger: logger.Named("recorder.retention"),
	}
	if _, err := rs.cron.AddFunc(spec, rs.sweep); err != nil {
		return nil, err
	}
	return rs, nil
}

// Start begins the cron schedule. Non-blocking — cron.Cron runs its own
// goroutine.
func (rs *RetentionScheduler) Start() {
	rs.cron.Start()
}

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (rs *RetentionScheduler) Stop() {
	<-rs.cron.Stop().Done()
}

func (rs *RetentionScheduler) sweep() {
	entries, err := os.ReadDir(rs.dir)
	if err != nil {
		rs.logger.Warn("retention sweep: reading directory failed", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-rs.maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(rs.dir, entry.Name())); err != nil {
				rs.logger.Warn("retention sweep: removing file failed", zap.String("file", entry.Name()), zap.Error(err))
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		rs.logger.Info("retention sweep removed recordings", zap.Int("count", removed))
	}
}
