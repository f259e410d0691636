package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinykeep/pkg/config"
	"github.com/nicktill/tinykeep/pkg/server/monitor"
	"github.com/nicktill/tinykeep/pkg/storage"
)

// garbageCollector is implemented by backends with a value log to reclaim.
type garbageCollector interface {
	RunGC(discardRatio float64) error
}

// RunBadgerGC runs value log garbage collection every interval until ctx is
// done. Backends without a value log return immediately.
func RunBadgerGC(ctx context.Context, store storage.Backend, interval time.Duration, mon *monitor.MaintenanceMonitor, log logrus.FieldLogger) {
	gc, ok := store.(garbageCollector)
	if !ok {
		log.Debug("storage has no value log, skipping GC")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.WithField("interval", interval).Info("badger GC scheduler started")

	for {
		select {
		case <-ticker.C:
			runGC(gc, mon, log)
		case <-ctx.Done():
			log.Info("stopping badger GC scheduler")
			return
		}
	}
}

func runGC(gc garbageCollector, mon *monitor.MaintenanceMonitor, log logrus.FieldLogger) {
	start := time.Now()
	if err := gc.RunGC(config.BadgerGCDiscardRatio); err != nil {
		mon.RecordFailure(err)
		entry := log.WithError(err)
		if status := mon.Status(); status.ConsecutiveErrors > 3 {
			entry = entry.WithField("consecutive_errors", status.ConsecutiveErrors)
		}
		entry.Warn("badger GC failed")
		return
	}
	mon.RecordSuccess()
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Debug("badger GC completed")
}
