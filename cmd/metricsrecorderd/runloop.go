package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lantern-labs/metricsrecorder/internal/daemon"
	"github.com/lantern-labs/metricsrecorder/internal/daemonconfig"
	"github.com/lantern-labs/metricsrecorder/internal/logging"
)

var runLoopLogger = logging.Default("metricsrecorderd")

// runLoop is the single cooperative loop described by SPEC_FULL.md §5: one
// goroutine owns all daemon state, waking on the periodic upload tick, the
// midnight roll, a config-file change, or process shutdown. Every other
// goroutine (the config watcher, the HTTP client) only ever hands work to
// this loop over a channel.
func runLoop(d *daemon.Daemon, watcher *daemonconfig.Watcher, uploadInterval time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	uploadTicker := time.NewTicker(uploadInterval)
	defer uploadTicker.Stop()

	midnightTimer := time.NewTimer(time.Until(nextLocalMidnight(time.Now())))
	defer midnightTimer.Stop()

	for {
		select {
		case <-sigCh:
			return nil

		case change := <-watcher.Changes():
			d.ApplyConfigChange(change)

		case <-uploadTicker.C:
			if err := d.RunScheduledUpload(); err != nil {
				runLoopLogger.Warnf("scheduled upload attempt: %v", err)
			}

		case now := <-midnightTimer.C:
			prevMonth := now.AddDate(0, 0, -1).Month()
			monthChanged := prevMonth != now.Month()
			if err := d.RunMidnightRoll(now, monthChanged); err != nil {
				runLoopLogger.Warnf("midnight roll: %v", err)
			}
			midnightTimer.Reset(time.Until(nextLocalMidnight(now)))
		}
	}
}

func nextLocalMidnight(now time.Time) time.Time {
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
