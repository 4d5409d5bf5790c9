//go:build unix

package sys

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/pgavlin/wharf/journal"
)

// signalTriggers maps host signals to snapshot triggers.
var signalTriggers = map[os.Signal]journal.SnapshotTrigger{
	unix.SIGINT:  journal.TriggerSigint,
	unix.SIGALRM: journal.TriggerSigalrm,
	unix.SIGTSTP: journal.TriggerSigtstp,
}

// NotifySignals snapshots on SIGINT, SIGALRM, and SIGTSTP until ctx is
// done. It returns immediately; the watcher runs on its own goroutine.
func (s *System) NotifySignals(ctx context.Context) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, unix.SIGINT, unix.SIGALRM, unix.SIGTSTP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case sig := <-ch:
				trigger, ok := signalTriggers[sig]
				if !ok {
					continue
				}
				s.log.WithField("signal", sig).Info("snapshot on signal")
				s.Snapshot(ctx, trigger)
			case <-ctx.Done():
				return
			}
		}
	}()
}
