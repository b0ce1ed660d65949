package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/logging"
)

// StatusDomain is what the StatusAnalyzer drives.
type StatusDomain interface {
	SendPendingStatusMessages()
	CheckDSDegradedStatus()
}

// StatusAnalyzer periodically checks whether connected data servers became
// degraded or recovered, and sends the status messages queued by the
// domain. It is the only goroutine sending them.
type StatusAnalyzer struct {
	domain   StatusDomain
	interval time.Duration
	logger   logging.Logger
	now      func() time.Time

	pending  atomic.Bool
	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	running   bool
	runningMu sync.Mutex
}

// NewStatusAnalyzer creates an analyzer checking every interval.
func NewStatusAnalyzer(domain StatusDomain, interval time.Duration, logger logging.Logger) *StatusAnalyzer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if interval <= 0 {
		interval = DefaultConfig().StatusAnalyzerInterval
	}
	return &StatusAnalyzer{
		domain:   domain,
		interval: interval,
		logger:   logger.With(logging.Component("status-analyzer")),
		now:      time.Now,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the analyzer goroutine, bound to ctx.
func (a *StatusAnalyzer) Start(ctx context.Context) error {
	a.runningMu.Lock()
	defer a.runningMu.Unlock()

	if a.running {
		return fmt.Errorf("status analyzer already running")
	}
	a.running = true

	a.wg.Add(1)
	go a.run(ctx)
	return nil
}

// Shutdown stops the analyzer and waits for it to exit.
func (a *StatusAnalyzer) Shutdown() {
	a.runningMu.Lock()
	if !a.running {
		a.runningMu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	a.runningMu.Unlock()

	a.wg.Wait()
}

// NotifyPendingStatusMessage wakes the analyzer to send queued status
// messages without waiting for the next interval.
func (a *StatusAnalyzer) NotifyPendingStatusMessage() {
	a.pending.Store(true)
	select {
	case a.notifyCh <- struct{}{}:
	default:
	}
}

func (a *StatusAnalyzer) run(ctx context.Context) {
	defer a.wg.Done()
	a.logger.Info("status analyzer started", logging.Duration("interval", a.interval))
	defer a.logger.Info("status analyzer stopped")

	nextCheck := a.now().Add(a.interval)
	timer := time.NewTimer(a.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-a.notifyCh:
		case <-timer.C:
		}

		if a.pending.Swap(false) {
			a.safely("send pending status messages", a.domain.SendPendingStatusMessages)
		}

		if now := a.now(); !now.Before(nextCheck) {
			nextCheck = now.Add(a.interval)
			a.safely("check degraded status", a.domain.CheckDSDegradedStatus)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(nextCheck))
	}
}

// safely runs fn, logging a panic instead of killing the analyzer.
func (a *StatusAnalyzer) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("status analyzer task panicked",
				logging.String("task", what), logging.Any("panic", r))
		}
	}()
	fn()
}
