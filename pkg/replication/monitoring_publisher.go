package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-replication/pkg/logging"
)

// MonitorPublisherDomain is what the MonitoringPublisher drives.
type MonitorPublisherDomain interface {
	RecomputeMonitorData(ctx context.Context) *MonitorData
	PublishMonitorData(data *MonitorData)
}

// MonitoringPublisher periodically pushes the topology-wide monitor data
// to the data servers of a domain.
type MonitoringPublisher struct {
	domain MonitorPublisherDomain
	period time.Duration
	logger logging.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	running   bool
	runningMu sync.Mutex
}

// NewMonitoringPublisher creates a publisher running every period.
func NewMonitoringPublisher(domain MonitorPublisherDomain, period time.Duration, logger logging.Logger) *MonitoringPublisher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if period <= 0 {
		period = DefaultConfig().MonitoringPublisherPeriod
	}
	return &MonitoringPublisher{
		domain: domain,
		period: period,
		logger: logger.With(logging.Component("monitoring-publisher")),
		stopCh: make(chan struct{}),
	}
}

// Start launches the publisher goroutine, bound to ctx.
func (p *MonitoringPublisher) Start(ctx context.Context) error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()

	if p.running {
		return fmt.Errorf("monitoring publisher already running")
	}
	p.running = true

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Shutdown stops the publisher and waits for it to exit.
func (p *MonitoringPublisher) Shutdown() {
	p.runningMu.Lock()
	if !p.running {
		p.runningMu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.runningMu.Unlock()

	p.wg.Wait()
}

// SetPeriod changes the publishing period from the next tick on.
func (p *MonitoringPublisher) SetPeriod(period time.Duration) {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if period > 0 {
		p.period = period
	}
}

func (p *MonitoringPublisher) currentPeriod() time.Duration {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	return p.period
}

func (p *MonitoringPublisher) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		timer := time.NewTimer(p.currentPeriod())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		// Shutdown must not wait for a round to time out.
		roundCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-p.stopCh:
				cancel()
			case <-roundCtx.Done():
			}
		}()

		data := p.domain.RecomputeMonitorData(roundCtx)
		cancel()

		if data != nil && ctx.Err() == nil && !p.stopping() {
			p.domain.PublishMonitorData(data)
			p.logger.Debug("monitor data published", logging.Int("data_servers", len(data.DSIDs())))
		}
	}
}

func (p *MonitoringPublisher) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}
