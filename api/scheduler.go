/*
scheduler.go - Automated recovery scheduler

PURPOSE:
  Periodically sweeps audit entries whose punch never reached the ledger
  and was not compensated (process crash, failed revert) and finishes
  them with production.Recoverer.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps once immediately on start
  - Sweeps never overlap; RunNow waits for a running sweep
  - Keeps the last report for the API

CONFIGURATION:
  - CheckInterval: How often to sweep (recovery.interval)
  - Enabled: Whether the ticker runs at all (recovery.enabled)
  RunNow works either way.

USAGE:
  scheduler := NewRecoveryScheduler(recoverer, time.Minute)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunRecovery endpoint (manual sweep)
  - production/recovery.go: Recoverer
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/warp/punch-ledger/production"
)

// RecoveryScheduler runs recovery sweeps on a ticker.
type RecoveryScheduler struct {
	Recoverer     *production.Recoverer
	CheckInterval time.Duration
	Enabled       bool
	Logger        *log.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	sweep      sync.Mutex
	lastReport production.RecoveryReport
	lastRun    time.Time
}

// NewRecoveryScheduler creates an enabled scheduler.
func NewRecoveryScheduler(recoverer *production.Recoverer, interval time.Duration) *RecoveryScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RecoveryScheduler{
		Recoverer:     recoverer,
		CheckInterval: interval,
		Enabled:       true,
		Logger:        log.Default(),
	}
}

// Start begins the scheduler.
func (rs *RecoveryScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("recovery scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.Logger.Info("recovery scheduler started", "interval", rs.CheckInterval, "mode", rs.Recoverer.Mode)
}

// Stop stops the scheduler and waits for a running sweep.
func (rs *RecoveryScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("recovery scheduler stopped")
}

func (rs *RecoveryScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	rs.checkAndRecover(ctx)

	for {
		select {
		case <-ticker.C:
			rs.checkAndRecover(ctx)
		case <-stop:
			return
		}
	}
}

func (rs *RecoveryScheduler) checkAndRecover(ctx context.Context) {
	report, err := rs.RunNow(ctx)
	if err != nil {
		rs.Logger.Error("recovery sweep failed", "err", err)
		return
	}
	if report.Scanned > 0 {
		rs.Logger.Info("recovery sweep completed",
			"scanned", report.Scanned, "compensated", report.Compensated,
			"replayed", report.Replayed, "skipped", report.Skipped, "failed", report.Failed)
	}
}

// RunNow sweeps immediately (for the API, CLI and tests).
func (rs *RecoveryScheduler) RunNow(ctx context.Context) (production.RecoveryReport, error) {
	rs.sweep.Lock()
	defer rs.sweep.Unlock()

	report, err := rs.Recoverer.Run(ctx)
	if err != nil {
		return report, err
	}
	rs.lastReport = report
	rs.lastRun = time.Now().UTC()
	return report, nil
}

// LastRun returns the most recent successful sweep. Zero time if none.
func (rs *RecoveryScheduler) LastRun() (time.Time, production.RecoveryReport) {
	rs.sweep.Lock()
	defer rs.sweep.Unlock()
	return rs.lastRun, rs.lastReport
}
