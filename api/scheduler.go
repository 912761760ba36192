/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Runs ledger.Db.Verify in the background so drift between topologies,
  broken chains or unsound checkpoints show up in logs and in the
  ledger_audit_issues gauge without anyone calling /api/audit.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Audits once immediately on start, then on every tick
  - Keeps the latest result for GET /api/audit/last
  - Each audit reads one consistent view of every keyspace

CONFIGURATION:
  - CheckInterval: How often to audit (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(db, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAudit endpoint (manual audit)
  - ledger/audit.go: Verify
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/inventory-ledger/ledger"
)

// AuditScheduler verifies the ledger on a fixed interval.
type AuditScheduler struct {
	Db            *ledger.Db
	CheckInterval time.Duration
	Enabled       bool

	log    *logrus.Logger
	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.RWMutex
	last   *ledger.Audit
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(db *ledger.Db, log *logrus.Logger) *AuditScheduler {
	return &AuditScheduler{
		Db:            db,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled || as.CheckInterval <= 0 {
		as.log.Info("audit scheduler disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan bool)
	as.wg.Add(1)

	go as.run()

	as.log.WithField("interval", as.CheckInterval.String()).Info("audit scheduler started")
}

// Stop stops the scheduler and waits for a running audit to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.log.Info("audit scheduler stopped")
	}
}

func (as *AuditScheduler) run() {
	defer as.wg.Done()

	// Run immediately on start
	as.RunNow(context.Background())

	for {
		select {
		case <-as.ticker.C:
			as.RunNow(context.Background())
		case <-as.stop:
			return
		}
	}
}

// RunNow audits immediately and records the result.
func (as *AuditScheduler) RunNow(ctx context.Context) (ledger.Audit, error) {
	start := time.Now()
	audit, err := as.Db.Verify(ctx)
	if err != nil {
		as.log.WithError(err).Error("ledger audit failed")
		return ledger.Audit{}, err
	}

	as.lastMu.Lock()
	as.last = &audit
	as.lastMu.Unlock()

	entry := as.log.WithFields(logrus.Fields{
		"records":  audit.Records,
		"chains":   audit.Chains,
		"issues":   len(audit.Issues),
		"duration": time.Since(start).String(),
	})
	if audit.OK() {
		entry.Info("ledger audit passed")
	} else {
		entry.Warn("ledger audit found discrepancies")
	}
	return audit, nil
}

// LastAudit returns the latest completed audit.
func (as *AuditScheduler) LastAudit() (ledger.Audit, bool) {
	as.lastMu.RLock()
	defer as.lastMu.RUnlock()
	if as.last == nil {
		return ledger.Audit{}, false
	}
	return *as.last, true
}

// GetNextRunTime returns when the next scheduled audit will occur.
func (as *AuditScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(as.CheckInterval)
}
