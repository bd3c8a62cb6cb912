package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/gigpayhq/gigpay/internal/pkg/billing"
	"github.com/gigpayhq/gigpay/internal/pkg/cache"
	"github.com/gofiber/fiber/v2/log"
)

// lockTTL keeps the month lock alive long enough that a second instance
// firing for the same period skips it, but a genuinely failed run can be
// replayed manually the next day.
const lockTTL = 36 * time.Hour

// Manager fires the monthly commission aggregation at the start of each
// calendar month. A redis lock per month key keeps multiple instances from
// running the same period concurrently; the aggregator itself is also safe to
// run twice.
type Manager struct {
	aggregator *billing.Aggregator

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewManager(aggregator *billing.Aggregator) *Manager {
	return &Manager{aggregator: aggregator}
}

// Start launches the scheduling goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.stopCh = make(chan struct{})
	m.running = true

	m.wg.Add(1)
	go m.loop()
	log.Info("billing scheduler started")
}

// Stop interrupts a running aggregation between units of work and waits for
// the scheduling goroutine to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()
	log.Info("billing scheduler stopped")
}

func (m *Manager) loop() {
	defer m.wg.Done()

	for {
		next := nextMonthStart(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-m.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			m.runOnce(billing.PreviousMonthKey(time.Now()))
		}
	}
}

// RunNow triggers an aggregation for the given month key outside the regular
// schedule (ops replay path). It takes the same month lock.
func (m *Manager) RunNow(monthKey string) {
	m.runOnce(monthKey)
}

func (m *Manager) runOnce(monthKey string) {
	acquired, err := cache.SetNX("billing:aggregate:lock:"+monthKey, time.Now().Unix(), lockTTL)
	if err != nil {
		log.Errorf("month lock for %s unavailable, running anyway: %v", monthKey, err)
	} else if !acquired {
		log.Infof("aggregation for %s already claimed by another instance", monthKey)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	if _, err := m.aggregator.RunForMonth(ctx, monthKey); err != nil {
		log.Errorf("aggregation run for %s ended with error: %v", monthKey, err)
	}
}

func nextMonthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
}
