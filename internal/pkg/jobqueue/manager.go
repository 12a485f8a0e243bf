package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/recoverly-app/recoverly/app/models"
	"github.com/recoverly-app/recoverly/app/repository"
	"github.com/recoverly-app/recoverly/internal/pkg/archive"
	"github.com/recoverly-app/recoverly/internal/pkg/billingapi"
	"github.com/recoverly-app/recoverly/internal/pkg/caseengine"
	metrics "github.com/recoverly-app/recoverly/internal/pkg/metrics/counter"
	"github.com/recoverly-app/recoverly/internal/pkg/notifier"
	"github.com/recoverly-app/recoverly/internal/pkg/scheduler"
)

const (
	dueScanInterval    = 1 * time.Minute
	expiryScanInterval = 10 * time.Minute
	repairScanInterval = 5 * time.Minute
	retentionInterval  = 6 * time.Hour
	counterFlushEvery  = 5 * time.Second
)

// Manager wires the queue, the case engine and the scheduler together and
// owns every periodic background task.
type Manager struct {
	queue     *Queue
	engine    *caseengine.Service
	scheduler *scheduler.Scheduler
	billing   *billingapi.Client

	dueScanTicker      *time.Ticker
	expiryScanTicker   *time.Ticker
	repairScanTicker   *time.Ticker
	retentionTicker    *time.Ticker
	counterFlushTicker *time.Ticker

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global manager (singleton), assembling the whole
// background pipeline on first use. Requires the repository factory to be
// initialized.
func GetManager() *Manager {
	managerOnce.Do(func() {
		repos := repository.GetGlobalRepositories()

		workerCount := defaultWorkers
		if settings := models.GetAppSettings(); settings != nil {
			workerCount = settings.GetWorkerCount()
		}

		archiveCfg, err := archive.LoadConfig()
		if err != nil {
			log.Errorf("[JobQueue Manager] Invalid archive config, archiving disabled: %v", err)
			archiveCfg = &archive.Config{}
		}
		archiver, err := archive.NewClient(archiveCfg)
		if err != nil {
			log.Errorf("[JobQueue Manager] Archive client unavailable, archiving disabled: %v", err)
			archiver, _ = archive.NewClient(&archive.Config{})
		}

		registry := NewRegistry()
		queue := NewQueue(repos.Job, registry, workerCount)
		billing := billingapi.NewClientFromEnv()

		engine := caseengine.NewService(
			repos.Case,
			repos.Action,
			repos.Event,
			repos.Setting,
			queue,
			notifier.NewClientFromEnv(),
			billing,
		)
		RegisterHandlers(registry, engine, repos, archiver)

		globalManager = &Manager{
			queue:   queue,
			engine:  engine,
			billing: billing,
			scheduler: scheduler.New(
				repos.Case,
				repos.Action,
				repos.Event,
				repos.Setting,
				engine,
				queue,
			),
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// GetEngine returns the managed case engine
func (m *Manager) GetEngine() *caseengine.Service {
	return m.engine
}

// GetBilling returns the shared billing provider client
func (m *Manager) GetBilling() *billingapi.Client {
	return m.billing
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	m.dueScanTicker = time.NewTicker(dueScanInterval)
	m.wg.Add(1)
	go m.scanWorker("due scan", m.dueScanTicker, m.scheduler.RunDueScan)

	m.expiryScanTicker = time.NewTicker(expiryScanInterval)
	m.wg.Add(1)
	go m.scanWorker("expiry scan", m.expiryScanTicker, m.scheduler.RunExpiryScan)

	m.repairScanTicker = time.NewTicker(repairScanInterval)
	m.wg.Add(1)
	go m.scanWorker("repair scan", m.repairScanTicker, m.scheduler.RunRepairScan)

	m.retentionTicker = time.NewTicker(retentionInterval)
	m.wg.Add(1)
	go m.retentionWorker()

	// Counter flush worker (Redis -> DB) every 5 seconds
	m.counterFlushTicker = time.NewTicker(counterFlushEvery)
	m.wg.Add(1)
	go m.counterFlushWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	for _, t := range []*time.Ticker{
		m.dueScanTicker,
		m.expiryScanTicker,
		m.repairScanTicker,
		m.retentionTicker,
		m.counterFlushTicker,
	} {
		if t != nil {
			t.Stop()
		}
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()
	m.queue.Stop()

	// One final flush so the shutdown window's counters are not lost.
	if err := metrics.FlushAll(); err != nil {
		log.Errorf("[JobQueue Manager] Final counter flush error: %v", err)
	}

	log.Info("[JobQueue Manager] Stopped successfully")
}

// scanWorker runs one scheduler scan on its ticker until stopped.
func (m *Manager) scanWorker(name string, ticker *time.Ticker, scan func(ctx context.Context) error) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started %s worker", name)

	for {
		select {
		case <-m.stopCh:
			log.Infof("[JobQueue Manager] %s worker stopping", name)
			return
		case <-ticker.C:
			if err := scan(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Error in %s: %v", name, err)
			}
		}
	}
}

// retentionWorker periodically enqueues a retention sweep job. The sweep
// itself runs through the queue like everything else.
func (m *Manager) retentionWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Retention worker stopping")
			return
		case <-m.retentionTicker.C:
			if err := m.queue.EnqueueRetentionSweep(context.Background(), 0); err != nil {
				log.Errorf("[JobQueue Manager] Error enqueueing retention sweep: %v", err)
			}
		}
	}
}

// counterFlushWorker periodically flushes counters from Redis to the DB
func (m *Manager) counterFlushWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Counter flush worker stopping")
			return
		case <-m.counterFlushTicker.C:
			if err := metrics.FlushAll(); err != nil {
				log.Errorf("[JobQueue Manager] Counter flush error: %v", err)
			}
		}
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
