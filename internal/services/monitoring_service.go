package services

import (
	"context"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"rollup-sequencer/internal/metrics"
)

// BalanceSource reports the ether balance of the account that pays for rollup submissions
type BalanceSource interface {
	SequencerBalance(ctx context.Context) (common.Address, *big.Int, error)
}

// MonitoringService periodically refreshes the gauges nothing else updates on its own
type MonitoringService struct {
	db                   *gorm.DB
	balances             BalanceSource
	stopCh               chan struct{}
	stopOnce             sync.Once
	wg                   sync.WaitGroup
	dbCheckInterval      time.Duration
	balanceCheckInterval time.Duration
}

func NewMonitoringService(db *gorm.DB, balances BalanceSource) *MonitoringService {
	return &MonitoringService{
		db:                   db,
		balances:             balances,
		stopCh:               make(chan struct{}),
		dbCheckInterval:      10 * time.Second,
		balanceCheckInterval: 60 * time.Second,
	}
}

// Start launches the database and balance loops
func (m *MonitoringService) Start() {
	log.Println("🚀 Starting monitoring service...")

	m.wg.Add(1)
	go m.loop(m.dbCheckInterval, m.updateDatabaseMetrics)

	if m.balances != nil {
		m.wg.Add(1)
		go m.loop(m.balanceCheckInterval, m.updateBalance)
	}

	log.Println("✅ Monitoring service started")
}

// Stop ends both loops and waits for them
func (m *MonitoringService) Stop() {
	m.stopOnce.Do(func() {
		log.Println("🛑 Stopping monitoring service...")
		close(m.stopCh)
		m.wg.Wait()
		log.Println("✅ Monitoring service stopped")
	})
}

func (m *MonitoringService) loop(interval time.Duration, update func()) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	update()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			update()
		}
	}
}

func (m *MonitoringService) updateDatabaseMetrics() {
	sqlDB, err := m.db.DB()
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		return
	}

	stats := sqlDB.Stats()
	metrics.DBConnectionOpen.Set(float64(stats.OpenConnections))
	metrics.DBConnectionIdle.Set(float64(stats.Idle))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		log.Printf("⚠️ [Monitor] Database ping failed: %v", err)
		metrics.DBConnectionStatus.Set(0)
	} else {
		metrics.DBConnectionStatus.Set(1)
	}
}

func (m *MonitoringService) updateBalance() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	address, balance, err := m.balances.SequencerBalance(ctx)
	if err != nil {
		log.Printf("⚠️ [Monitor] Failed to get sequencer balance: %v", err)
		return
	}

	// wei to ether
	value, _ := new(big.Float).Quo(new(big.Float).SetInt(balance), big.NewFloat(1e18)).Float64()
	metrics.SequencerBalance.WithLabelValues(address.Hex()).Set(value)
}
