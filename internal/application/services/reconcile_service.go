package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
)

// DefaultReconcileInterval is how often counters are recomputed from the store
const DefaultReconcileInterval = 60 * time.Second

// Reconciler recomputes the queue counters
type Reconciler interface {
	Reconcile(ctx context.Context) (map[entities.CounterKey]int64, error)
}

// ReconcileService repairs counter drift on startup and then periodically
type ReconcileService struct {
	reconciler Reconciler
	timeout    time.Duration

	wg sync.WaitGroup
}

// NewReconcileService creates a reconcile service. timeout bounds each run.
func NewReconcileService(reconciler Reconciler, timeout time.Duration) *ReconcileService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReconcileService{reconciler: reconciler, timeout: timeout}
}

// RunOnce performs a single reconcile
func (s *ReconcileService) RunOnce(ctx context.Context) (map[entities.CounterKey]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	counts, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		return nil, err
	}

	evt := log.Debug().Dur("took", time.Since(start))
	for k, v := range counts {
		evt = evt.Int64(string(k), v)
	}
	evt.Msg("queue counters reconciled")
	return counts, nil
}

// Start reconciles once, then every interval until ctx is done
func (s *ReconcileService) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}

	if _, err := s.RunOnce(ctx); err != nil {
		log.Warn().Err(err).Msg("initial counter reconcile failed")
	}

	ticker := time.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopping counter reconcile")
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					log.Warn().Err(err).Msg("periodic counter reconcile failed")
				}
			}
		}
	}()
	log.Info().Dur("interval", interval).Msg("started periodic counter reconcile")
}

// Wait blocks until the periodic loop has exited
func (s *ReconcileService) Wait() {
	s.wg.Wait()
}
