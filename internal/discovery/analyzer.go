package discovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Analyzer runs the engine's analysis pass on a fixed interval,
// independent of message traffic.
//
// Thread Safety: Start and Stop are safe to call from any goroutine.
// The running state is protected by a mutex so repeated calls are
// idempotent.
type Analyzer struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    sync.WaitGroup
}

// NewAnalyzer creates an analyzer for the engine. The interval comes
// from the engine's config; a non-positive interval falls back to 30s.
func NewAnalyzer(engine *Engine, logger *zap.Logger) *Analyzer {
	interval := engine.cfg.AnalysisInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Analyzer{
		engine:   engine,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the background analysis loop. Calling Start on a
// running analyzer is a no-op.
func (a *Analyzer) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})

	a.done.Add(1)
	go a.run(ctx, a.stopCh)

	a.logger.Info("discovery analyzer started",
		zap.Duration("interval", a.interval))
}

func (a *Analyzer) run(ctx context.Context, stopCh chan struct{}) {
	defer a.done.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.engine.AnalyzePatterns()
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the analysis loop and waits for it to exit. Calling Stop
// on a stopped analyzer is a no-op.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	a.mu.Unlock()

	a.done.Wait()
	a.logger.Info("discovery analyzer stopped")
}
