// Package dispatch runs the fixed worker pool that executes admitted jobs
// against their providers and settles the ledger exactly once per job.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"genbot/internal/eventbus"
	"genbot/internal/ledger"
	"genbot/internal/provider"
	"genbot/internal/queue"
	rtsup "genbot/internal/runtime/supervisor"
	logx "genbot/pkg/logx"
)

type Config struct {
	Workers int

	// ProviderTimeout bounds a single provider call (one attempt).
	ProviderTimeout time.Duration

	// Retry policy for transient provider failures.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 2 * time.Minute
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	jobs      *queue.Service
	credits   *ledger.Service
	providers *provider.Registry

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
}

func New(cfg Config, jobs *queue.Service, credits *ledger.Service, providers *provider.Registry, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		jobs:      jobs,
		credits:   credits,
		providers: providers,
	}
}

// Apply updates the retry/timeout knobs at runtime. Worker count changes
// require a restart of the pool.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg.withDefaults()
	running := s.stopCh != nil && s.stopDone == nil
	needRestart := running && prev.Workers != s.cfg.Workers
	s.mu.Unlock()

	if needRestart {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		// Worker failures should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic.
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, idx)
			return nil
		})
	}

	s.log.Info("dispatcher started", logx.Int("workers", cfg.Workers), logx.Duration("provider_timeout", cfg.ProviderTimeout))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatcher stopped")
	case <-ctx.Done():
		s.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}
