package webhook

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// Start launches the worker goroutines that drain the in-process queue.
func (s *Service) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg = conc.NewWaitGroup()
	for i := 0; i < s.workers; i++ {
		s.wg.Go(func() { s.work(ctx) })
	}
	s.log.Info("webhook workers started", zap.Int("workers", s.workers))
	return nil
}

// Stop cancels the workers and waits for in-flight deliveries. Rows left in
// processing are picked up by redelivery once their claim expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, wg := s.cancel, s.wg
	s.cancel, s.wg = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := wg.WaitAndRecover(); r != nil {
			s.log.Error("webhook worker panicked", zap.String("panic", r.String()))
		}
	}()
	select {
	case <-done:
		s.log.Info("webhook workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.queue:
			s.processSafely(ctx, id)
		}
	}
}

func (s *Service) processSafely(ctx context.Context, id snowflake.ID) {
	var pc panics.Catcher
	pc.Try(func() {
		if _, err := s.Process(ctx, id); err != nil {
			s.log.Debug("webhook delivery left for redelivery", zap.String("inbox_id", id.String()), zap.Error(err))
		}
	})
	if r := pc.Recovered(); r != nil {
		s.log.Error("webhook delivery panicked",
			zap.String("inbox_id", id.String()),
			zap.String("panic", r.String()),
		)
	}
}

// enqueue never blocks the request path: a full queue leaves the row to the
// redelivery sweep.
func (s *Service) enqueue(id snowflake.ID) {
	select {
	case s.queue <- id:
	default:
		s.log.Warn("webhook queue full, deferring to redelivery", zap.String("inbox_id", id.String()))
	}
}
