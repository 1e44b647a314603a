package watch

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	"settle/internal/config"
	logx "settle/pkg/logx"
)

// Set runs the watchers for one config generation. A live reload stops the
// old set and starts a fresh one, so rule changes never leak stale watchers.
type Set struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartSet builds and starts a watcher per rule. Rules that fail to build
// (bad durations slip past only if validation was skipped) are logged and
// dropped rather than failing the whole set.
func StartSet(ctx context.Context, cfg *config.Config, submit Submit, log logx.Logger, clk clock.Clock) *Set {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Set{cancel: cancel}

	for _, rc := range cfg.Rules {
		r, err := NewRule(rc, submit, log, clk)
		if err != nil {
			log.Warn("skipping rule", logx.String("rule", rc.Name), logx.Err(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			r.Run(ctx)
		}()
	}
	return s
}

// Stop cancels all watchers and waits for them to exit.
func (s *Set) Stop() {
	if s == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}
