// Package runner executes rule commands once their watch events settle, one
// at a time, and records the outcome in the run history.
package runner

import (
	"context"
	"errors"
	"os/exec"
	"runtime/debug"
	"strings"
	"time"

	"settle/internal/storage"
	logx "settle/pkg/logx"
)

// outputTail bounds how much combined command output is kept per history row.
const outputTail = 2048

// Request asks for one command run on behalf of a rule.
type Request struct {
	Rule    string
	Command []string
	Dir     string
	Timeout time.Duration // 0 disables the per-run bound
}

// Service drains run requests on a single worker, so concurrent rules never
// run their commands on top of each other.
type Service struct {
	log   logx.Logger
	store storage.Store // nil when history is disabled

	queue  chan Request
	stopCh chan struct{}
	done   chan struct{}
}

func New(log logx.Logger, store storage.Store, queueSize int) *Service {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Service{
		log:    log,
		store:  store,
		queue:  make(chan Request, queueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) {
	go s.worker(ctx)
}

// Stop prevents new runs and waits for an in-flight run to finish.
// Queued-but-unstarted requests are discarded.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.done
}

// Enqueue submits a run request without blocking. It reports false when the
// queue is full and the request was dropped.
func (s *Service) Enqueue(req Request) bool {
	select {
	case s.queue <- req:
		return true
	default:
		s.log.Warn("run queue full; dropping request",
			logx.String("rule", req.Rule),
			logx.Int("queue_len", len(s.queue)),
			logx.Int("queue_cap", cap(s.queue)),
		)
		return false
	}
}

func (s *Service) worker(ctx context.Context) {
	defer close(s.done)
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case req := <-s.queue:
			s.execOne(ctx, req)
		}
	}
}

func (s *Service) execOne(ctx context.Context, req Request) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("run panicked",
				logx.String("rule", req.Rule),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()

	if len(req.Command) == 0 {
		return
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	out, err := cmd.CombinedOutput()
	took := time.Since(start)

	rec := storage.RunRecord{
		At:      start,
		Rule:    req.Rule,
		Command: strings.Join(req.Command, " "),
		OK:      err == nil,
		TookMS:  took.Milliseconds(),
		Output:  tail(string(out)),
	}
	if err != nil {
		rec.Error = err.Error()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			rec.ExitCode = exitErr.ExitCode()
		} else {
			rec.ExitCode = -1
		}
		if runCtx.Err() != nil {
			rec.Error = "timeout: " + rec.Error
		}
		s.log.Warn("run failed",
			logx.String("rule", req.Rule),
			logx.String("command", rec.Command),
			logx.Int("exit_code", rec.ExitCode),
			logx.Duration("took", took),
			logx.Err(err),
		)
	} else {
		s.log.Info("run ok",
			logx.String("rule", req.Rule),
			logx.String("command", rec.Command),
			logx.Duration("took", took),
		)
	}

	s.record(rec)
}

func (s *Service) record(rec storage.RunRecord) {
	if s.store == nil {
		return
	}
	// Bounded so a wedged database cannot stall the worker for long.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.AppendRun(ctx, rec); err != nil {
		s.log.Warn("run history append failed", logx.String("rule", rec.Rule), logx.Err(err))
	}
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= outputTail {
		return s
	}
	return "..." + s[len(s)-outputTail:]
}
