package watch

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"settle/internal/config"
	"settle/internal/runner"
	logx "settle/pkg/logx"
	"settle/pkg/rescheduler"
)

// Submit hands a settled rule off for execution. It reports false when the
// request was dropped (runner queue full).
type Submit func(runner.Request) bool

// Rule watches one rule's paths and submits its command once events settle.
type Rule struct {
	name    string
	paths   []string
	command []string
	dir     string
	settle  time.Duration
	timeout time.Duration

	submit Submit
	log    logx.Logger
	clk    clock.Clock

	// evLog throttles per-event debug lines; editors and build outputs can
	// produce thousands of events per second.
	evLog *rate.Limiter
}

func NewRule(rc config.RuleConfig, submit Submit, log logx.Logger, clk clock.Clock) (*Rule, error) {
	settle, err := rc.SettleDuration()
	if err != nil {
		return nil, err
	}
	timeout, err := rc.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Rule{
		name:    rc.Name,
		paths:   append([]string(nil), rc.Paths...),
		command: append([]string(nil), rc.Command...),
		dir:     rc.Dir,
		settle:  settle,
		timeout: timeout,
		submit:  submit,
		log:     log.With(logx.String("rule", rc.Name)),
		clk:     clk,
		evLog:   rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// Run blocks until ctx is done, recreating the watcher with jittered
// exponential backoff whenever it breaks.
func (r *Rule) Run(ctx context.Context) {
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	queue := rescheduler.NewSerialQueue()
	defer queue.Close()
	log := r.log
	queue.SetPanicHandler(func(v any, stack []byte) {
		log.Error("rule action panicked", logx.Any("panic", v), logx.Stack(string(stack)))
	})
	resched := rescheduler.New(r.fire, queue, rescheduler.NewTimerService(r.clk), r.clk)
	defer queue.Run(func() { resched.Cancel(true) })

	kick := func() {
		if r.evLog.Allow() {
			r.log.Debug("event; extending settle window", logx.Duration("settle", r.settle))
		}
		queue.Run(func() { resched.Reschedule(r.settle) })
	}

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			r.log.Warn("watch init failed", logx.Err(err))
			if !wait() {
				return
			}
			continue
		}

		added := 0
		for _, p := range r.paths {
			if err := w.Add(p); err != nil {
				r.log.Warn("watch add failed", logx.String("path", p), logx.Err(err))
				continue
			}
			added++
		}
		if added == 0 {
			_ = w.Close()
			if !wait() {
				return
			}
			continue
		}

		backoff = restartBackoffBase
		r.log.Debug("watcher started", logx.Int("paths", added))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					kick()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means missed events; treat as one more event so the
				// command still runs after things quiet down.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					r.log.Warn("watch overflow; forcing settle cycle", logx.Err(err))
					kick()
					continue
				}
				r.log.Warn("watch error", logx.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
					break
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("watcher stopped; restarting", logx.Duration("backoff", backoff))
		if !wait() {
			return
		}
	}
}

// fire runs on the rule's confinement queue once events have settled.
func (r *Rule) fire() {
	ok := r.submit(runner.Request{
		Rule:    r.name,
		Command: r.command,
		Dir:     r.dir,
		Timeout: r.timeout,
	})
	if ok {
		r.log.Info("settled; run submitted", logx.Duration("settle", r.settle))
	}
}
