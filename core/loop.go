package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
)

var ErrLoopClosed = errors.New("loop closed")

// Loop runs posted tasks one at a time, in the order they were posted.
// Inbound stream events, lifecycle events and timer callbacks of a session
// all run on the same Loop, so handlers never execute in parallel.
type Loop struct {
	tasks  chan func()
	exit   chan struct{}
	once   sync.Once
	wg     conc.WaitGroup
	logger *slog.Logger
}

func NewLoop(size int, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		tasks:  make(chan func(), size),
		exit:   make(chan struct{}),
		logger: logger,
	}
}

func (l *Loop) Start() {
	l.wg.Go(l.run)
}

func (l *Loop) run() {
	for {
		select {
		case <-l.exit:
			return
		case task := <-l.tasks:
			l.exec(task)
		}
	}
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(fmt.Sprintf("loop task panicked: %v", r))
		}
	}()
	task()
}

// Post queues task. It blocks while the queue is full and returns false
// once the loop is closed. Post must not be called from a task when the
// queue may be full.
func (l *Loop) Post(task func()) bool {
	select {
	case <-l.exit:
		return false
	default:
	}
	select {
	case l.tasks <- task:
		return true
	case <-l.exit:
		return false
	}
}

// AfterFunc implements Scheduler by posting f onto the loop when d elapses.
func (l *Loop) AfterFunc(d time.Duration, f func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped.Load() {
				return
			}
			f()
		})
	})
	return lt
}

// Done is closed when the loop is closed.
func (l *Loop) Done() <-chan struct{} {
	return l.exit
}

// Call runs fn on the loop and waits for its result. It must not be called
// from a loop task.
func (l *Loop) Call(fn func() error) error {
	errc := make(chan error, 1)
	if !l.Post(func() { errc <- fn() }) {
		return ErrLoopClosed
	}
	select {
	case err := <-errc:
		return err
	case <-l.exit:
		select {
		case err := <-errc:
			return err
		default:
			return ErrLoopClosed
		}
	}
}

func (l *Loop) Now() time.Time {
	return time.Now()
}

// Close stops the loop and waits for the running task to return.
// Tasks still queued are dropped.
func (l *Loop) Close() {
	l.once.Do(func() {
		close(l.exit)
	})
	l.wg.Wait()
}

// loopTimer also suppresses callbacks that fired but were still queued
// when Stop was called.
type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (lt *loopTimer) Stop() bool {
	wasStopped := lt.stopped.Swap(true)
	fired := !lt.t.Stop()
	return !wasStopped && !fired
}
