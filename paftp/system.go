// SPDX-FileCopyrightText: 2025 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package paftp

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// System schedules work onto the single logical thread all Endpoint
// operations, Transport upcalls and timer callbacks must run on. An Endpoint
// performs no internal locking; serialization is the System's job.
type System interface {
	// Post enqueues fn for execution on the stack thread.
	Post(fn func())

	// StartTimer arranges fn to run on the stack thread after d. The
	// returned Timer is one-shot and idempotent to cancel.
	StartTimer(d time.Duration, fn func()) Timer
}

// Timer is a handle for a timer started through a System.
type Timer interface {
	// Cancel stops the timer. Cancelling an already fired or cancelled
	// timer is a no-op.
	Cancel()
}

// RunLoop is the default System: a single goroutine draining a job queue.
// Timers fire through the same queue, so everything posted is serialized.
type RunLoop struct {
	jobs chan func()
	done chan struct{}
}

// NewRunLoop creates and starts a RunLoop.
func NewRunLoop() *RunLoop {
	rl := &RunLoop{
		jobs: make(chan func(), 64),
		done: make(chan struct{}),
	}

	go rl.run()

	return rl
}

func (rl *RunLoop) run() {
	for {
		select {
		case job := <-rl.jobs:
			job()

		case <-rl.done:
			return
		}
	}
}

// Post enqueues fn onto the RunLoop's goroutine.
func (rl *RunLoop) Post(fn func()) {
	select {
	case rl.jobs <- fn:

	case <-rl.done:
		log.Debug("RunLoop dropped job after stop")
	}
}

// StartTimer schedules fn after d, executed on the RunLoop's goroutine.
func (rl *RunLoop) StartTimer(d time.Duration, fn func()) Timer {
	return &runLoopTimer{
		timer: time.AfterFunc(d, func() {
			rl.Post(fn)
		}),
	}
}

// Stop terminates the RunLoop's goroutine. Pending jobs are dropped.
func (rl *RunLoop) Stop() {
	close(rl.done)
}

type runLoopTimer struct {
	timer *time.Timer
}

func (t *runLoopTimer) Cancel() {
	t.timer.Stop()
}
