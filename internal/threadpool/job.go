package threadpool

import (
	"sync/atomic"

	"github.com/matt0x6f/ircbot/internal/event"
)

const (
	statePending int32 = iota
	stateCompleted
	stateTimedOut
	stateCancelled
)

// Proc is the work a job performs on a worker goroutine.
type Proc func(arg any)

// Job is a unit of work with a tick budget. Finished is raised on the reactor
// goroutine either when the job completes or when its budget runs out;
// HasCompleted tells the two apart.
type Job struct {
	proc  Proc
	arg   any
	ticks int
	state atomic.Int32

	Finished *event.Event[*Job, struct{}]
}

// NewJob creates a job running proc(arg). timeoutTicks <= 0 means no timeout.
func NewJob(proc Proc, arg any, timeoutTicks int) *Job {
	j := &Job{proc: proc, arg: arg, ticks: timeoutTicks}
	j.Finished = event.New[*Job, struct{}](j)
	return j
}

// Arg returns the job argument.
func (j *Job) Arg() any {
	return j.arg
}

// HasCompleted reports whether the job finished within its budget.
func (j *Job) HasCompleted() bool {
	return j.state.Load() == stateCompleted
}

// Pending reports whether the job has neither finished nor failed yet.
func (j *Job) Pending() bool {
	return j.state.Load() == statePending
}

// TimedOut reports whether the job ran out of ticks or was cancelled.
func (j *Job) TimedOut() bool {
	s := j.state.Load()
	return s == stateTimedOut || s == stateCancelled
}
