package servofw

import (
	"context"
	"sync/atomic"
)

// channelActor is the single-owner task runner for one servo
// channel. At most one movement task runs against a channel at a
// time; a second request queues behind it rather than running
// concurrently.
type channelActor struct {
	channel  int
	tasks    chan func()
	disabled atomic.Bool
	current  atomic.Int64
}

func newChannelActor(channel, neutralPulse int) *channelActor {
	a := &channelActor{channel: channel, tasks: make(chan func(), 1)}
	a.current.Store(int64(neutralPulse))
	go a.run()
	return a
}

func (a *channelActor) run() {
	for task := range a.tasks {
		task()
	}
}

// do serializes fn against every other command on this channel,
// blocking until fn has run or ctx is cancelled first (in which case
// fn is still queued and will run, but the caller stops waiting).
func (a *channelActor) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	a.tasks <- func() {
		done <- fn()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *channelActor) pulse() int {
	return int(a.current.Load())
}

func (a *channelActor) setPulse(p int) {
	a.current.Store(int64(p))
}
