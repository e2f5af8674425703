package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/atomscat/softswitch-gateway/protocol"
)

// replyFuture is a one-shot slot for a synchronous command reply.
// Completion is at-most-once; redundant completions are ignored.
type replyFuture struct {
	once sync.Once
	done chan struct{}

	msg *protocol.EslMessage
	err error
}

func newReplyFuture() *replyFuture {
	return &replyFuture{done: make(chan struct{})}
}

func (f *replyFuture) complete(msg *protocol.EslMessage, err error) {
	f.once.Do(func() {
		f.msg = msg
		f.err = err
		close(f.done)
	})
}

func (f *replyFuture) fail(err error) {
	f.complete(nil, err)
}

// Await blocks until the reply arrives or ctx expires. A deadline expiry
// fails the future with ErrTimeout so the late reply, when it eventually
// pops this slot off the FIFO, is dropped instead of completing anything.
func (f *replyFuture) Await(ctx context.Context) (*protocol.EslMessage, error) {
	select {
	case <-f.done:

	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = protocol.ErrTimeout
		}
		f.complete(nil, err)
		<-f.done
	}

	return f.msg, f.err
}

// jobFuture is a one-shot slot for a BACKGROUND_JOB event.
type jobFuture struct {
	once sync.Once
	done chan struct{}

	event *protocol.EslEvent
	err   error
}

func newJobFuture() *jobFuture {
	return &jobFuture{done: make(chan struct{})}
}

func (f *jobFuture) complete(event *protocol.EslEvent, err error) {
	f.once.Do(func() {
		f.event = event
		f.err = err
		close(f.done)
	})
}

func (f *jobFuture) fail(err error) {
	f.complete(nil, err)
}

func (f *jobFuture) await(ctx context.Context) (*protocol.EslEvent, error) {
	select {
	case <-f.done:

	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = protocol.ErrTimeout
		}
		f.complete(nil, err)
		<-f.done
	}

	return f.event, f.err
}
