package utils

import (
	"context"
	"time"
)

type Session struct {
	context   context.Context
	cancel    context.CancelCauseFunc
	startTime time.Time
}

func NewSession(ctx context.Context) Session {
	ctx, cancel := context.WithCancelCause(ctx)
	return Session{
		context:   ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (s *Session) Started() time.Time {
	return s.startTime
}

func (s *Session) Ctx() context.Context {
	return s.context
}

func (s *Session) IsDone() bool {
	return s.context.Err() != nil
}

func (s *Session) Cancel() {
	s.cancel(nil)
}

// Fail cancels the session and records why it ended.
func (s *Session) Fail(err error) {
	s.cancel(err)
}

// Cause returns the error passed to Fail, or nil for a plain Cancel.
func (s *Session) Cause() error {
	cause := context.Cause(s.context)
	if cause == context.Canceled {
		return nil
	}
	return cause
}
