package releve

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hazyhaar/prix/jobq"
)

// DiscoverStream runs discovery inline, forwarding lifecycle events to
// send as they happen and finishing with a terminal complete or error
// event. A send failure means the client is gone; the pipeline stops
// at its next checkpoint instead of burning paid calls for nobody.
//
// Cancellation is not an error: the terminal event is a complete
// marked "cancelled" carrying whatever partial result exists.
func (s *Service) DiscoverStream(ctx context.Context, req DiscoverRequest, send func(Event) error) (*DiscoveryResult, error) {
	sink := &streamSink{send: send}
	inner := req.Monitor
	req.Monitor = MonitorFuncs{
		OnProgress: func(ctx context.Context, pct int) {
			if inner != nil {
				inner.Progress(ctx, pct)
			}
		},
		OnCheckpoint: func(ctx context.Context) error {
			if err := sink.err(); err != nil {
				return err
			}
			if inner != nil {
				return inner.Checkpoint(ctx)
			}
			return ctx.Err()
		},
		OnEvent: func(ctx context.Context, ev Event) {
			if inner != nil {
				inner.Event(ctx, ev)
			}
			sink.emit(ev)
		},
	}

	result, err := s.Discover(ctx, req)
	switch {
	case err == nil:
		sink.emit(Event{Type: EventComplete, Result: result})
	case errors.Is(err, jobq.ErrCancelled) || errors.Is(err, context.Canceled):
		sink.emit(Event{Type: EventComplete, Message: "cancelled", Result: result})
	default:
		sink.emit(Event{Type: EventError, Message: err.Error()})
	}
	return result, err
}

// streamSink remembers the first send failure so checkpoints can stop
// the pipeline.
type streamSink struct {
	send   func(Event) error
	mu     sync.Mutex
	failed error
}

func (s *streamSink) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return
	}
	if err := s.send(ev); err != nil {
		s.failed = fmt.Errorf("releve: stream closed: %w", err)
	}
}

func (s *streamSink) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}
