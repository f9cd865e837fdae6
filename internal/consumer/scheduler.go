// Package consumer reassembles chunk streams and plays them strictly in order.
//
// Messages may arrive late, early, duplicated or from requests that were
// already superseded. The scheduler buffers chunks by index, gates playback on
// a cursor and keeps at most one clip playing. All state lives on the
// goroutine running Scheduler.Run; every other entry point only posts an event.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/protocol"
	"go.opentelemetry.io/otel"
)

type Options struct {
	// OnStatus receives every status transition.
	OnStatus func(protocol.Status)
	// OnCancel asks the producer to stop the given request.
	OnCancel func(requestID string)
	// StallTimeout aborts a stream stuck waiting on a missing chunk. Zero waits forever.
	StallTimeout time.Duration
}

// Snapshot is a point-in-time view of the scheduler state.
type Snapshot struct {
	Streaming bool   `json:"streaming"`
	RequestID string `json:"request_id,omitempty"`
	Cursor    int    `json:"cursor"`
	Total     int    `json:"total"`
	Buffered  int    `json:"buffered"`
	Playing   bool   `json:"playing"`
	Completed bool   `json:"completed"`
}

type event func(m *machine)

type Scheduler struct {
	m      *machine
	mu     sync.Mutex
	queue  []event
	signal chan struct{}
	logger *slog.Logger
}

func NewScheduler(player Player, opts Options, log *slog.Logger) (*Scheduler, error) {
	metrics, err := newConsumerMetrics(otel.Meter("github.com/loqalabs/loqa-readaloud/consumer"))
	if err != nil {
		return nil, err
	}
	logger := log.With(slog.String("component", "consumer"))
	s := &Scheduler{
		signal: make(chan struct{}, 1),
		logger: logger,
	}
	s.m = &machine{
		player:  player,
		notify:  opts.OnStatus,
		cancel:  opts.OnCancel,
		stall:   opts.StallTimeout,
		now:     time.Now,
		log:     logger,
		metrics: metrics,
		finished: func(token uint64, err error) {
			s.post(func(m *machine) { m.playbackDone(token, err) })
		},
	}
	if s.m.notify == nil {
		s.m.notify = func(protocol.Status) {}
	}
	if s.m.cancel == nil {
		s.m.cancel = func(string) {}
	}
	return s, nil
}

// Begin makes id the active request.
func (s *Scheduler) Begin(id string) {
	s.post(func(m *machine) { m.begin(id) })
}

// Deliver hands an inbound stream message to the scheduler.
func (s *Scheduler) Deliver(msg protocol.Message) {
	s.post(func(m *machine) {
		switch v := msg.(type) {
		case protocol.Chunk:
			m.chunk(v)
		case protocol.Complete:
			m.complete(v.RequestID)
		case protocol.Failure:
			m.fail(v.RequestID, v.Message)
		default:
			s.logger.Warn("unknown stream message", slog.String("request_id", msg.Request()))
		}
	})
}

// Stop halts playback and cancels the active request.
func (s *Scheduler) Stop() {
	s.post(func(m *machine) { m.stop() })
}

// Snapshot returns the current state once the scheduler has processed every
// event posted before the call.
func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	s.post(func(m *machine) {
		reply <- Snapshot{
			Streaming: m.streaming,
			RequestID: m.active,
			Cursor:    m.cursor,
			Total:     m.total,
			Buffered:  len(m.buffer),
			Playing:   m.playing != nil,
			Completed: m.completed,
		}
	})
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Run processes events until ctx is done, then silences the player.
func (s *Scheduler) Run(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		s.drain()

		var stall <-chan time.Time
		if deadline, ok := s.m.stallDeadline(); ok {
			if timer == nil {
				timer = time.NewTimer(time.Until(deadline))
			} else {
				timer.Reset(time.Until(deadline))
			}
			stall = timer.C
		}

		select {
		case <-ctx.Done():
			s.drain()
			if s.m.playing != nil {
				s.m.player.Stop()
				s.m.playing = nil
			}
			return nil
		case <-s.signal:
		case <-stall:
			s.m.checkStall()
		}
	}
}

func (s *Scheduler) post(e event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		queue := s.queue
		s.queue = nil
		s.mu.Unlock()
		if len(queue) == 0 {
			return
		}
		for _, e := range queue {
			e(s.m)
		}
	}
}
