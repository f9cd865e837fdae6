// Package producer turns text into an ordered stream of synthesized chunks.
//
// Only one stream generates at a time. Each segment goes through a
// check-synthesize-check cycle against the request registry, so a cancelled or
// superseded stream stops emitting at the next check point and the result of a
// call that was in flight at that moment is dropped.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/engine"
	"github.com/loqalabs/loqa-readaloud/internal/eventstore"
	"github.com/loqalabs/loqa-readaloud/internal/protocol"
	"github.com/loqalabs/loqa-readaloud/internal/registry"
	"github.com/loqalabs/loqa-readaloud/internal/segment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrEmptyText = errors.New("producer: text is empty")
	ErrNotLive   = errors.New("producer: request is no longer live")
)

// Emitter delivers stream messages to the consumer side.
type Emitter interface {
	Emit(ctx context.Context, msg protocol.Message) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, msg protocol.Message) error

func (f EmitterFunc) Emit(ctx context.Context, msg protocol.Message) error { return f(ctx, msg) }

type Options struct {
	MaxLength    int
	Key          engine.Key
	Voice        string
	Speed        float64
	SynthTimeout time.Duration
	// OnProgress observes engine creation.
	OnProgress func(requestID string, p engine.Progress)
	// OnFailure observes synthesis and engine errors that end a stream.
	OnFailure func(requestID string, err error)
}

// Stream is a prepared request: identity allocated and text segmented.
type Stream struct {
	ID       string
	Segments []string
	Voice    string
	Speed    float64
	req      *registry.Request
}

type Producer struct {
	registry *registry.Registry
	engines  *engine.Cache
	emitter  Emitter
	store    *eventstore.Store
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  producerMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	done chan struct{}
}

type producerMetrics struct {
	streams   metric.Int64Counter
	chunks    metric.Int64Counter
	failures  metric.Int64Counter
	discarded metric.Int64Counter
	synthTime metric.Float64Histogram
}

func New(parent context.Context, reg *registry.Registry, engines *engine.Cache, emitter Emitter, store *eventstore.Store, opts Options, log *slog.Logger) (*Producer, error) {
	if opts.MaxLength < 1 {
		return nil, segment.ErrInvalidMaxLength
	}
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	metrics, err := newProducerMetrics(otel.Meter("github.com/loqalabs/loqa-readaloud/producer"))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	return &Producer{
		registry: reg,
		engines:  engines,
		emitter:  emitter,
		store:    store,
		opts:     opts,
		logger:   log.With(slog.String("component", "producer")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-readaloud/producer"),
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func newProducerMetrics(meter metric.Meter) (producerMetrics, error) {
	var m producerMetrics
	var err error
	if m.streams, err = meter.Int64Counter("readaloud.producer.streams", metric.WithDescription("Streams started")); err != nil {
		return m, err
	}
	if m.chunks, err = meter.Int64Counter("readaloud.producer.chunks", metric.WithDescription("Chunks emitted")); err != nil {
		return m, err
	}
	if m.failures, err = meter.Int64Counter("readaloud.producer.failures", metric.WithDescription("Streams ended by an engine error")); err != nil {
		return m, err
	}
	if m.discarded, err = meter.Int64Counter("readaloud.producer.discarded", metric.WithDescription("Synthesis results dropped after cancellation")); err != nil {
		return m, err
	}
	if m.synthTime, err = meter.Float64Histogram("readaloud.producer.synthesis.duration", metric.WithUnit("s")); err != nil {
		return m, err
	}
	return m, nil
}

// Prepare segments text and allocates a new request, superseding any live one.
// Zero fields in req fall back to the configured defaults.
func (p *Producer) Prepare(req protocol.SpeakRequest) (*Stream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	maxLength := p.opts.MaxLength
	if req.MaxLength > 0 {
		maxLength = req.MaxLength
	}
	segments, err := segment.Split(req.Text, maxLength)
	if err != nil {
		return nil, err
	}
	handle, err := p.registry.Begin(p.ctx)
	if err != nil {
		return nil, err
	}
	stream := &Stream{
		ID:       handle.ID,
		Segments: segments,
		Voice:    req.Voice,
		Speed:    req.Speed,
		req:      handle,
	}
	if stream.Voice == "" {
		stream.Voice = p.opts.Voice
	}
	if stream.Speed <= 0 {
		stream.Speed = p.opts.Speed
	}
	if err := p.store.AppendStream(p.ctx, eventstore.Stream{
		ID:       stream.ID,
		Voice:    stream.Voice,
		Speed:    stream.Speed,
		Segments: len(segments),
		State:    registry.Pending.String(),
	}); err != nil {
		p.logger.Warn("failed to record stream", slogError(err))
	}
	p.logger.Info("stream prepared",
		slog.String("request_id", stream.ID),
		slog.Int("segments", len(segments)),
		slog.Int("characters", segment.Count(req.Text)))
	return stream, nil
}

// Launch activates a prepared stream and starts its generation loop. The loop
// waits for the previous one to exit before touching the engine.
func (p *Producer) Launch(stream *Stream) error {
	if !p.registry.Activate(stream.ID) {
		return ErrNotLive
	}
	p.record(stream.ID, registry.Active.String(), -1, nil)
	p.metrics.streams.Add(p.ctx, 1)

	p.mu.Lock()
	prev := p.done
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		p.generate(stream)
	}()
	return nil
}

// StartStream prepares and launches a stream in one step.
func (p *Producer) StartStream(text, voice string, speed float64) (string, error) {
	stream, err := p.Prepare(protocol.SpeakRequest{Text: text, Voice: voice, Speed: speed})
	if err != nil {
		return "", err
	}
	if err := p.Launch(stream); err != nil {
		return "", err
	}
	return stream.ID, nil
}

// Cancel stops id if it is still live. It is safe to call repeatedly.
func (p *Producer) Cancel(id string) bool {
	if !p.registry.Cancel(id) {
		return false
	}
	p.logger.Info("stream cancelled", slog.String("request_id", id))
	p.record(id, registry.Cancelled.String(), -1, nil)
	return true
}

// State reports the lifecycle state of id.
func (p *Producer) State(id string) (registry.State, bool) {
	return p.registry.State(id)
}

// Close cancels the live stream and waits for generation to stop.
func (p *Producer) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Producer) generate(stream *Stream) {
	ctx, span := p.tracer.Start(p.ctx, "readaloud.stream",
		trace.WithAttributes(
			attribute.String("request_id", stream.ID),
			attribute.Int("segments", len(stream.Segments)),
		))
	defer span.End()
	reqCtx := trace.ContextWithSpan(stream.req.Context(), span)

	synth, err := p.engines.Get(reqCtx, p.opts.Key, func(pr engine.Progress) {
		if p.opts.OnProgress != nil {
			p.opts.OnProgress(stream.ID, pr)
		}
	})
	if err != nil {
		p.fail(ctx, span, stream, -1, err)
		return
	}

	total := len(stream.Segments)
	for i, text := range stream.Segments {
		if !p.registry.Live(stream.ID) {
			span.AddEvent("stopped", trace.WithAttributes(attribute.Int("index", i)))
			return
		}
		audio, err := p.synthesize(reqCtx, synth, stream, i, text)
		if !p.registry.Live(stream.ID) {
			p.metrics.discarded.Add(ctx, 1)
			p.logger.Debug("dropping result for stopped stream", slog.String("request_id", stream.ID), slog.Int("index", i))
			return
		}
		if err != nil {
			p.fail(ctx, span, stream, i, err)
			return
		}
		p.emit(ctx, protocol.Chunk{
			RequestID:  stream.ID,
			Index:      i,
			Total:      total,
			Audio:      audio.PCM,
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
			Text:       text,
		})
		p.metrics.chunks.Add(ctx, 1)
		p.record(stream.ID, "chunk", i, []byte(text))
	}

	if p.registry.Finish(stream.ID, registry.Completed) {
		p.emit(ctx, protocol.Complete{RequestID: stream.ID})
		p.record(stream.ID, registry.Completed.String(), -1, nil)
		p.logger.Info("stream completed", slog.String("request_id", stream.ID), slog.Int("chunks", total))
	}
}

func (p *Producer) synthesize(ctx context.Context, synth engine.Synthesizer, stream *Stream, index int, text string) (engine.Audio, error) {
	ctx, span := p.tracer.Start(ctx, "readaloud.synthesize", trace.WithAttributes(attribute.Int("index", index)))
	defer span.End()
	if p.opts.SynthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.SynthTimeout)
		defer cancel()
	}
	start := time.Now()
	audio, err := synth.Synthesize(ctx, text, stream.Voice, stream.Speed)
	p.metrics.synthTime.Record(p.ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return audio, err
}

func (p *Producer) fail(ctx context.Context, span trace.Span, stream *Stream, index int, err error) {
	if !p.registry.Finish(stream.ID, registry.Failed) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.metrics.failures.Add(ctx, 1)
	p.logger.Warn("stream failed", slog.String("request_id", stream.ID), slog.Int("index", index), slogError(err))
	p.emit(ctx, protocol.Failure{RequestID: stream.ID, Message: err.Error()})
	p.record(stream.ID, registry.Failed.String(), index, []byte(err.Error()))
	if p.opts.OnFailure != nil {
		p.opts.OnFailure(stream.ID, fmt.Errorf("segment %d: %w", index, err))
	}
}

func (p *Producer) emit(ctx context.Context, msg protocol.Message) {
	if err := p.emitter.Emit(ctx, msg); err != nil {
		p.logger.Warn("failed to emit stream message", slog.String("request_id", msg.Request()), slogError(err))
	}
}

func (p *Producer) record(id, typ string, index int, payload []byte) {
	if err := p.store.AppendEvent(p.ctx, eventstore.Event{StreamID: id, Type: typ, Index: index, Payload: payload}); err != nil {
		p.logger.Warn("failed to record stream event", slog.String("request_id", id), slogError(err))
	}
	switch typ {
	case registry.Active.String(), registry.Cancelled.String(), registry.Completed.String(), registry.Failed.String():
		if err := p.store.UpdateStreamState(p.ctx, id, typ); err != nil {
			p.logger.Warn("failed to update stream state", slog.String("request_id", id), slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
