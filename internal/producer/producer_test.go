package producer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/engine"
	"github.com/loqalabs/loqa-readaloud/internal/eventstore"
	"github.com/loqalabs/loqa-readaloud/internal/protocol"
	"github.com/loqalabs/loqa-readaloud/internal/registry"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptedSynth struct {
	mu          sync.Mutex
	calls       []string
	inflight    int
	maxInflight int
	started     chan int
	release     chan struct{}
	failAt      int
}

func newScriptedSynth() *scriptedSynth {
	return &scriptedSynth{failAt: -1}
}

func (s *scriptedSynth) Synthesize(_ context.Context, text, _ string, _ float64) (engine.Audio, error) {
	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, text)
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	if s.started != nil {
		s.started <- idx
	}
	if s.release != nil {
		<-s.release
	}
	if idx == s.failAt {
		return engine.Audio{}, errors.New("engine exploded")
	}
	return engine.Audio{PCM: []byte(text), SampleRate: 16000, Channels: 1}, nil
}

func (s *scriptedSynth) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type collector struct {
	msgs chan protocol.Message
}

func (c *collector) Emit(_ context.Context, msg protocol.Message) error {
	c.msgs <- msg
	return nil
}

func (c *collector) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case msg := <-c.msgs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream message")
		return nil
	}
}

func (c *collector) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-c.msgs:
		t.Fatalf("unexpected message %T for %s", msg, msg.Request())
	default:
	}
}

type fixture struct {
	producer *Producer
	out      *collector
	store    *eventstore.Store
	failures chan error
}

func newFixture(t *testing.T, factory engine.Factory, store *eventstore.Store) *fixture {
	t.Helper()
	log := newLogger()
	if store == nil {
		var err error
		store, err = eventstore.Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, log)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
	}
	reg, err := registry.New(16)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	f := &fixture{out: &collector{msgs: make(chan protocol.Message, 64)}, store: store, failures: make(chan error, 4)}
	p, err := New(context.Background(), reg, engine.NewCache(factory, log), f.out, store, Options{
		MaxLength: 100,
		Voice:     "en-US",
		Speed:     1,
		OnFailure: func(_ string, err error) { f.failures <- err },
	}, log)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	t.Cleanup(p.Close)
	f.producer = p
	return f
}

func fixed(s engine.Synthesizer) engine.Factory {
	return func(context.Context, engine.Key, func(engine.Progress)) (engine.Synthesizer, error) {
		return s, nil
	}
}

func TestStreamEmitsChunksInOrder(t *testing.T) {
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	synth := newScriptedSynth()
	f := newFixture(t, fixed(synth), store)

	id, err := f.producer.StartStream("Hello world. How are you? I am fine!", "", 0)
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}

	want := []string{"Hello world.", " How are you?", " I am fine!"}
	for i, text := range want {
		chunk, ok := f.out.next(t).(protocol.Chunk)
		if !ok {
			t.Fatalf("expected chunk %d", i)
		}
		if chunk.RequestID != id || chunk.Index != i || chunk.Total != 3 || chunk.Text != text {
			t.Fatalf("unexpected chunk %+v", chunk)
		}
	}
	if _, ok := f.out.next(t).(protocol.Complete); !ok {
		t.Fatal("expected complete")
	}
	f.producer.wg.Wait()

	if state, _ := f.producer.State(id); state != registry.Completed {
		t.Fatalf("expected completed, got %s", state)
	}
	events, err := store.ListStreamEvents(context.Background(), id, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	if len(types) != 5 || types[0] != "active" || types[4] != "completed" {
		t.Fatalf("unexpected event timeline %v", types)
	}
	st, ok, err := store.GetStream(context.Background(), id)
	if err != nil || !ok || st.State != "completed" || st.Segments != 3 {
		t.Fatalf("unexpected stream row %+v ok=%v err=%v", st, ok, err)
	}
}

func TestSynthesisErrorEndsStream(t *testing.T) {
	synth := newScriptedSynth()
	synth.failAt = 1
	f := newFixture(t, fixed(synth), nil)

	id, err := f.producer.StartStream("One. Two. Three. Four.", "", 0)
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	if chunk, ok := f.out.next(t).(protocol.Chunk); !ok || chunk.Index != 0 {
		t.Fatalf("expected chunk 0")
	}
	failure, ok := f.out.next(t).(protocol.Failure)
	if !ok || failure.RequestID != id || failure.Message == "" {
		t.Fatalf("expected failure for %s, got %+v", id, failure)
	}
	f.producer.wg.Wait()

	if synth.callCount() != 2 {
		t.Fatalf("expected no synthesis after the failing segment, got %d calls", synth.callCount())
	}
	f.out.expectNone(t)
	if state, _ := f.producer.State(id); state != registry.Failed {
		t.Fatalf("expected failed, got %s", state)
	}
	select {
	case <-f.failures:
	default:
		t.Fatal("expected failure hook to run")
	}
}

func TestCancelDropsInFlightResult(t *testing.T) {
	synth := newScriptedSynth()
	synth.started = make(chan int, 8)
	synth.release = make(chan struct{})
	f := newFixture(t, fixed(synth), nil)

	id, err := f.producer.StartStream("One. Two. Three.", "", 0)
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	<-synth.started
	synth.release <- struct{}{}
	if chunk, ok := f.out.next(t).(protocol.Chunk); !ok || chunk.Index != 0 {
		t.Fatal("expected chunk 0")
	}

	<-synth.started
	if !f.producer.Cancel(id) {
		t.Fatal("expected cancel to take effect")
	}
	if f.producer.Cancel(id) {
		t.Fatal("expected repeated cancel to be a no-op")
	}
	synth.release <- struct{}{}
	f.producer.wg.Wait()

	f.out.expectNone(t)
	if synth.callCount() != 2 {
		t.Fatalf("expected no further synthesis after cancel, got %d calls", synth.callCount())
	}
	if state, _ := f.producer.State(id); state != registry.Cancelled {
		t.Fatalf("expected cancelled, got %s", state)
	}
}

func TestNewStreamSupersedesOld(t *testing.T) {
	synth := newScriptedSynth()
	synth.started = make(chan int, 8)
	synth.release = make(chan struct{}, 8)
	f := newFixture(t, fixed(synth), nil)

	a, err := f.producer.StartStream("First. Second.", "", 0)
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	<-synth.started

	b, err := f.producer.StartStream("Other.", "", 0)
	if err != nil {
		t.Fatalf("start b: %v", err)
	}
	if state, _ := f.producer.State(a); state != registry.Cancelled {
		t.Fatalf("expected a cancelled, got %s", state)
	}

	synth.release <- struct{}{} // a's in-flight call
	<-synth.started
	synth.release <- struct{}{} // b's only call

	chunk, ok := f.out.next(t).(protocol.Chunk)
	if !ok || chunk.RequestID != b || chunk.Index != 0 {
		t.Fatalf("expected b's chunk 0, got %+v", chunk)
	}
	if done, ok := f.out.next(t).(protocol.Complete); !ok || done.RequestID != b {
		t.Fatal("expected b to complete")
	}
	f.producer.wg.Wait()
	f.out.expectNone(t)

	synth.mu.Lock()
	defer synth.mu.Unlock()
	if synth.maxInflight != 1 {
		t.Fatalf("expected sequential engine use, saw %d concurrent calls", synth.maxInflight)
	}
}

func TestEngineCreationFailure(t *testing.T) {
	f := newFixture(t, func(context.Context, engine.Key, func(engine.Progress)) (engine.Synthesizer, error) {
		return nil, errors.New("no gpu")
	}, nil)

	id, err := f.producer.StartStream("Hello.", "", 0)
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	failure, ok := f.out.next(t).(protocol.Failure)
	if !ok || failure.RequestID != id {
		t.Fatalf("expected failure, got %+v", failure)
	}
}

func TestPrepareValidation(t *testing.T) {
	f := newFixture(t, fixed(newScriptedSynth()), nil)
	if _, err := f.producer.Prepare(protocol.SpeakRequest{Text: "   "}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}

	stream, err := f.producer.Prepare(protocol.SpeakRequest{Text: "abcdef", MaxLength: 2})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(stream.Segments) != 3 || stream.Voice != "en-US" || stream.Speed != 1 {
		t.Fatalf("unexpected stream %+v", stream)
	}

	if _, err := f.producer.Prepare(protocol.SpeakRequest{Text: "newer"}); err != nil {
		t.Fatalf("prepare newer: %v", err)
	}
	if err := f.producer.Launch(stream); !errors.Is(err, ErrNotLive) {
		t.Fatalf("expected ErrNotLive for superseded stream, got %v", err)
	}
}
