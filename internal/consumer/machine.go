package consumer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Clip is one chunk handed to the audio backend.
type Clip struct {
	RequestID  string
	Index      int
	Total      int
	Audio      []byte
	SampleRate int
	Channels   int
	Text       string
}

// Duration reports the playback length of 16-bit PCM audio.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Audio) / (2 * c.Channels)
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Player is an audio backend with a single output.
//
// Play starts the clip and returns; done is called once when it finishes or
// fails to play, possibly from another goroutine. After Stop, done may still
// fire for the halted clip.
type Player interface {
	Play(clip Clip, done func(error)) error
	Stop()
}

type slot struct {
	token     uint64
	requestID string
	index     int
}

// machine holds the consumer state. It is not safe for concurrent use; the
// Scheduler serializes every call onto one goroutine.
type machine struct {
	player   Player
	notify   func(protocol.Status)
	cancel   func(requestID string)
	finished func(token uint64, err error)
	stall    time.Duration
	now      func() time.Time
	log      *slog.Logger
	metrics  consumerMetrics

	streaming bool
	active    string
	buffer    map[int]protocol.Chunk
	cursor    int
	total     int
	completed bool
	waiting   time.Time

	playing *slot
	tokens  uint64
}

type consumerMetrics struct {
	played    metric.Int64Counter
	discarded metric.Int64Counter
	aborted   metric.Int64Counter
}

func newConsumerMetrics(meter metric.Meter) (consumerMetrics, error) {
	var m consumerMetrics
	var err error
	if m.played, err = meter.Int64Counter("readaloud.consumer.played", metric.WithDescription("Chunks handed to the audio backend")); err != nil {
		return m, err
	}
	if m.discarded, err = meter.Int64Counter("readaloud.consumer.discarded", metric.WithDescription("Inbound messages dropped by the admission filter")); err != nil {
		return m, err
	}
	if m.aborted, err = meter.Int64Counter("readaloud.consumer.aborted", metric.WithDescription("Streams aborted on the consumer side")); err != nil {
		return m, err
	}
	return m, nil
}

// begin makes id the active request. A clip already playing from the previous
// request is allowed to finish; its buffered successors are dropped.
func (m *machine) begin(id string) {
	if m.streaming && m.active != id {
		m.log.Debug("stream superseded", slog.String("request_id", m.active), slog.String("next", id))
	}
	m.reset()
	m.streaming = true
	m.active = id
	m.buffer = make(map[int]protocol.Chunk)
	m.status(protocol.StatusLoading, "Preparing audio")
	m.playNext()
}

func (m *machine) admit(id, kind string) bool {
	if m.streaming && id == m.active {
		return true
	}
	m.discard(kind, "stale")
	return false
}

func (m *machine) discard(kind, reason string) {
	m.metrics.discarded.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind), attribute.String("reason", reason)))
}

func (m *machine) chunk(c protocol.Chunk) {
	if !m.admit(c.RequestID, "chunk") {
		return
	}
	if c.Index < m.cursor {
		m.discard("chunk", "played")
		return
	}
	if c.Index < 0 || (c.Total > 0 && c.Index >= c.Total) {
		m.discard("chunk", "out_of_range")
		m.log.Warn("chunk index out of range", slog.String("request_id", c.RequestID), slog.Int("index", c.Index), slog.Int("total", c.Total))
		return
	}
	if prev, ok := m.buffer[c.Index]; ok && !bytes.Equal(prev.Audio, c.Audio) {
		m.log.Warn("duplicate chunk differs from buffered copy", slog.String("request_id", c.RequestID), slog.Int("index", c.Index))
	}
	m.buffer[c.Index] = c
	m.total = max(m.total, c.Total, c.Index+1)
	m.playNext()
}

func (m *machine) complete(id string) {
	if !m.admit(id, "complete") {
		return
	}
	m.completed = true
	m.playNext()
}

func (m *machine) fail(id, message string) {
	if !m.admit(id, "error") {
		return
	}
	if m.playing != nil && m.playing.requestID == id {
		m.player.Stop()
		m.playing = nil
	}
	m.log.Warn("stream failed", slog.String("request_id", id), slog.String("error", message))
	m.abort(fmt.Sprintf("Speech failed: %s", message))
}

// stop halts playback, tells the producer to cancel and returns to idle.
func (m *machine) stop() {
	if m.playing != nil {
		m.player.Stop()
		m.playing = nil
	}
	if m.streaming {
		m.cancel(m.active)
	}
	m.status(protocol.StatusReady, "Stopped")
	m.reset()
}

func (m *machine) playbackDone(token uint64, err error) {
	if m.playing == nil || m.playing.token != token {
		return
	}
	done := m.playing
	m.playing = nil
	if err != nil {
		m.log.Warn("playback failed", slog.String("request_id", done.requestID), slog.Int("index", done.index), slog.String("error", err.Error()))
		if m.streaming && done.requestID == m.active {
			m.cancel(m.active)
			m.abort("Playback failed")
			return
		}
	}
	m.playNext()
}

// checkStall aborts the stream when the chunk at the cursor has been missing
// for longer than the stall timeout.
func (m *machine) checkStall() {
	deadline, ok := m.stallDeadline()
	if !ok || m.now().Before(deadline) {
		return
	}
	m.log.Warn("timed out waiting for chunk", slog.String("request_id", m.active), slog.Int("index", m.cursor))
	m.cancel(m.active)
	m.abort("Timed out waiting for audio")
}

func (m *machine) stallDeadline() (time.Time, bool) {
	if m.stall <= 0 || !m.streaming || m.playing != nil || m.waiting.IsZero() {
		return time.Time{}, false
	}
	return m.waiting.Add(m.stall), true
}

func (m *machine) playNext() {
	if m.playing != nil || !m.streaming {
		return
	}
	c, ok := m.buffer[m.cursor]
	if !ok {
		// total stays 0 until a chunk declares it; Complete may arrive first.
		if m.completed && m.total > 0 && m.cursor >= m.total {
			m.status(protocol.StatusReady, "Ready")
			m.reset()
			return
		}
		if m.waiting.IsZero() {
			m.waiting = m.now()
			m.status(protocol.StatusLoading, "Waiting for next chunk")
		}
		return
	}

	delete(m.buffer, m.cursor)
	m.cursor++
	m.waiting = time.Time{}
	m.tokens++
	token := m.tokens
	m.playing = &slot{token: token, requestID: c.RequestID, index: c.Index}
	m.status(protocol.StatusSpeaking, fmt.Sprintf("Speaking %d/%d", c.Index+1, m.total))
	m.metrics.played.Add(context.Background(), 1)

	clip := Clip{
		RequestID:  c.RequestID,
		Index:      c.Index,
		Total:      c.Total,
		Audio:      c.Audio,
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		Text:       c.Text,
	}
	if err := m.player.Play(clip, func(err error) { m.finished(token, err) }); err != nil {
		m.playing = nil
		m.log.Warn("playback failed to start", slog.String("request_id", c.RequestID), slog.Int("index", c.Index), slog.String("error", err.Error()))
		m.cancel(m.active)
		m.abort("Playback failed")
	}
}

func (m *machine) abort(message string) {
	m.metrics.aborted.Add(context.Background(), 1)
	id := m.active
	m.reset()
	m.notify(protocol.Status{Message: message, Kind: protocol.StatusError, RequestID: id, Timestamp: m.now().UTC()})
}

func (m *machine) reset() {
	m.streaming = false
	m.active = ""
	m.buffer = nil
	m.cursor = 0
	m.total = 0
	m.completed = false
	m.waiting = time.Time{}
}

func (m *machine) status(kind protocol.StatusKind, message string) {
	m.notify(protocol.Status{Message: message, Kind: kind, RequestID: m.active, Timestamp: m.now().UTC()})
}
