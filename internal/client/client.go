// Package client is the listener side of the pipeline: it asks the producer
// for streams over the bus and feeds what comes back into the playback scheduler.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/bus"
	"github.com/loqalabs/loqa-readaloud/internal/consumer"
	"github.com/loqalabs/loqa-readaloud/internal/eventstore"
	"github.com/loqalabs/loqa-readaloud/internal/protocol"
	"github.com/loqalabs/loqa-readaloud/internal/statushub"
	"github.com/nats-io/nats.go"
)

type Options struct {
	// Timeout bounds the speak request round trip.
	Timeout      time.Duration
	StallTimeout time.Duration
	// Defaults apply when neither the caller nor the stored preferences set a value.
	Defaults eventstore.Preferences
	// Hub is optional.
	Hub *statushub.Hub
}

type Client struct {
	bus       *bus.Client
	scheduler *consumer.Scheduler
	store     *eventstore.Store
	hub       *statushub.Hub
	timeout   time.Duration
	defaults  eventstore.Preferences
	logger    *slog.Logger

	sub *nats.Subscription

	speakMu sync.Mutex

	mu      sync.Mutex
	active  string
	holding bool
	held    []protocol.Message
}

func New(busClient *bus.Client, player consumer.Player, store *eventstore.Store, opts Options, log *slog.Logger) (*Client, error) {
	if busClient == nil {
		return nil, errors.New("bus client required")
	}
	if store == nil {
		return nil, errors.New("preference store required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		bus:      busClient,
		store:    store,
		hub:      opts.Hub,
		timeout:  timeout,
		defaults: opts.Defaults,
		logger:   log.With(slog.String("component", "client")),
	}
	sched, err := consumer.NewScheduler(player, consumer.Options{
		OnStatus:     c.publishStatus,
		OnCancel:     c.publishCancel,
		StallTimeout: opts.StallTimeout,
	}, log)
	if err != nil {
		return nil, err
	}
	c.scheduler = sched
	return c, nil
}

func (c *Client) Start() error {
	sub, err := c.bus.Conn().Subscribe(protocol.SubjectStream, c.handleStream)
	if err != nil {
		return fmt.Errorf("subscribe stream: %w", err)
	}
	c.sub = sub
	return nil
}

// Run drives the playback scheduler until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	return c.scheduler.Run(ctx)
}

func (c *Client) Close() {
	if c.sub != nil {
		_ = c.sub.Drain()
	}
}

func (c *Client) Healthy() bool {
	return c.sub != nil && c.sub.IsValid()
}

// Speak starts reading text aloud and returns the request id. Zero voice or
// speed fall back to the stored preferences.
func (c *Client) Speak(ctx context.Context, text, voice string, speed float64) (protocol.SpeakReply, error) {
	c.speakMu.Lock()
	defer c.speakMu.Unlock()

	prefs, err := c.Preferences(ctx)
	if err != nil {
		return protocol.SpeakReply{}, err
	}
	if voice == "" {
		voice = prefs.Voice
	}
	if speed <= 0 {
		speed = prefs.Speed
	}
	data, err := json.Marshal(protocol.SpeakRequest{Text: text, Voice: voice, Speed: speed})
	if err != nil {
		return protocol.SpeakReply{}, err
	}

	// Chunks for the new id can beat the reply; hold them until Begin is posted.
	c.mu.Lock()
	c.holding = true
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	msg, err := c.bus.Conn().RequestWithContext(reqCtx, protocol.SubjectSpeak, data)
	if err != nil {
		c.release("")
		return protocol.SpeakReply{}, fmt.Errorf("speak request: %w", err)
	}
	var reply protocol.SpeakReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		c.release("")
		return protocol.SpeakReply{}, fmt.Errorf("decode speak reply: %w", err)
	}
	if reply.Error != "" {
		c.release("")
		return reply, fmt.Errorf("speak rejected: %s", reply.Error)
	}
	c.release(reply.RequestID)
	c.logger.Info("stream requested", slog.String("request_id", reply.RequestID), slog.Int("segments", reply.Segments))
	return reply, nil
}

// Stop silences playback and cancels the active stream.
func (c *Client) Stop() {
	c.scheduler.Stop()
}

func (c *Client) Snapshot(ctx context.Context) (consumer.Snapshot, error) {
	return c.scheduler.Snapshot(ctx)
}

func (c *Client) Preferences(ctx context.Context) (eventstore.Preferences, error) {
	return c.store.LoadPreferences(ctx, c.defaults)
}

func (c *Client) SetPreferences(ctx context.Context, prefs eventstore.Preferences) error {
	if prefs.Speed < 0 {
		return fmt.Errorf("speed must be positive")
	}
	return c.store.SavePreferences(ctx, prefs)
}

func (c *Client) handleStream(msg *nats.Msg) {
	decoded, err := protocol.Decode(msg.Data)
	if err != nil {
		c.logger.Warn("failed to decode stream message", slog.String("error", err.Error()))
		return
	}
	c.route(decoded)
}

// route delivers msg unless a speak reply is pending. Only messages that could
// belong to the pending request are held; the active stream keeps playing.
func (c *Client) route(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holding && msg.Request() != c.active {
		c.held = append(c.held, msg)
		return
	}
	c.scheduler.Deliver(msg)
}

// release begins id (when set) and replays held messages behind it.
func (c *Client) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != "" {
		c.active = id
		c.scheduler.Begin(id)
	}
	for _, m := range c.held {
		c.scheduler.Deliver(m)
	}
	c.held = nil
	c.holding = false
}

func (c *Client) publishStatus(status protocol.Status) {
	c.logger.Debug("status",
		slog.String("kind", string(status.Kind)),
		slog.String("message", status.Message),
		slog.String("request_id", status.RequestID),
	)
	if c.hub != nil {
		c.hub.Broadcast(status)
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := c.bus.Conn().Publish(protocol.SubjectStatus, data); err != nil {
		c.logger.Warn("failed to publish status", slog.String("error", err.Error()))
	}
}

func (c *Client) publishCancel(requestID string) {
	data, err := json.Marshal(protocol.CancelRequest{RequestID: requestID})
	if err != nil {
		return
	}
	if err := c.bus.Conn().Publish(protocol.SubjectCancel, data); err != nil {
		c.logger.Warn("failed to publish cancel", slog.String("request_id", requestID), slog.String("error", err.Error()))
	}
}
