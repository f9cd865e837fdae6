package producer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/bus"
	"github.com/loqalabs/loqa-readaloud/internal/engine"
	"github.com/loqalabs/loqa-readaloud/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusEmitter publishes stream messages on the stream subject.
type BusEmitter struct {
	bus *bus.Client
}

func NewBusEmitter(busClient *bus.Client) *BusEmitter {
	return &BusEmitter{bus: busClient}
}

func (e *BusEmitter) Emit(_ context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return e.bus.Conn().Publish(protocol.SubjectStream, data)
}

// PublishProgress reports engine creation to host UIs as a loading status.
func (e *BusEmitter) PublishProgress(requestID string, p engine.Progress) {
	data, err := json.Marshal(protocol.Status{
		Message:   p.Message,
		Kind:      protocol.StatusLoading,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = e.bus.Conn().Publish(protocol.SubjectStatus, data)
}

// Service exposes a Producer on the bus.
type Service struct {
	bus      *bus.Client
	producer *Producer
	subs     []*nats.Subscription
	logger   *slog.Logger
}

func NewService(busClient *bus.Client, producer *Producer, log *slog.Logger) *Service {
	return &Service{
		bus:      busClient,
		producer: producer,
		logger:   log.With(slog.String("component", "producer-service")),
	}
}

func (s *Service) Start() error {
	speak, err := s.bus.Conn().Subscribe(protocol.SubjectSpeak, s.handleSpeak)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, speak)
	cancel, err := s.bus.Conn().Subscribe(protocol.SubjectCancel, s.handleCancel)
	if err != nil {
		_ = speak.Unsubscribe()
		return err
	}
	s.subs = append(s.subs, cancel)
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.producer.Close()
}

func (s *Service) Healthy() bool { return len(s.subs) == 2 }

// handleSpeak replies with the request id before generation starts so the
// consumer can begin admitting chunks for it.
func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		s.respond(msg, protocol.SpeakReply{Error: "malformed speak request"})
		return
	}

	stream, err := s.producer.Prepare(req)
	if err != nil {
		s.respond(msg, protocol.SpeakReply{Error: err.Error()})
		return
	}
	s.respond(msg, protocol.SpeakReply{RequestID: stream.ID, Segments: len(stream.Segments)})

	if err := s.producer.Launch(stream); err != nil {
		if errors.Is(err, ErrNotLive) {
			s.logger.Info("stream superseded before launch", slog.String("request_id", stream.ID))
			return
		}
		s.logger.Warn("failed to launch stream", slog.String("request_id", stream.ID), slogError(err))
	}
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode cancel request", slogError(err))
		return
	}
	s.producer.Cancel(req.RequestID)
}

func (s *Service) respond(msg *nats.Msg, reply protocol.SpeakReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal speak reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to speak request", slogError(err))
	}
}
