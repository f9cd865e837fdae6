package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownAction is returned by Decode for envelopes it cannot map to a Message.
var ErrUnknownAction = errors.New("protocol: unknown action")

const (
	actionChunk    = "chunk"
	actionComplete = "complete"
	actionError    = "error"
)

// Message is one of Chunk, Complete or Failure. The set is closed: the
// unexported method keeps other packages from adding variants.
type Message interface {
	Request() string
	action() string
}

// Chunk carries the audio for one segment of a stream.
type Chunk struct {
	RequestID  string `json:"request_id"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	Audio      []byte `json:"audio"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Text       string `json:"text"`
}

// Complete marks the end of a stream; no further chunks follow.
type Complete struct {
	RequestID string `json:"request_id"`
}

// Failure terminates a stream after a synthesis error.
type Failure struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

func (c Chunk) Request() string    { return c.RequestID }
func (c Complete) Request() string { return c.RequestID }
func (f Failure) Request() string  { return f.RequestID }

func (Chunk) action() string    { return actionChunk }
func (Complete) action() string { return actionComplete }
func (Failure) action() string  { return actionError }

type envelope struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps msg in its action envelope.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.action(), err)
	}
	return json.Marshal(envelope{Action: msg.action(), Payload: payload})
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Action {
	case actionChunk:
		var c Chunk
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode chunk: %w", err)
		}
		return c, nil
	case actionComplete:
		var c Complete
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode complete: %w", err)
		}
		return c, nil
	case actionError:
		var f Failure
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, env.Action)
	}
}
