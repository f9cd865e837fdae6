package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/config"
)

// ErrUnknownMode is returned for an engine mode NewFactory does not know.
var ErrUnknownMode = errors.New("engine: unknown mode")

// NewFactory returns the Factory for the configured engine mode.
func NewFactory(cfg config.EngineConfig) (Factory, error) {
	switch cfg.Mode {
	case "mock":
		latency := time.Duration(cfg.MockLatencyMS) * time.Millisecond
		return func(_ context.Context, _ Key, _ func(Progress)) (Synthesizer, error) {
			return NewMockSynth(cfg.SampleRate, cfg.Channels, latency), nil
		}, nil
	case "exec":
		return func(_ context.Context, key Key, onProgress func(Progress)) (Synthesizer, error) {
			onProgress(Progress{Key: key, Stage: StageLoading, Message: "Starting engine command"})
			return NewExecSynth(cfg.Command, key, cfg.SampleRate, cfg.Channels)
		}, nil
	case "elevenlabs":
		return func(_ context.Context, key Key, _ func(Progress)) (Synthesizer, error) {
			return NewElevenLabsSynth(ElevenLabsConfig{
				Endpoint:   cfg.Endpoint,
				APIKey:     cfg.APIKey,
				Quality:    key.Quality,
				SampleRate: cfg.SampleRate,
			}), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMode, cfg.Mode)
	}
}
