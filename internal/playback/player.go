// Package playback provides the audio backends the consumer plays clips through.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-readaloud/internal/config"
	"github.com/loqalabs/loqa-readaloud/internal/consumer"
)

// New returns the backend selected by cfg.Mode.
func New(cfg config.PlaybackConfig, log *slog.Logger) (consumer.Player, error) {
	logger := log.With(slog.String("component", "playback"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "mock":
		return NewPaced(), nil
	case "wav":
		return NewWAVWriter(cfg.Directory, logger)
	case "exec":
		return NewExecPlayer(cfg.Command, logger)
	default:
		return nil, fmt.Errorf("unknown playback mode %q", cfg.Mode)
	}
}

// Paced pretends to play each clip for its audio duration.
type Paced struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func NewPaced() *Paced {
	return &Paced{}
}

func (p *Paced) Play(clip consumer.Clip, done func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(clip.Duration(), func() {
		p.mu.Lock()
		current := p.gen == gen
		p.mu.Unlock()
		if current {
			done(nil)
		}
	})
	return nil
}

func (p *Paced) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
