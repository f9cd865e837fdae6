package engine

import (
	"context"
	"time"
)

// Audio is one synthesized segment as 16-bit little-endian PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration reports the playback length of the PCM payload.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	frames := len(a.PCM) / (2 * a.Channels)
	return time.Duration(frames) * time.Second / time.Duration(a.SampleRate)
}

// Synthesizer is the contract for producing audio for a piece of text.
// Calls are sequential; implementations need not be reentrant.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string, speed float64) (Audio, error)
}

// Key identifies one engine instance.
type Key struct {
	Quality string
	Device  string
}

func (k Key) String() string { return k.Quality + "@" + k.Device }

type Stage string

const (
	StageLoading Stage = "loading"
	StageReady   Stage = "ready"
)

// Progress is reported while an engine is being created.
type Progress struct {
	Key     Key
	Stage   Stage
	Message string
}

// Factory builds a new engine for key.
type Factory func(ctx context.Context, key Key, onProgress func(Progress)) (Synthesizer, error)
