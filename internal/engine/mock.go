package engine

import (
	"context"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"
)

const mockToneHz = 440.0

type mockSynth struct {
	sampleRate int
	channels   int
	latency    time.Duration
}

// NewMockSynth returns an engine that renders a quiet tone whose length
// follows the text length.
func NewMockSynth(sampleRate, channels int, latency time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, latency: latency}
}

func (m *mockSynth) Synthesize(ctx context.Context, text, _ string, speed float64) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(m.latency):
	}
	if speed <= 0 {
		speed = 1
	}
	// roughly 60ms per character at normal speed
	length := time.Duration(float64(utf8.RuneCountInString(text)) * float64(60*time.Millisecond) / speed)
	frames := int(int64(length) * int64(m.sampleRate) / int64(time.Second))
	pcm := make([]byte, frames*m.channels*2)
	for i := 0; i < frames; i++ {
		v := int16(math.Sin(2*math.Pi*mockToneHz*float64(i)/float64(m.sampleRate)) * 3000)
		for ch := 0; ch < m.channels; ch++ {
			binary.LittleEndian.PutUint16(pcm[(i*m.channels+ch)*2:], uint16(v))
		}
	}
	return Audio{PCM: pcm, SampleRate: m.sampleRate, Channels: m.channels}, nil
}
