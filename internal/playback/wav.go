package playback

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-readaloud/internal/consumer"
)

// WAVWriter saves each clip as <dir>/<request>-<index>.wav and then paces it.
type WAVWriter struct {
	dir    string
	paced  *Paced
	logger *slog.Logger
}

func NewWAVWriter(dir string, log *slog.Logger) (*WAVWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create playback dir: %w", err)
	}
	return &WAVWriter{dir: dir, paced: NewPaced(), logger: log}, nil
}

func (w *WAVWriter) Play(clip consumer.Clip, done func(error)) error {
	path := filepath.Join(w.dir, fmt.Sprintf("%s-%04d.wav", clip.RequestID, clip.Index))
	if err := writeWAVFile(path, clip); err != nil {
		return err
	}
	w.logger.Debug("clip written", slog.String("path", path), slog.Duration("duration", clip.Duration()))
	return w.paced.Play(clip, done)
}

func (w *WAVWriter) Stop() {
	w.paced.Stop()
}

func writeWAVFile(path string, clip consumer.Clip) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := writePCMToWav(file, clip.Audio, clip.SampleRate, clip.Channels); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid audio format %d Hz x %d", sampleRate, channels)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
