package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd        []string
	key        Key
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	Quality    string  `json:"quality"`
	Device     string  `json:"device"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Final      bool   `json:"final"`
}

// NewExecSynth runs command once per segment. The command reads a JSON request
// on stdin and writes line-delimited JSON objects carrying base64 PCM.
func NewExecSynth(command string, key Key, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("engine command: %w", err)
	}
	return &execSynth{cmd: args, key: key, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, text, voice string, speed float64) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       text,
		Voice:      voice,
		Speed:      speed,
		Quality:    e.key.Quality,
		Device:     e.key.Device,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Audio{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, err
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, fmt.Errorf("start engine command: %w", err)
	}

	// The child may keep writing after its final line; it must not block on a
	// full pipe while we wait for it.
	wait := func() error {
		_, _ = io.Copy(io.Discard, stdout)
		return cmd.Wait()
	}

	audio := Audio{SampleRate: e.sampleRate, Channels: e.channels}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = wait()
			return Audio{}, fmt.Errorf("decode engine output: %w", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = wait()
			return Audio{}, fmt.Errorf("decode engine pcm: %w", err)
		}
		if resp.SampleRate > 0 {
			audio.SampleRate = resp.SampleRate
		}
		audio.PCM = append(audio.PCM, pcm...)
		if resp.Final {
			break
		}
	}
	scanErr := scanner.Err()
	if err := wait(); err != nil {
		return Audio{}, fmt.Errorf("engine command: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if scanErr != nil {
		return Audio{}, scanErr
	}
	return audio, nil
}
