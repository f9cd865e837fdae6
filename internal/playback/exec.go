package playback

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-readaloud/internal/consumer"
	"github.com/mattn/go-shellwords"
)

// ExecPlayer hands each clip to an external player (aplay, afplay, ffplay ...)
// as a temporary WAV file appended to the command line.
type ExecPlayer struct {
	cmd    []string
	logger *slog.Logger

	mu      sync.Mutex
	current *exec.Cmd
	gen     uint64
}

func NewExecPlayer(command string, log *slog.Logger) (*ExecPlayer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command empty")
	}
	return &ExecPlayer{cmd: args, logger: log}, nil
}

func (p *ExecPlayer) Play(clip consumer.Clip, done func(error)) error {
	tmp, err := os.CreateTemp("", "readaloud-*.wav")
	if err != nil {
		return fmt.Errorf("create temp wav: %w", err)
	}
	path := tmp.Name()
	if err := writePCMToWav(tmp, clip.Audio, clip.SampleRate, clip.Channels); err != nil {
		tmp.Close()
		os.Remove(path)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(path)
		return err
	}

	args := append(append([]string{}, p.cmd[1:]...), path)
	cmd := exec.Command(p.cmd[0], args...)
	if err := cmd.Start(); err != nil {
		os.Remove(path)
		return fmt.Errorf("start playback command: %w", err)
	}

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.current = cmd
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		os.Remove(path)
		p.mu.Lock()
		stopped := p.gen != gen
		if !stopped {
			p.current = nil
		}
		p.mu.Unlock()
		if stopped {
			return
		}
		if err != nil {
			err = fmt.Errorf("playback command: %w", err)
		}
		done(err)
	}()
	return nil
}

func (p *ExecPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.current != nil && p.current.Process != nil {
		if err := p.current.Process.Kill(); err != nil {
			p.logger.Debug("kill playback command", slog.String("error", err.Error()))
		}
	}
	p.current = nil
}
