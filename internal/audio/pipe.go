package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// PipeSource captures PCM by spawning an external command (arecord, sox,
// ffmpeg, ...) and reading raw s16le frames from its stdout. Pacing comes
// from the device process itself.
type PipeSource struct {
	format Format
	cmd    *exec.Cmd
	stdout io.ReadCloser
	mu     sync.Mutex
	seq    uint64
	closed bool
}

func NewPipeSource(command string, format Format) (*PipeSource, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture command: %w", err)
	}

	return &PipeSource{format: format, cmd: cmd, stdout: stdout}, nil
}

func (p *PipeSource) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	buf := make([]byte, p.format.FrameBytes())
	if _, err := io.ReadFull(p.stdout, buf); err != nil {
		return Frame{}, fmt.Errorf("%w: read capture pipe: %v", ErrDevice, err)
	}

	p.mu.Lock()
	frame := Frame{
		PCM:       buf,
		Sequence:  p.seq,
		Timestamp: time.Duration(p.seq) * p.format.FrameDuration(),
	}
	p.seq++
	p.mu.Unlock()
	return frame, nil
}

func (p *PipeSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.stdout.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

// PipeSink plays PCM by streaming raw s16le frames into an external command's
// stdin (aplay, sox, ffplay, ...).
type PipeSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewPipeSink(command string) (*PipeSink, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command is empty")
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("playback stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start playback command: %w", err)
	}

	return &PipeSink{cmd: cmd, stdin: stdin}, nil
}

func (p *PipeSink) Play(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: playback pipe closed", ErrDevice)
	}
	if _, err := p.stdin.Write(frame.PCM); err != nil {
		return fmt.Errorf("%w: write playback pipe: %v", ErrDevice, err)
	}
	return nil
}

func (p *PipeSink) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.stdin.Close()
	return p.cmd.Wait()
}
