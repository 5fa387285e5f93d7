package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecSynth runs a local synthesis command per request. The command receives
// a JSON request on stdin and must write encoded audio to stdout.
type ExecSynth struct {
	cmd []string
}

type execRequest struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice"`
	Model  string  `json:"model"`
	Format string  `json:"format"`
	Speed  float64 `json:"speed,omitempty"`
}

func NewExecSynth(command string) (*ExecSynth, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &ExecSynth{cmd: args}, nil
}

func (e *ExecSynth) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	data, err := json.Marshal(execRequest{
		Text:   req.Text,
		Voice:  req.Voice,
		Model:  req.Model,
		Format: req.Format,
		Speed:  req.Speed,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tts command: %w", err)
	}

	go func() {
		_, _ = stdin.Write(data)
		_ = stdin.Close()
	}()

	return &processReader{cmd: cmd, stdout: stdout}, nil
}

// processReader surfaces a non-zero exit as a read error instead of a clean
// end of stream.
type processReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

func (p *processReader) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if errors.Is(err, io.EOF) {
		if werr := p.wait(); werr != nil {
			return n, fmt.Errorf("tts command: %w", werr)
		}
	}
	return n, err
}

func (p *processReader) Close() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.wait()
	return nil
}

func (p *processReader) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}
