package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/yamachu/voicevox/internal/protocol"
)

// ExecRuntime delegates forward passes to an external command speaking
// JSON on stdin/stdout, one invocation per run.
type ExecRuntime struct {
	cmd []string
}

type execRunRequest struct {
	Location string                      `json:"location"`
	Device   string                      `json:"device,omitempty"`
	Threads  int                         `json:"threads,omitempty"`
	Inputs   map[string]protocol.Tensor  `json:"inputs"`
}

type execRunResponse struct {
	Outputs map[string]protocol.Tensor `json:"outputs"`
	Error   string                     `json:"error,omitempty"`
}

func NewExecRuntime(command string) (*ExecRuntime, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse inference command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("inference command empty")
	}
	return &ExecRuntime{cmd: args}, nil
}

func (r *ExecRuntime) NewSession(ctx context.Context, location string, prefs Preferences) (Session, error) {
	if _, err := os.Stat(location); err != nil {
		return nil, fmt.Errorf("model not found: %w", err)
	}
	return &execSession{cmd: r.cmd, location: location, prefs: prefs}, nil
}

type execSession struct {
	cmd      []string
	location string
	prefs    Preferences
	mu       sync.Mutex
}

func (s *execSession) Run(ctx context.Context, inputs map[string]protocol.Tensor) (map[string]protocol.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqPayload := execRunRequest{
		Location: s.location,
		Device:   s.prefs.Device,
		Threads:  s.prefs.Threads,
		Inputs:   inputs,
	}
	data, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, err
	}

	base := s.cmd[0]
	args := append([]string{}, s.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	if _, err := stdin.Write(data); err != nil {
		cmd.Wait()
		return nil, err
	}
	stdin.Close()

	var resp execRunResponse
	if err := json.NewDecoder(stdout).Decode(&resp); err != nil {
		cmd.Wait()
		return nil, fmt.Errorf("decode inference output: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Outputs, nil
}

func (s *execSession) Close() error {
	return nil
}
