package channel

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// processPipe joins a child process's stdin and stdout into one
// read/write stream. Closing it closes stdin, then reaps the process.
type processPipe struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *processPipe) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processPipe) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *processPipe) Close() error {
	p.stdin.Close()
	p.stdout.Close()
	return p.cmd.Wait()
}

// SpawnProcess starts the analysis service as a child process and
// returns a stream channel over its stdio. The child's stderr passes
// through to ours.
func SpawnProcess(ctx context.Context, command string, args []string, logger *zap.Logger) (*StreamChannel, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}
	if logger != nil {
		logger.Info("analysis service started",
			zap.String("command", command), zap.Int("pid", cmd.Process.Pid))
	}

	pipe := &processPipe{cmd: cmd, stdin: stdin, stdout: stdout}
	return NewStreamChannel(ctx, pipe, logger), nil
}
