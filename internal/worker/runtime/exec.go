package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"workerhub/pkg/api"
)

const waitDelay = 5 * time.Second

// ExecRuntime runs the executor as a local process with the task on stdin.
type ExecRuntime struct {
	Command []string
	// LogicPath is exported to the process so it can load the hot-reloaded artifact.
	LogicPath string
	WorkDir   string
}

// NewExecRuntime creates a process-based runtime.
func NewExecRuntime(command []string, logicPath, workDir string) (*ExecRuntime, error) {
	if len(command) == 0 {
		return nil, errors.New("command is required")
	}
	return &ExecRuntime{Command: command, LogicPath: logicPath, WorkDir: workDir}, nil
}

// Run implements Runtime.
func (e *ExecRuntime) Run(ctx context.Context, task Task, progress ProgressFunc) (api.TaskReport, error) {
	input, err := encodeTask(task)
	if err != nil {
		return api.TaskReport{}, err
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.WorkDir
	cmd.Env = append(os.Environ(),
		EnvRequestID+"="+task.RequestID,
		EnvTaskType+"="+string(task.TaskType),
		EnvLogicPath+"="+e.LogicPath,
	)
	cmd.Stdin = bytes.NewReader(input)
	stderr := &tailBuffer{n: 4096}
	cmd.Stderr = stderr

	// Wait closes stdout, which ends ReadOutput. WaitDelay bounds how long
	// grandchildren holding the pipe can keep it open after a cancel.
	stdout, stdoutW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return api.TaskReport{}, fmt.Errorf("start executor: %w", err)
	}

	waitDone := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		stdoutW.Close()
		waitDone <- err
	}()

	report, readErr := ReadOutput(stdout, progress)
	// Drain anything after a read error so Wait can finish.
	io.Copy(io.Discard, stdout)
	waitErr := <-waitDone

	if readErr == nil {
		return report, nil
	}
	if ctx.Err() != nil {
		return api.TaskReport{}, ctx.Err()
	}
	if waitErr != nil {
		return api.TaskReport{}, fmt.Errorf("executor failed: %w: %s", waitErr, stderr.String())
	}
	return api.TaskReport{}, readErr
}
