package runtime

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"workerhub/pkg/api"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// containerLogicPath is where the logic artifact is mounted inside the container.
const containerLogicPath = "/workerhub/logic"

// engine is the subset of the Docker API the runtime drives.
type engine interface {
	EnsureImage(ctx context.Context, ref string) error
	Create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error)
	Start(ctx context.Context, id string) error
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	Wait(ctx context.Context, id string) (int64, error)
	Remove(ctx context.Context, id string) error
}

// DockerRuntime runs each task in a fresh container. The task document is
// passed in WORKERHUB_TASK and the container's stdout carries the line protocol.
type DockerRuntime struct {
	engine    engine
	Image     string
	Command   []string
	LogicPath string
}

// NewDockerRuntime creates a Docker-based runtime from the standard
// environment (DOCKER_HOST and friends).
func NewDockerRuntime(imageRef string, command []string, logicPath string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerRuntime{
		engine:    &dockerEngine{client: cli},
		Image:     imageRef,
		Command:   command,
		LogicPath: logicPath,
	}, nil
}

// Run implements Runtime.
func (d *DockerRuntime) Run(ctx context.Context, task Task, progress ProgressFunc) (api.TaskReport, error) {
	input, err := encodeTask(task)
	if err != nil {
		return api.TaskReport{}, err
	}

	if err := d.engine.EnsureImage(ctx, d.Image); err != nil {
		return api.TaskReport{}, err
	}

	cfg := &container.Config{
		Image: d.Image,
		Cmd:   d.Command,
		Env: []string{
			EnvRequestID + "=" + task.RequestID,
			EnvTaskType + "=" + string(task.TaskType),
			EnvTask + "=" + string(input),
		},
		// No TTY so stdout and stderr stay multiplexed and separable.
		Tty: false,
	}
	host := &container.HostConfig{}
	if d.LogicPath != "" {
		abs, err := filepath.Abs(d.LogicPath)
		if err != nil {
			return api.TaskReport{}, err
		}
		host.Binds = []string{abs + ":" + containerLogicPath + ":ro"}
		cfg.Env = append(cfg.Env, EnvLogicPath+"="+containerLogicPath)
	}

	id, err := d.engine.Create(ctx, cfg, host)
	if err != nil {
		return api.TaskReport{}, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		d.engine.Remove(rmCtx, id)
	}()

	if err := d.engine.Start(ctx, id); err != nil {
		return api.TaskReport{}, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := d.engine.Logs(ctx, id)
	if err != nil {
		return api.TaskReport{}, fmt.Errorf("failed to attach logs: %w", err)
	}
	defer logs.Close()

	stdout, stdoutW := io.Pipe()
	stderr := &tailBuffer{n: 4096}
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderr, logs)
		stdoutW.CloseWithError(err)
	}()

	report, readErr := ReadOutput(stdout, progress)
	code, waitErr := d.engine.Wait(ctx, id)

	if readErr == nil {
		return report, nil
	}
	if waitErr != nil {
		return api.TaskReport{}, fmt.Errorf("container wait: %w", waitErr)
	}
	if code != 0 {
		return api.TaskReport{}, fmt.Errorf("container exited with code %d: %s", code, stderr.String())
	}
	return api.TaskReport{}, readErr
}

// dockerEngine adapts the Docker SDK client to engine.
type dockerEngine struct {
	client *client.Client
}

func (e *dockerEngine) EnsureImage(ctx context.Context, ref string) error {
	// Check if it exists locally first to save time.
	if _, err := e.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	reader, err := e.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *dockerEngine) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := e.client.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) Start(ctx context.Context, id string) error {
	return e.client.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *dockerEngine) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	return e.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

func (e *dockerEngine) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("%s", status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (e *dockerEngine) Remove(ctx context.Context, id string) error {
	return e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}
