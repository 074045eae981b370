package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/gridforce/fleet/internal/platform/process"
)

const apiVersion = "1.44"

// Exec runs session executables inside a long lived container with docker
// exec, attached to a TTY.
type Exec struct {
	cli       *client.Client
	container string
	user      string
	logger    *slog.Logger
}

func NewExec(containerName, user string, logger *slog.Logger) (*Exec, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion(apiVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Exec{cli: cli, container: containerName, user: user, logger: logger.With("container", containerName)}, nil
}

func (e *Exec) Close() error { return e.cli.Close() }

// Ensure makes sure the container is running, pulling image and creating the
// container when it does not exist yet.
func (e *Exec) Ensure(ctx context.Context, image string) error {
	info, err := e.cli.ContainerInspect(ctx, e.container)
	switch {
	case err == nil:
		if info.State != nil && info.State.Running {
			return nil
		}
	case errdefs.IsNotFound(err):
		if image == "" {
			return fmt.Errorf("container %s does not exist and no image is configured", e.container)
		}
		if err := e.create(ctx, image); err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to inspect container: %w", err)
	}

	if err := e.cli.ContainerStart(ctx, e.container, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	e.logger.Info("container started")
	return nil
}

func (e *Exec) create(ctx context.Context, image string) error {
	e.logger.Info("pulling image", "image", image)
	reader, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	_, err = e.cli.ContainerCreate(ctx, &container.Config{
		Image:     image,
		Cmd:       []string{"sleep", "infinity"},
		Tty:       true,
		OpenStdin: true,
	}, &container.HostConfig{RestartPolicy: container.RestartPolicy{Name: "unless-stopped"}}, nil, nil, e.container)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

func (e *Exec) Spawn(ctx context.Context, executable string) (process.Process, error) {
	argv := strings.Fields(executable)
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty executable")
	}
	created, err := e.cli.ContainerExecCreate(ctx, e.container, types.ExecConfig{
		User:         e.user,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          argv,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}
	attached, err := e.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	e.logger.Debug("exec started", "exec", created.ID, "executable", executable)
	return &execProcess{cli: e.cli, id: created.ID, stream: attached}, nil
}

type execProcess struct {
	cli    *client.Client
	id     string
	stream types.HijackedResponse
	once   sync.Once
}

func (p *execProcess) Read(b []byte) (int, error)  { return p.stream.Reader.Read(b) }
func (p *execProcess) Write(b []byte) (int, error) { return p.stream.Conn.Write(b) }

// Wait polls the exec until it stops running. The daemon only reports the
// exit code through inspect.
func (p *execProcess) Wait() (int, error) {
	ctx := context.Background()
	for {
		info, err := p.cli.ContainerExecInspect(ctx, p.id)
		if err != nil {
			return -1, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// Kill hangs up the attached TTY; exec has no signal API.
func (p *execProcess) Kill() error {
	return p.Close()
}

func (p *execProcess) Close() error {
	p.once.Do(p.stream.Close)
	return nil
}

var _ process.Spawner = (*Exec)(nil)

// IsUnavailable reports whether err means no docker daemon is reachable.
func IsUnavailable(err error) bool {
	return client.IsErrConnectionFailed(err) || errors.Is(err, context.DeadlineExceeded)
}
