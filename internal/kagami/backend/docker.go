package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	labelManagedBy = "kagami.managed-by"
	labelBackend   = "kagami.backend"
	managedByValue = "kagami"

	// dockerStopTimeout is how long the engine waits for a graceful
	// container stop before escalating to SIGKILL.
	dockerStopTimeout = 10 * time.Second
)

// DockerLauncher runs backends inside containers, speaking the same
// newline-delimited protocol over the container's attached stdio.
type DockerLauncher struct {
	client *dockerclient.Client
}

// NewDockerLauncher creates a launcher using the DOCKER_HOST env var or the
// default socket path.
func NewDockerLauncher() (*DockerLauncher, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerLauncher{client: cli}, nil
}

// Launch creates, attaches, and starts a container for the descriptor. The
// attach happens before start so no early output is lost.
func (l *DockerLauncher) Launch(ctx context.Context, d Descriptor) (Process, error) {
	if d.Image == "" {
		return nil, fmt.Errorf("backend %q: runtime docker requires an image", d.Name)
	}

	env := make([]string, 0, len(d.Env))
	for k, v := range d.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:        d.Image,
		Cmd:          append(append([]string(nil), d.Command...), d.Args...),
		Env:          env,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelBackend:   d.Name,
		},
	}
	created, err := l.client.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	attach, err := l.client.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.removeContainer(created.ID)
		return nil, fmt.Errorf("attach container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attach.Close()
		l.removeContainer(created.ID)
		return nil, fmt.Errorf("start container: %w", err)
	}

	// The attach stream multiplexes stdout and stderr; demux into pipes so
	// the connection's read loops see two plain streams.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	return &dockerProcess{
		client:      l.client,
		containerID: created.ID,
		attach:      attach,
		stdout:      stdoutR,
		stderr:      stderrR,
	}, nil
}

func (l *DockerLauncher) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = l.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

type dockerProcess struct {
	client      *dockerclient.Client
	containerID string
	attach      types.HijackedResponse
	stdout      io.Reader
	stderr      io.Reader
}

func (p *dockerProcess) Stdin() io.Writer  { return p.attach.Conn }
func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }

func (p *dockerProcess) Terminate() error {
	ctx, cancel := context.WithTimeout(context.Background(), dockerStopTimeout+5*time.Second)
	defer cancel()
	secs := int(dockerStopTimeout / time.Second)
	return p.client.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &secs})
}

func (p *dockerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.client.ContainerKill(ctx, p.containerID, "KILL")
}

// Wait blocks until the container is no longer running, then removes it so
// terminated backends leave nothing behind.
func (p *dockerProcess) Wait() error {
	waitCh, errCh := p.client.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)
	var waitErr error
	select {
	case res := <-waitCh:
		if res.StatusCode != 0 {
			waitErr = fmt.Errorf("container exited with status %d", res.StatusCode)
		}
	case err := <-errCh:
		waitErr = err
	}
	p.attach.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.client.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true})
	return waitErr
}

func (p *dockerProcess) ID() string {
	if len(p.containerID) > 12 {
		return p.containerID[:12]
	}
	return p.containerID
}
