package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/Tokal-27/DropMe/internal/domain"
)

const containerPrefix = "dropme-model-"

// DockerDeployerConfig tunes container launches.
type DockerDeployerConfig struct {
	// ContainerPort is the port the model server listens on inside the
	// container.
	ContainerPort int
	// HostIP is the interface the published port binds to.
	HostIP string
	// StopTimeout bounds graceful container shutdown.
	StopTimeout time.Duration
}

// DockerDeployer runs model server versions as local Docker containers. The
// version's artifact reference is the image to run. Each launch replaces the
// container of any previous launch of the same version.
type DockerDeployer struct {
	cli    *client.Client
	cfg    DockerDeployerConfig
	logger *slog.Logger
}

func NewDockerDeployer(cfg DockerDeployerConfig, logger *slog.Logger) (*DockerDeployer, error) {
	if cfg.ContainerPort <= 0 {
		cfg.ContainerPort = 8000
	}
	if cfg.HostIP == "" {
		cfg.HostIP = "127.0.0.1"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerDeployer{
		cli:    cli,
		cfg:    cfg,
		logger: logger.With("component", "docker_deployer"),
	}, nil
}

// Deploy pulls the version's image, starts its container with the model port
// published on an ephemeral host port, and reports the probe target through
// the notify callback.
func (d *DockerDeployer) Deploy(ctx context.Context, snapshot domain.VersionSnapshot, notify NotifyFunc) error {
	go func() {
		target, err := d.launch(ctx, snapshot)
		notify(snapshot.VersionID, target, err)
	}()
	return nil
}

func (d *DockerDeployer) launch(ctx context.Context, snapshot domain.VersionSnapshot) (ProbeTarget, error) {
	if err := d.pull(ctx, snapshot.ArtifactRef); err != nil {
		return ProbeTarget{}, err
	}

	name := containerName(snapshot.VersionID)
	// A leftover container from an earlier attempt of this version blocks the
	// name; remove it first.
	_ = d.Teardown(ctx, snapshot.VersionID)

	port, err := nat.NewPort("tcp", fmt.Sprintf("%d", d.cfg.ContainerPort))
	if err != nil {
		return ProbeTarget{}, fmt.Errorf("container port: %w", err)
	}

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image: snapshot.ArtifactRef,
			ExposedPorts: nat.PortSet{
				port: struct{}{},
			},
			Labels: map[string]string{
				"dropme.version_id": snapshot.VersionID,
			},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				port: []nat.PortBinding{{HostIP: d.cfg.HostIP, HostPort: ""}},
			},
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		},
		nil, nil, name,
	)
	if err != nil {
		return ProbeTarget{}, fmt.Errorf("create container %s: %w", name, err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return ProbeTarget{}, fmt.Errorf("start container %s: %w", name, err)
	}

	inspected, err := d.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		return ProbeTarget{}, fmt.Errorf("inspect container %s: %w", name, err)
	}
	bindings := inspected.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return ProbeTarget{}, fmt.Errorf("container %s has no published port", name)
	}

	target := ProbeTarget{
		VersionID: snapshot.VersionID,
		BaseURL:   fmt.Sprintf("http://%s:%s", d.cfg.HostIP, bindings[0].HostPort),
	}
	d.logger.Info("container started",
		"version_id", snapshot.VersionID,
		"container_id", created.ID[:12],
		"target", target.BaseURL,
	)
	return target, nil
}

// Teardown stops and removes the container of a version. A missing container
// is not an error.
func (d *DockerDeployer) Teardown(ctx context.Context, versionID string) error {
	name := containerName(versionID)
	timeout := int(d.cfg.StopTimeout.Seconds())
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		d.logger.Warn("failed to stop container", "name", name, "error", err)
	}
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

func (d *DockerDeployer) pull(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func containerName(versionID string) string {
	return containerPrefix + strings.ReplaceAll(versionID, ":", "-")
}
