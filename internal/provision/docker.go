package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
)

const managedBy = "workshop-mini"

// containerAPI is the part of the docker client the gateway needs.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// DockerConfig controls how lab containers are started.
type DockerConfig struct {
	// ImageTemplate may reference {labRef}, e.g. "workshop/{labRef}:latest".
	ImageTemplate string
	// Port is the container port the lab listens on, e.g. "8080/tcp".
	Port string
	// Host is the address published ports are reachable at.
	Host string
	// ReadyPath is polled over HTTP until the lab answers.
	ReadyPath string
}

// Docker provisions one container per instance. The container name is
// derived from the instance id, which makes Provision idempotent.
type Docker struct {
	client containerAPI
	cfg    DockerConfig
	http   *http.Client
	logger zerolog.Logger
}

// NewDocker connects to the docker daemon from the environment
func NewDocker(cfg DockerConfig, logger zerolog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDocker(cli, cfg, logger), nil
}

func newDocker(api containerAPI, cfg DockerConfig, logger zerolog.Logger) *Docker {
	if cfg.Port == "" {
		cfg.Port = "8080/tcp"
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.ReadyPath == "" {
		cfg.ReadyPath = "/"
	}
	return &Docker{
		client: api,
		cfg:    cfg,
		http:   &http.Client{Timeout: 2 * time.Second},
		logger: logger.With().Str("component", "docker_gateway").Logger(),
	}
}

func containerName(instanceID string) string {
	return "workshop-" + instanceID
}

func (d *Docker) Provision(ctx context.Context, req Request) (Result, error) {
	endpoint, err := d.provision(ctx, req)
	if err != nil {
		return Result{}, &Error{InstanceID: req.InstanceID, Err: err}
	}
	return Result{AccessEndpoint: endpoint}, nil
}

func (d *Docker) provision(ctx context.Context, req Request) (string, error) {
	name := containerName(req.InstanceID)
	port := nat.Port(d.cfg.Port)

	inspect, err := d.client.ContainerInspect(ctx, name)
	if cerrdefs.IsNotFound(err) {
		inspect, err = d.create(ctx, req, name, port)
	}
	if err != nil {
		return "", err
	}

	if inspect.State == nil || !inspect.State.Running {
		if err := d.client.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("failed to start container: %w", err)
		}
		if inspect, err = d.client.ContainerInspect(ctx, inspect.ID); err != nil {
			return "", fmt.Errorf("failed to inspect container: %w", err)
		}
	}

	if inspect.NetworkSettings == nil || len(inspect.NetworkSettings.Ports[port]) == 0 {
		return "", fmt.Errorf("container %s publishes no binding for %s", name, port)
	}
	hostPort := inspect.NetworkSettings.Ports[port][0].HostPort
	endpoint := fmt.Sprintf("http://%s:%s", d.cfg.Host, hostPort)

	if err := d.waitForReady(ctx, endpoint+d.cfg.ReadyPath); err != nil {
		return "", fmt.Errorf("lab failed to become ready: %w", err)
	}
	d.logger.Info().Str("instance_id", req.InstanceID).Str("container_id", inspect.ID).
		Str("endpoint", endpoint).Msg("lab container ready")
	return endpoint, nil
}

func (d *Docker) create(ctx context.Context, req Request, name string, port nat.Port) (container.InspectResponse, error) {
	containerConfig := &container.Config{
		Image: Expand(d.cfg.ImageTemplate, req),
		Labels: map[string]string{
			"instance-id": req.InstanceID,
			"lab-ref":     req.LabRef,
			"owner-id":    req.OwnerID,
			"managed-by":  managedBy,
		},
		Env: []string{
			"WORKSHOP_INSTANCE_ID=" + req.InstanceID,
			"WORKSHOP_LAB_REF=" + req.LabRef,
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "0"}},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if cerrdefs.IsConflict(err) {
		// A retry raced us to the name; the existing container is ours.
		return d.client.ContainerInspect(ctx, name)
	}
	if err != nil {
		return container.InspectResponse{}, fmt.Errorf("failed to create container: %w", err)
	}
	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return container.InspectResponse{}, fmt.Errorf("failed to inspect container: %w", err)
	}
	return inspect, nil
}

func (d *Docker) Release(ctx context.Context, instanceID string) error {
	name := containerName(instanceID)
	timeout := 10
	if err := d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImages pulls the image of every lab that is not present locally.
func (d *Docker) EnsureImages(ctx context.Context, labs []string) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	present := make(map[string]bool)
	for _, img := range images {
		for _, tag := range img.RepoTags {
			present[tag] = true
		}
	}

	for _, lab := range labs {
		ref := Expand(d.cfg.ImageTemplate, Request{LabRef: lab})
		if present[ref] {
			continue
		}
		d.logger.Info().Str("image", ref).Msg("pulling lab image")
		reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		present[ref] = true
	}
	return nil
}

// Close releases the docker client
func (d *Docker) Close() error {
	return d.client.Close()
}

// waitForReady polls url until the lab answers below 500 or ctx ends.
func (d *Docker) waitForReady(ctx context.Context, url string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := d.http.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-ticker.C:
		}
	}
}
