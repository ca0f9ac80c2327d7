package defra

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	DefaultImage         = "sourcenetwork/defradb:latest"
	DefaultContainerName = "reportgen-defra"
	ContainerNamePrefix  = "reportgen-defra-"
	DefaultPort          = "9181"
	ContainerPort        = "9181/tcp"
	DataDir              = "/data"
	Label                = "reportgen-defra"
	HomeLabel            = "reportgen.home"

	readyTimeout       = 30 * time.Second
	stopTimeoutSeconds = 10
	pullAttempts       = 3
)

// ContainerStatus represents the state of the DefraDB container.
type ContainerStatus string

const (
	StatusRunning   ContainerStatus = "running"
	StatusStopped   ContainerStatus = "stopped"
	StatusNotFound  ContainerStatus = "not_found"
	StatusUnhealthy ContainerStatus = "unhealthy"
	StatusStarting  ContainerStatus = "starting"
)

// DockerManager manages the DefraDB container that stores report results and
// generation metrics.
type DockerManager struct {
	cli           *client.Client
	containerName string
	imageName     string
	dataPath      string            // Host path for data persistence (~/.reportgen/defradb)
	hostPort      string            // Host port to bind (default: 9181)
	labels        map[string]string // Container labels
}

// DockerConfig holds configuration for the Docker manager.
type DockerConfig struct {
	ContainerName string
	HomePath      string // names the container when ContainerName is empty
	Image         string
	DataPath      string
	HostPort      string
	Labels        map[string]string // Optional labels for container (used for test cleanup)
}

// GenerateContainerName derives a container name from a home directory so
// two homes on one machine get separate DefraDB instances.
func GenerateContainerName(homePath string) string {
	sum := sha256.Sum256([]byte(homePath))
	return ContainerNamePrefix + hex.EncodeToString(sum[:])[:8]
}

// NewDockerManager creates a new Docker manager for DefraDB.
func NewDockerManager(cfg DockerConfig) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	name := cfg.ContainerName
	if name == "" {
		name = DefaultContainerName
		if cfg.HomePath != "" {
			name = GenerateContainerName(cfg.HomePath)
		}
	}

	labels := map[string]string{Label: "true"}
	if cfg.HomePath != "" {
		labels[HomeLabel] = cfg.HomePath
	}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &DockerManager{
		cli:           cli,
		containerName: name,
		imageName:     cmp.Or(cfg.Image, DefaultImage),
		dataPath:      cfg.DataPath,
		hostPort:      cmp.Or(cfg.HostPort, DefaultPort),
		labels:        labels,
	}, nil
}

// ContainerName returns the name of the managed container.
func (m *DockerManager) ContainerName() string {
	return m.containerName
}

// Close closes the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

// URL returns the DefraDB API URL.
func (m *DockerManager) URL() string {
	return "http://localhost:" + m.hostPort
}

// Start brings the container to running and waits for DefraDB to answer its
// health check. A running container is left alone.
func (m *DockerManager) Start(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not running: %w", err)
	}

	status, id, err := m.inspectState(ctx)
	if err != nil {
		return err
	}

	switch status {
	case StatusRunning:
		return nil
	case StatusStopped:
		if err := m.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start existing container: %w", err)
		}
	case StatusNotFound:
		if err := m.create(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("container %s is %s", m.containerName, status)
	}
	return m.WaitReady(ctx, readyTimeout)
}

// Stop stops the container. A missing container is not an error.
func (m *DockerManager) Stop(ctx context.Context) error {
	status, id, err := m.inspectState(ctx)
	if err != nil || status == StatusNotFound {
		return err
	}
	timeout := stopTimeoutSeconds
	if err := m.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove stops and removes the container. Data on the host mount survives.
func (m *DockerManager) Remove(ctx context.Context) error {
	status, id, err := m.inspectState(ctx)
	if err != nil || status == StatusNotFound {
		return err
	}
	if status == StatusRunning {
		if err := m.Stop(ctx); err != nil {
			return err
		}
	}
	if err := m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Status returns the current status of the container.
func (m *DockerManager) Status(ctx context.Context) (ContainerStatus, error) {
	status, _, err := m.inspectState(ctx)
	return status, err
}

// Logs returns the last tail lines of container output.
func (m *DockerManager) Logs(ctx context.Context, tail string) (string, error) {
	status, id, err := m.inspectState(ctx)
	if err != nil {
		return "", err
	}
	if status == StatusNotFound {
		return "", fmt.Errorf("container %s not found", m.containerName)
	}

	rc, err := m.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: tail})
	if err != nil {
		return "", fmt.Errorf("failed to get logs: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(data), nil
}

// ValidateExisting reports whether an existing container was created for
// this home with the expected port and data mount. No container is valid.
func (m *DockerManager) ValidateExisting(ctx context.Context) error {
	status, id, err := m.inspectState(ctx)
	if err != nil || status == StatusNotFound {
		return err
	}

	info, err := m.cli.ContainerInspect(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to inspect container: %w", err)
	}

	if want := m.labels[HomeLabel]; want != "" && info.Config != nil {
		if got := info.Config.Labels[HomeLabel]; got != "" && got != want {
			return fmt.Errorf("container %s belongs to home %s, not %s", m.containerName, got, want)
		}
	}

	bindings := info.HostConfig.PortBindings[ContainerPort]
	if len(bindings) == 0 {
		return fmt.Errorf("existing container has no port binding for %s", ContainerPort)
	}
	if bindings[0].HostPort != m.hostPort {
		return fmt.Errorf("existing container bound to port %s, expected %s", bindings[0].HostPort, m.hostPort)
	}

	if m.dataPath == "" {
		return nil
	}
	for _, mnt := range info.Mounts {
		if mnt.Destination != DataDir {
			continue
		}
		if mnt.Source != m.dataPath {
			return fmt.Errorf("existing container mounts %s, expected %s", mnt.Source, m.dataPath)
		}
		return nil
	}
	return fmt.Errorf("existing container has no mount for %s", DataDir)
}

// WaitReady polls DefraDB's health endpoint once a second until it answers or
// timeout passes.
func (m *DockerManager) WaitReady(ctx context.Context, timeout time.Duration) error {
	attempts := max(uint(timeout/time.Second), 1)
	if err := NewClient(m.URL()).WaitHealthy(ctx, attempts, time.Second); err != nil {
		return fmt.Errorf("defra not ready after %s: %w", timeout, err)
	}
	return nil
}

func (m *DockerManager) create(ctx context.Context) error {
	if err := m.ensureImage(ctx); err != nil {
		return err
	}

	cfg := &container.Config{
		Image: m.imageName,
		Cmd: []string{
			"start",
			"--no-keyring",
			"--url", "0.0.0.0:" + DefaultPort,
			"--store", "badger",
			"--rootdir", DataDir,
		},
		Labels:       m.labels,
		ExposedPorts: nat.PortSet{ContainerPort: struct{}{}},
		Healthcheck: &container.HealthConfig{
			Test:        []string{"CMD", "curl", "-sf", "http://localhost:" + DefaultPort + "/health-check"},
			Interval:    2 * time.Second,
			Timeout:     5 * time.Second,
			Retries:     10,
			StartPeriod: 5 * time.Second,
		},
	}
	host := &container.HostConfig{
		PortBindings: nat.PortMap{
			ContainerPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: m.hostPort}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	if m.dataPath != "" {
		host.Mounts = []mount.Mount{{Type: mount.TypeBind, Source: m.dataPath, Target: DataDir}}
	}

	resp, err := m.cli.ContainerCreate(ctx, cfg, host, nil, nil, m.containerName)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// inspectState finds the container by name and maps its Docker state.
func (m *DockerManager) inspectState(ctx context.Context) (ContainerStatus, string, error) {
	args := filters.NewArgs()
	args.Add("name", m.containerName)

	containers, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", "", fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		// the name filter matches substrings
		if !slices.Contains(c.Names, "/"+m.containerName) {
			continue
		}
		return stateStatus(c.State), c.ID, nil
	}
	return StatusNotFound, "", nil
}

func stateStatus(state string) ContainerStatus {
	switch state {
	case "running":
		return StatusRunning
	case "exited", "dead":
		return StatusStopped
	case "created", "restarting":
		return StatusStarting
	default:
		return ContainerStatus(state)
	}
}

// ensureImage pulls the image when it is not present locally. Pulls are
// retried since registries drop connections under load.
func (m *DockerManager) ensureImage(ctx context.Context) error {
	if _, err := m.cli.ImageInspect(ctx, m.imageName); err == nil {
		return nil
	}
	return retry.Do(
		func() error {
			rc, err := m.cli.ImagePull(ctx, m.imageName, image.PullOptions{})
			if err != nil {
				return fmt.Errorf("failed to pull %s: %w", m.imageName, err)
			}
			defer rc.Close()
			_, err = io.Copy(io.Discard, rc)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(pullAttempts),
		retry.Delay(2*time.Second),
		retry.LastErrorOnly(true),
	)
}
