package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

// CleanupLabel marks containers started by tests. Its value is the test name.
const CleanupLabel = "reportgen-test"

// TestingT is the part of testing.T the Docker helpers need.
type TestingT interface {
	Name() string
	Cleanup(func())
	Logf(format string, args ...any)
	Skipf(format string, args ...any)
	Helper()
}

// DockerClient returns a Docker client and removes the test's labelled
// containers when the test ends. The test is skipped in -short mode or when
// no daemon answers.
func DockerClient(t TestingT) *client.Client {
	t.Helper()

	if testing.Short() {
		t.Skipf("skipping docker test in short mode")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		t.Skipf("docker is not running: %v", err)
	}

	t.Cleanup(func() {
		removeLabelled(t, cli)
		_ = cli.Close()
	})
	return cli
}

// UniqueContainerName returns reportgen-test-<prefix>-<test>-<suffix>.
func UniqueContainerName(t TestingT, prefix string) string {
	t.Helper()
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("reportgen-test-%s-%s-%s", prefix, containerSafe(t.Name()), suffix)
}

// ContainerLabels returns the labels that tie a container to the test.
func ContainerLabels(t TestingT) map[string]string {
	return map[string]string{CleanupLabel: t.Name()}
}

func removeLabelled(t TestingT, cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	args := filters.NewArgs()
	args.Add("label", fmt.Sprintf("%s=%s", CleanupLabel, t.Name()))
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		t.Logf("list test containers: %v", err)
		return
	}

	for _, c := range containers {
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			t.Logf("remove container %s: %v", c.ID[:12], err)
			continue
		}
		t.Logf("removed test container %s", c.ID[:12])
	}
}

// containerSafe keeps alphanumerics, maps separators to '-' and caps the
// result at 30 bytes.
func containerSafe(name string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '/' || r == '_' || r == '-':
			return '-'
		}
		return -1
	}, name)
	if len(out) > 30 {
		out = out[:30]
	}
	return out
}
