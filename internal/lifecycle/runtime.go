package lifecycle

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"lightkeyd/pkg/types"
)

// Runtime abstracts the container engine so orchestration logic and tests
// never depend on a real docker binary.
type Runtime interface {
	// Available verifies the engine can be used at all.
	Available(ctx context.Context) error
	// Start launches a container and returns its engine id.
	Start(ctx context.Context, spec types.ContainerSpec, name string, hostPort int) (string, error)
	// Stop gracefully stops a container, waiting up to grace.
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	// Remove deletes a container, forcibly when force is set.
	Remove(ctx context.Context, containerID string, force bool) error
}

// DockerRuntime shells out to the docker CLI.
type DockerRuntime struct{}

func NewDockerRuntime() *DockerRuntime { return &DockerRuntime{} }

func (d *DockerRuntime) Available(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "docker", "--version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker not available: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ensureNetwork creates the named docker network when missing.
func (d *DockerRuntime) ensureNetwork(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, "docker", "network", "ls",
		"--filter", "name="+name, "--format", "{{.Name}}").Output()
	if err == nil && strings.Contains(string(out), name) {
		return nil
	}
	if cout, cerr := exec.CommandContext(ctx, "docker", "network", "create", name).CombinedOutput(); cerr != nil {
		return fmt.Errorf("create network %s: %v: %s", name, cerr, strings.TrimSpace(string(cout)))
	}
	return nil
}

func (d *DockerRuntime) Start(ctx context.Context, spec types.ContainerSpec, name string, hostPort int) (string, error) {
	if spec.Network != "" {
		if err := d.ensureNetwork(ctx, spec.Network); err != nil {
			return "", err
		}
	}
	containerPort := spec.ContainerPort
	if containerPort == 0 {
		containerPort = 11434
	}
	args := []string{
		"run", "-d",
		"--name", name,
		"-p", fmt.Sprintf("%d:%d", hostPort, containerPort),
	}
	volume := spec.Volume
	if volume == "" {
		volume = name + "_data"
	}
	args = append(args, "-v", volume+":/root/.ollama")
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.GPU {
		args = append(args, "--gpus", "all")
	}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(spec.MemoryMB)+"m")
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUs, 'g', -1, 64))
	}
	args = append(args, spec.Image)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker run: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (d *DockerRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace / time.Second)
	if secs < 1 {
		secs = 1
	}
	out, err := exec.CommandContext(ctx, "docker", "stop", "-t", strconv.Itoa(secs), containerID).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker stop %s: %v: %s", containerID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, containerID)
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker rm %s: %v: %s", containerID, err, strings.TrimSpace(string(out)))
	}
	return nil
}
