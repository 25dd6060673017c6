// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner abstracts driving a sibling container so the drivers can be
// tested without docker
type Runner interface {
	// Exec runs a command inside the named container and returns stdout
	Exec(
		ctx context.Context,
		containerName string,
		args ...string,
	) (string, error)
	// Restart restarts the named container
	Restart(ctx context.Context, containerName string) error
	// Running reports whether the named container is running
	Running(ctx context.Context, containerName string) (bool, error)
}

// DockerRunner drives containers through the docker CLI. The service
// shares the docker socket with the host for exactly this purpose.
type DockerRunner struct {
	execTimeout time.Duration
}

func NewDockerRunner() *DockerRunner {
	return &DockerRunner{
		execTimeout: 30 * time.Second,
	}
}

func (r *DockerRunner) run(
	ctx context.Context,
	args ...string,
) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.execTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf(
			"docker %s: %w: %s",
			args[0],
			err,
			strings.TrimSpace(stderr.String()),
		)
	}
	return stdout.String(), nil
}

func (r *DockerRunner) Exec(
	ctx context.Context,
	containerName string,
	args ...string,
) (string, error) {
	execArgs := append([]string{"exec", containerName}, args...)
	return r.run(ctx, execArgs...)
}

func (r *DockerRunner) Restart(
	ctx context.Context,
	containerName string,
) error {
	_, err := r.run(ctx, "restart", containerName)
	return err
}

func (r *DockerRunner) Running(
	ctx context.Context,
	containerName string,
) (bool, error) {
	out, err := r.run(
		ctx,
		"inspect",
		"-f",
		"{{.State.Running}}",
		containerName,
	)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}
