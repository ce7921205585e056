package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/model"
)

// ContainerAPI is the subset of the Docker engine client used by ContainerHandler
type ContainerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// ContainerPayload represents the optional payload of container jobs. The
// job target is the image reference.
type ContainerPayload struct {
	Cmd  []string          `json:"cmd"`
	Env  map[string]string `json:"env"`
	Pull bool              `json:"pull"`
}

// ContainerHandler runs a job as a one-shot Docker container
type ContainerHandler struct {
	logger *zap.Logger
	docker ContainerAPI
}

// NewContainerHandler connects to the Docker engine from the environment
func NewContainerHandler(logger *zap.Logger) (*ContainerHandler, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewContainerHandlerWithClient(logger, docker), nil
}

// NewContainerHandlerWithClient creates a handler on an existing client
func NewContainerHandlerWithClient(logger *zap.Logger, docker ContainerAPI) *ContainerHandler {
	return &ContainerHandler{
		logger: logger.Named("container"),
		docker: docker,
	}
}

// Close closes the Docker client
func (h *ContainerHandler) Close() error {
	return h.docker.Close()
}

// ExpectedDuration implements dispatcher.Strategy
func (h *ContainerHandler) ExpectedDuration() time.Duration {
	return 5 * time.Minute
}

// Run creates, starts and waits for the container, then collects its logs
func (h *ContainerHandler) Run(ctx context.Context, exec *model.Execution) model.Outcome {
	var payload ContainerPayload
	if err := decodePayload(exec.Definition.Payload, &payload); err != nil {
		return model.Failed(err)
	}
	ref := exec.Definition.Target
	if ref == "" {
		return model.Failed(errors.New("container requires a target image"))
	}

	if payload.Pull {
		if err := h.pull(ctx, ref); err != nil {
			return model.Failed(err)
		}
	}

	env := make([]string, 0, len(payload.Env))
	for k, v := range payload.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	name := fmt.Sprintf("jobflow-%s-%d", exec.Instance.ID, exec.Instance.AttemptCount)
	created, err := h.docker.ContainerCreate(ctx, &container.Config{
		Image: ref,
		Cmd:   payload.Cmd,
		Env:   env,
		Labels: map[string]string{
			"jobflow.instance_id": exec.Instance.ID,
			"jobflow.job_id":      exec.Definition.ID,
		},
	}, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return model.Failed(fmt.Errorf("failed to create container: %w", err))
	}
	defer h.remove(created.ID)

	h.logger.Info("Starting container",
		zap.String("instance_id", exec.Instance.ID),
		zap.String("image", ref),
		zap.String("container_id", created.ID))

	if err := h.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return model.Failed(fmt.Errorf("failed to start container: %w", err))
	}

	statusCh, errCh := h.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return model.Failed(fmt.Errorf("failed to wait for container: %w", err))
		}
	case status := <-statusCh:
		if status.Error != nil {
			return model.Failed(fmt.Errorf("container wait error: %s", status.Error.Message))
		}
		exitCode = status.StatusCode
	case <-ctx.Done():
		return model.Failed(ctx.Err())
	}

	output, err := h.collectLogs(ctx, created.ID)
	if err != nil {
		h.logger.Warn("Failed to collect container logs",
			zap.String("container_id", created.ID),
			zap.Error(err))
	}

	if exitCode != 0 {
		return model.Outcome{
			Err:    fmt.Sprintf("container exited with code %d: %s", exitCode, strings.TrimSpace(string(output))),
			Output: output,
		}
	}
	return model.Succeeded(output)
}

func (h *ContainerHandler) pull(ctx context.Context, ref string) error {
	reader, err := h.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

// collectLogs demultiplexes the container's stdout and stderr
func (h *ContainerHandler) collectLogs(ctx context.Context, containerID string) ([]byte, error) {
	reader, err := h.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	defer reader.Close()

	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, io.LimitReader(reader, maxOutput)); err != nil {
		return truncate(combined.Bytes()), err
	}
	return truncate(combined.Bytes()), nil
}

func (h *ContainerHandler) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := h.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		h.logger.Warn("Failed to remove container",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
}
