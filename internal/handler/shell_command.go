package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/model"
)

// ShellCommandPayload represents the optional payload of shell_command jobs.
// Without args the target runs through `sh -c`; with args the target is
// executed directly.
type ShellCommandPayload struct {
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
}

// ShellCommandHandler handles shell command execution
type ShellCommandHandler struct {
	logger     *zap.Logger
	workingDir string
}

// NewShellCommandHandler creates a new shell command handler
func NewShellCommandHandler(logger *zap.Logger, workingDir string) *ShellCommandHandler {
	return &ShellCommandHandler{
		logger:     logger.Named("shell-command"),
		workingDir: workingDir,
	}
}

// ExpectedDuration implements dispatcher.Strategy
func (h *ShellCommandHandler) ExpectedDuration() time.Duration {
	return 30 * time.Second
}

// Run runs the shell command
func (h *ShellCommandHandler) Run(ctx context.Context, exec *model.Execution) model.Outcome {
	var payload ShellCommandPayload
	if err := decodePayload(exec.Definition.Payload, &payload); err != nil {
		return model.Failed(err)
	}

	command := exec.Definition.Target
	if command == "" {
		return model.Failed(errors.New("shell_command requires a target command"))
	}

	cmd := h.command(ctx, command, payload)

	h.logger.Info("Executing shell command",
		zap.String("instance_id", exec.Instance.ID),
		zap.String("command", command),
		zap.Strings("args", payload.Args))

	output, err := cmd.CombinedOutput()
	output = truncate(output)
	if err != nil {
		if ctx.Err() != nil {
			return model.Outcome{Err: fmt.Sprintf("command interrupted: %v", ctx.Err()), Output: output}
		}
		return model.Outcome{
			Err:    fmt.Sprintf("%v: %s", err, bytes.TrimSpace(output)),
			Output: output,
		}
	}
	return model.Succeeded(output)
}

func (h *ShellCommandHandler) command(ctx context.Context, command string, payload ShellCommandPayload) *exec.Cmd {
	var cmd *exec.Cmd
	if len(payload.Args) == 0 {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	} else {
		cmd = exec.CommandContext(ctx, command, payload.Args...)
	}
	// Children holding the output pipe must not outlive the attempt.
	cmd.WaitDelay = time.Second

	cmd.Dir = h.workingDir
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}

	if len(payload.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range payload.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return cmd
}
