// Package handler provides the built-in job strategies.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/config"
	"github.com/t77yq/jobflow/internal/dispatcher"
)

// Job types served by this package
const (
	TypeHTTPRequest       = "http_request"
	TypeShellCommand      = "shell_command"
	TypeFileOperation     = "file_operation"
	TypeDatabaseOperation = "database_operation"
	TypeContainer         = "container"
)

// maxOutput bounds the output captured from one attempt
const maxOutput = 64 << 10

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}

func truncate(b []byte) []byte {
	if len(b) > maxOutput {
		return b[:maxOutput]
	}
	return b
}

// EnabledTypes lists the job types Register enables for cfg
func EnabledTypes(cfg config.DispatcherConfig) []string {
	types := []string{TypeHTTPRequest, TypeShellCommand}
	if cfg.FileBaseDir != "" {
		types = append(types, TypeFileOperation)
	}
	if cfg.DatabasePath != "" {
		types = append(types, TypeDatabaseOperation)
	}
	if cfg.DockerEnabled {
		types = append(types, TypeContainer)
	}
	return types
}

// Register adds every strategy enabled by cfg to reg. The returned function
// releases handler resources.
func Register(reg *dispatcher.Registry, cfg config.DispatcherConfig, logger *zap.Logger) (func() error, error) {
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	reg.Register(TypeHTTPRequest, NewHTTPRequestHandler(logger))
	reg.Register(TypeShellCommand, NewShellCommandHandler(logger, cfg.ShellWorkingDir))

	if cfg.FileBaseDir != "" {
		h, err := NewFileOperationHandler(logger, cfg.FileBaseDir)
		if err != nil {
			return closeAll, err
		}
		reg.Register(TypeFileOperation, h)
	}

	if cfg.DatabasePath != "" {
		h, err := OpenDatabaseOperationHandler(logger, cfg.DatabasePath)
		if err != nil {
			return closeAll, err
		}
		closers = append(closers, h.Close)
		reg.Register(TypeDatabaseOperation, h)
	}

	if cfg.DockerEnabled {
		h, err := NewContainerHandler(logger)
		if err != nil {
			return closeAll, err
		}
		closers = append(closers, h.Close)
		reg.Register(TypeContainer, h)
	}

	logger.Info("Registered job strategies", zap.Strings("types", reg.Types()))
	return closeAll, nil
}
