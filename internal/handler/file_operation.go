package handler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/model"
)

// FileOperationType defines the type of file operation
type FileOperationType string

const (
	FileOperationRead   FileOperationType = "read"
	FileOperationWrite  FileOperationType = "write"
	FileOperationDelete FileOperationType = "delete"
	FileOperationMove   FileOperationType = "move"
	FileOperationCopy   FileOperationType = "copy"
)

// FileOperationPayload represents the payload of file_operation jobs. The
// job target is the source path, relative to the handler's base directory.
type FileOperationPayload struct {
	Operation   FileOperationType `json:"operation"`
	TargetPath  string            `json:"target_path,omitempty"`
	Content     string            `json:"content,omitempty"`
	Permissions os.FileMode       `json:"permissions,omitempty"`
}

// FileOperationHandler handles file operations confined to a base directory
type FileOperationHandler struct {
	logger  *zap.Logger
	baseDir string
}

// NewFileOperationHandler creates a new file operation handler
func NewFileOperationHandler(logger *zap.Logger, baseDir string) (*FileOperationHandler, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileOperationHandler{
		logger:  logger.Named("file-operation"),
		baseDir: abs,
	}, nil
}

// ExpectedDuration implements dispatcher.Strategy
func (h *FileOperationHandler) ExpectedDuration() time.Duration {
	return 5 * time.Second
}

// Run performs the file operation
func (h *FileOperationHandler) Run(ctx context.Context, exec *model.Execution) model.Outcome {
	var payload FileOperationPayload
	if err := decodePayload(exec.Definition.Payload, &payload); err != nil {
		return model.Failed(err)
	}

	sourcePath, err := h.resolve(exec.Definition.Target)
	if err != nil {
		return model.Failed(fmt.Errorf("source path: %w", err))
	}

	var targetPath string
	if payload.TargetPath != "" {
		targetPath, err = h.resolve(payload.TargetPath)
		if err != nil {
			return model.Failed(fmt.Errorf("target path: %w", err))
		}
	}

	h.logger.Info("Executing file operation",
		zap.String("instance_id", exec.Instance.ID),
		zap.String("operation", string(payload.Operation)),
		zap.String("source", sourcePath))

	var result []byte
	switch payload.Operation {
	case FileOperationRead:
		result, err = h.readFile(sourcePath)
	case FileOperationWrite:
		err = h.writeFile(sourcePath, []byte(payload.Content), payload.Permissions)
	case FileOperationDelete:
		err = os.Remove(sourcePath)
	case FileOperationMove:
		err = h.moveFile(sourcePath, targetPath)
	case FileOperationCopy:
		err = h.copyFile(ctx, sourcePath, targetPath)
	default:
		err = fmt.Errorf("unsupported operation: %q", payload.Operation)
	}
	if err != nil {
		return model.Failed(err)
	}
	return model.Succeeded(result)
}

// resolve joins p onto the base directory and rejects escapes
func (h *FileOperationHandler) resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(h.baseDir, p)
	rel, err := filepath.Rel(h.baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q must be within base directory", p)
	}
	return full, nil
}

func (h *FileOperationHandler) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxOutput))
}

func (h *FileOperationHandler) writeFile(path string, content []byte, perm os.FileMode) error {
	if perm == 0 {
		perm = 0644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, content, perm)
}

func (h *FileOperationHandler) moveFile(source, target string) error {
	if target == "" {
		return fmt.Errorf("move requires target_path")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	return os.Rename(source, target)
}

func (h *FileOperationHandler) copyFile(ctx context.Context, source, target string) error {
	if target == "" {
		return fmt.Errorf("copy requires target_path")
	}

	sourceFile, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	sourceInfo, err := sourceFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to get source file info: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	targetFile, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, sourceInfo.Mode())
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	defer targetFile.Close()

	if _, err = io.Copy(targetFile, &ctxReader{ctx: ctx, r: sourceFile}); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}

// ctxReader stops a copy once the attempt is cancelled
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
