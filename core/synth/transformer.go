package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"SynthFM/core/errs"
	"SynthFM/logger"

	"github.com/google/uuid"
)

// Transformer turns an input file into a genre-conditioned result file.
// The returned path is owned by the caller.
type Transformer interface {
	Transform(ctx context.Context, inputPath, genre string) (string, error)
}

// CommandTransformer runs an external program as
// `<command...> <input> <genre> <output>`.
type CommandTransformer struct {
	command   []string
	outputDir string
	timeout   time.Duration
}

// NewCommandTransformer splits command on whitespace. A zero timeout leaves
// the run bounded only by the caller's context.
func NewCommandTransformer(command, outputDir string, timeout time.Duration) (*CommandTransformer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("synth command is empty")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", outputDir, err)
	}
	return &CommandTransformer{command: fields, outputDir: outputDir, timeout: timeout}, nil
}

func (t *CommandTransformer) Transform(ctx context.Context, inputPath, genre string) (string, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	outputPath := filepath.Join(t.outputDir, uuid.NewString()+filepath.Ext(inputPath))
	args := append(append([]string{}, t.command[1:]...), inputPath, genre, outputPath)

	cmd := exec.CommandContext(ctx, t.command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	logger.Info("[Synth] 开始转换",
		logger.String("input", inputPath),
		logger.String("genre", genre))

	if err := cmd.Run(); err != nil {
		os.Remove(outputPath)
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: transform timed out after %s", errs.ErrTransformFailure, time.Since(start).Round(time.Second))
		}
		return "", fmt.Errorf("%w: %s failed: %v: %s", errs.ErrTransformFailure, t.command[0], err, strings.TrimSpace(stderr.String()))
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outputPath)
		return "", fmt.Errorf("%w: transform produced no output", errs.ErrTransformFailure)
	}

	logger.Info("[Synth] 转换完成",
		logger.String("output", outputPath),
		logger.Int64("size", info.Size()),
		logger.Duration("elapsed", time.Since(start)))
	return outputPath, nil
}
