package filewatcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ProcessResult describes what a processor did with a file.
type ProcessResult struct {
	Processor string
	Output    string
	Duration  time.Duration
}

// Processor handles a stable file instead of copying it.
type Processor interface {
	Handle(ctx context.Context, path string) (ProcessResult, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, path string) (ProcessResult, error)

func (f ProcessorFunc) Handle(ctx context.Context, path string) (ProcessResult, error) {
	return f(ctx, path)
}

// ExecProcessor runs an external command for each file. The {file} placeholder
// in the command is replaced with the file path, and FILE, FILE_NAME and
// FILE_DIR are exported to the command environment.
type ExecProcessor struct {
	name    string
	command string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewExecProcessor returns a processor running command for each file, bounded by timeout when positive.
func NewExecProcessor(name, command string, timeout time.Duration, logger zerolog.Logger) *ExecProcessor {
	return &ExecProcessor{
		name:    name,
		command: command,
		timeout: timeout,
		logger:  logger.With().Str("processor", name).Logger(),
	}
}

func (p *ExecProcessor) Handle(ctx context.Context, filePath string) (ProcessResult, error) {
	program := strings.ReplaceAll(p.command, "{file}", filePath)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	// Use the shell so pipes and redirects in the command work.
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", program)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", program)
	}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("FILE=%s", filePath),
		fmt.Sprintf("FILE_NAME=%s", filepath.Base(filePath)),
		fmt.Sprintf("FILE_DIR=%s", filepath.Dir(filePath)))

	p.logger.Debug().Str("program", program).Str("file", filePath).Msg("Executing external program")

	start := time.Now()
	output, err := cmd.CombinedOutput()
	result := ProcessResult{
		Processor: p.name,
		Output:    strings.TrimSpace(string(output)),
		Duration:  time.Since(start),
	}
	if err != nil {
		return result, fmt.Errorf("processor %s: %w", p.name, err)
	}
	return result, nil
}
