package ocr

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// stderrLogCap bounds how much of a failing tool's stderr lands in the log.
const stderrLogCap = 4 << 10

// Runner executes poppler and tesseract. Tests swap in a scripted fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// pdftoppm can leave children holding the pipes after a kill.
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		r.logger.Warn("ocr.exec.failed",
			"tool", name,
			"args", strings.Join(args, " "),
			"elapsed_ms", elapsed,
			"error", err,
			"stderr", clip(stderr.String(), stderrLogCap),
		)
		return stdout.Bytes(), stderr.Bytes(), err
	}
	r.logger.Debug("ocr.exec.ok", "tool", name, "elapsed_ms", elapsed, "stdout_bytes", stdout.Len())
	return stdout.Bytes(), stderr.Bytes(), nil
}

// clip caps tool output quoted in logs and errors.
func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
