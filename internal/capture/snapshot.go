package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/frametrace/frametrace/internal/logger"
)

const snapshotTimeout = 10 * time.Second

// Snapshot grabs a single raw bgr24 frame from the device without going
// through a long-lived supervisor. Used for preview thumbnails and for
// probing a config before committing to it.
func Snapshot(ctx context.Context, ffmpegPath string, backend Backend, token string, cfg Config) ([]byte, error) {
	log := logger.WithComponent("capture")

	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	args := BuildSnapshotArgs(ResolveFFmpegPath(ffmpegPath), backend, token, cfg)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFFmpegNotFound, args[0])
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("snapshot failed: %s", lastLine(detail))
	}

	want := cfg.FrameSize()
	if stdout.Len() != want {
		return nil, fmt.Errorf("snapshot returned %d bytes, want %d", stdout.Len(), want)
	}

	log.Debug().Str("token", token).Str("config", cfg.Label).Msg("Snapshot captured")
	return stdout.Bytes(), nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return s
}
