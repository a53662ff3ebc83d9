package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Backend selects the ffmpeg input device format for the platform.
type Backend string

const (
	BackendDShow        Backend = "dshow"
	BackendAVFoundation Backend = "avfoundation"
	BackendV4L2         Backend = "v4l2"
)

// PlatformBackend returns the capture backend for the current OS.
func PlatformBackend() Backend {
	switch runtime.GOOS {
	case "windows":
		return BackendDShow
	case "darwin":
		return BackendAVFoundation
	default:
		return BackendV4L2
	}
}

// ResolveFFmpegPath locates the ffmpeg executable: explicit config value,
// FFMPEG_PATH environment variable, a bundled bin/ copy, then PATH lookup.
func ResolveFFmpegPath(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("FFMPEG_PATH"); env != "" {
		if info, err := os.Stat(env); err == nil && !info.IsDir() {
			return env
		}
	}
	if exe, err := os.Executable(); err == nil {
		bundled := filepath.Join(filepath.Dir(exe), "bin", ffmpegBinaryName())
		if _, err := os.Stat(bundled); err == nil {
			return bundled
		}
	}
	return "ffmpeg"
}

func ffmpegBinaryName() string {
	if runtime.GOOS == "windows" {
		return "ffmpeg.exe"
	}
	return "ffmpeg"
}

// BuildCaptureArgs builds the ffmpeg argument list for a continuous raw
// bgr24 capture on stdout. Frames carry no framing; boundaries are inferred
// from the exact frame byte size. Input size/fps flags are emitted only
// when the config forces them.
func BuildCaptureArgs(ffmpegPath string, backend Backend, token string, cfg Config) []string {
	args := []string{
		ffmpegPath,
		"-hide_banner",
		"-nostdin",
		"-loglevel", "info",
		"-f", string(backend),
		"-rtbufsize", "512M",
	}
	if cfg.InputWidth > 0 && cfg.InputHeight > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", cfg.InputWidth, cfg.InputHeight))
	}
	if cfg.InputFPS > 0 {
		args = append(args, "-framerate", fmt.Sprintf("%d", cfg.InputFPS))
	}
	args = append(args,
		"-i", inputArg(backend, token),
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height),
		"-pix_fmt", "bgr24",
		"-f", "rawvideo",
		"pipe:1",
	)
	return args
}

// BuildSnapshotArgs builds the ffmpeg argument list for a one-frame grab.
func BuildSnapshotArgs(ffmpegPath string, backend Backend, token string, cfg Config) []string {
	args := []string{
		ffmpegPath,
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-f", string(backend),
	}
	if cfg.InputWidth > 0 && cfg.InputHeight > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", cfg.InputWidth, cfg.InputHeight))
	}
	if cfg.InputFPS > 0 {
		args = append(args, "-framerate", fmt.Sprintf("%d", cfg.InputFPS))
	}
	args = append(args,
		"-i", inputArg(backend, token),
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height),
		"-pix_fmt", "bgr24",
		"-f", "rawvideo",
		"pipe:1",
	)
	return args
}

func inputArg(backend Backend, token string) string {
	if backend == BackendDShow {
		return "video=" + token
	}
	return token
}
