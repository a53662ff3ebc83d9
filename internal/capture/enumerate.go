package capture

import (
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/frametrace/frametrace/internal/logger"
)

// Device describes one resolvable camera identity.
type Device struct {
	DisplayName string
	Token       string
	Backend     Backend
	IsVirtual   bool
}

// InputCandidate is one capture input to attempt, with the reason it was
// produced from the stored selection.
type InputCandidate struct {
	Token     string
	Reason    string
	IsVirtual bool
}

var (
	quotedNameRe   = regexp.MustCompile(`"([^"]+)"`)
	avfIndexRe     = regexp.MustCompile(`\[[0-9]+\]\s+(.+)$`)
	v4l2SourceRe   = regexp.MustCompile(`\*\s+(\S+)\s+\[(.+)\]`)
	placeholderRe  = regexp.MustCompile(`(?i)^camera\s*\d+$`)
	virtualNameRe  = regexp.MustCompile(`(?i)virtual|obs|droidcam|snap camera|screen capture|loopback`)
	enumRunTimeout = 10 * time.Second
)

// Enumerator lists camera devices via ffmpeg without opening streams.
type Enumerator struct {
	FFmpegPath string
	Backend    Backend

	// runner is swapped in tests; defaults to running ffmpeg.
	runner func(ctx context.Context, args []string) (string, error)
}

// NewEnumerator creates an enumerator for the current platform.
func NewEnumerator(ffmpegPath string) *Enumerator {
	return &Enumerator{
		FFmpegPath: ResolveFFmpegPath(ffmpegPath),
		Backend:    PlatformBackend(),
	}
}

// Devices returns camera descriptors parsed from the ffmpeg device listing.
// A missing ffmpeg binary surfaces as ErrFFmpegNotFound.
func (e *Enumerator) Devices(ctx context.Context) ([]Device, error) {
	log := logger.WithComponent("cam-enum")

	args := e.listArgs()
	output, err := e.run(ctx, args)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrFFmpegNotFound
		}
		// ffmpeg exits nonzero after -list_devices; the listing is still
		// on stderr, so parse whatever came back.
	}

	var names []string
	switch e.Backend {
	case BackendDShow:
		names = rejectPlaceholderNames(parseDShowVideoDevices(output))
	case BackendAVFoundation:
		names = parseAVFoundationVideoDevices(output)
	default:
		return e.parseV4L2Devices(output), nil
	}

	names = dedupeNames(names)
	log.Debug().Strs("devices", names).Msg("Enumerated camera devices")

	devices := make([]Device, 0, len(names))
	for _, name := range names {
		devices = append(devices, Device{
			DisplayName: name,
			Token:       name,
			Backend:     e.Backend,
			IsVirtual:   virtualNameRe.MatchString(name),
		})
	}
	return devices, nil
}

// BuildInputCandidates resolves a stored display name against the current
// enumeration. Empty when the selection is stale.
func (e *Enumerator) BuildInputCandidates(ctx context.Context, displayName string) ([]InputCandidate, error) {
	devices, err := e.Devices(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []InputCandidate
	for _, d := range devices {
		if strings.EqualFold(d.DisplayName, displayName) {
			candidates = append(candidates, InputCandidate{
				Token:     d.Token,
				Reason:    "stored selection matches enumeration",
				IsVirtual: d.IsVirtual,
			})
		}
	}
	return candidates, nil
}

func (e *Enumerator) listArgs() []string {
	switch e.Backend {
	case BackendDShow:
		return []string{e.FFmpegPath, "-hide_banner", "-list_devices", "true", "-f", "dshow", "-i", "dummy"}
	case BackendAVFoundation:
		return []string{e.FFmpegPath, "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""}
	default:
		return []string{e.FFmpegPath, "-hide_banner", "-sources", "v4l2"}
	}
}

func (e *Enumerator) run(ctx context.Context, args []string) (string, error) {
	if e.runner != nil {
		return e.runner(ctx, args)
	}
	runCtx, cancel := context.WithTimeout(ctx, enumRunTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// parseDShowVideoDevices extracts quoted device names from the video
// section of a -list_devices dump, skipping alternative-name lines.
func parseDShowVideoDevices(output string) []string {
	var devices []string
	inVideo := false
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "DirectShow video devices") {
			inVideo = true
			continue
		}
		if strings.Contains(line, "DirectShow audio devices") {
			inVideo = false
		}
		if !inVideo || strings.Contains(line, "Alternative name") {
			continue
		}
		if m := quotedNameRe.FindStringSubmatch(line); m != nil {
			if name := strings.TrimSpace(m[1]); name != "" {
				devices = append(devices, name)
			}
		}
	}
	return devices
}

func parseAVFoundationVideoDevices(output string) []string {
	var devices []string
	inVideo := false
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "AVFoundation video devices") {
			inVideo = true
			continue
		}
		if strings.Contains(line, "AVFoundation audio devices") {
			inVideo = false
		}
		if !inVideo {
			continue
		}
		if m := avfIndexRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			devices = append(devices, strings.TrimSpace(m[1]))
		}
	}
	return devices
}

// parseV4L2Devices parses "ffmpeg -sources v4l2" lines of the form
// "* /dev/video0 [Integrated Camera]". The device path is the token.
func (e *Enumerator) parseV4L2Devices(output string) []Device {
	var devices []Device
	seen := make(map[string]struct{})
	for _, line := range strings.Split(output, "\n") {
		stripped := strings.TrimSpace(line)
		if !strings.HasPrefix(stripped, "*") {
			continue
		}
		m := v4l2SourceRe.FindStringSubmatch(stripped)
		if m == nil {
			continue
		}
		token := m[1]
		name := strings.TrimSpace(m[2])
		if _, ok := seen[strings.ToLower(token)]; ok {
			continue
		}
		seen[strings.ToLower(token)] = struct{}{}
		devices = append(devices, Device{
			DisplayName: name,
			Token:       token,
			Backend:     BackendV4L2,
			IsVirtual:   virtualNameRe.MatchString(name),
		})
	}
	return devices
}

// rejectPlaceholderNames drops fabricated "Camera N" entries some drivers
// report for detached devices.
func rejectPlaceholderNames(names []string) []string {
	log := logger.WithComponent("cam-enum")
	var valid []string
	for _, name := range names {
		if placeholderRe.MatchString(strings.TrimSpace(name)) {
			log.Warn().Str("name", name).Msg("Rejecting placeholder camera name")
			continue
		}
		valid = append(valid, name)
	}
	return valid
}

func dedupeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
