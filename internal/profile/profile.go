// Package profile manages per-profile settings and directory layout.
// Records live in the SQLite store; images live on the filesystem under
// <data>/Profiles/<name>/{frames,references,captures}.
package profile

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/frametrace/frametrace/internal/storage"
)

const (
	DefaultDetectionThreshold = 0.70
	MinDetectionThreshold     = 0.50
	MaxDetectionThreshold     = 0.95

	DefaultTargetFPS = 30
	MinTargetFPS     = 1
	MaxTargetFPS     = 60

	DefaultFrameWidth  = 1280
	DefaultFrameHeight = 720
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)

// Manager resolves profile settings and directories.
type Manager struct {
	store   *storage.Store
	dataDir string
}

// NewManager creates a profile manager rooted at dataDir.
func NewManager(store *storage.Store, dataDir string) *Manager {
	return &Manager{store: store, dataDir: dataDir}
}

// ValidateName checks a profile name for safe filesystem storage.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("profile name cannot be empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("profile name is not allowed")
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("profile name cannot include path separators")
	}
	if !nameRe.MatchString(trimmed) {
		return fmt.Errorf("profile name can only include letters, numbers, spaces, _ or -")
	}
	return nil
}

// Dirs holds the filesystem layout of one profile.
type Dirs struct {
	Root       string
	Frames     string
	References string
	Captures   string
}

// Path returns the root directory of a profile.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dataDir, "Profiles", name)
}

// DebugDir returns the shared debug-image directory.
func (m *Manager) DebugDir() string {
	return filepath.Join(m.dataDir, "Debug")
}

// Dirs ensures the profile directory tree exists and returns it.
func (m *Manager) Dirs(name string) (Dirs, error) {
	root := m.Path(name)
	d := Dirs{
		Root:       root,
		Frames:     filepath.Join(root, "frames"),
		References: filepath.Join(root, "references"),
		Captures:   filepath.Join(root, "captures"),
	}
	for _, p := range []string{d.Frames, d.References, d.Captures} {
		if err := os.MkdirAll(p, 0755); err != nil {
			return Dirs{}, fmt.Errorf("failed to create profile directory: %w", err)
		}
	}
	return d, nil
}

// Create makes a new profile with its directory tree and record.
func (m *Manager) Create(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := os.Stat(m.Path(name)); err == nil {
		return fmt.Errorf("a profile with that name already exists")
	}
	if _, err := m.Dirs(name); err != nil {
		return err
	}
	return m.store.CreateProfile(name)
}

// Delete removes a profile record and its filesystem contents. The target
// is resolved and checked against the profile base to block traversal.
func (m *Manager) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	base, err := filepath.Abs(filepath.Join(m.dataDir, "Profiles"))
	if err != nil {
		return err
	}
	target, err := filepath.Abs(m.Path(name))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(target, base+string(filepath.Separator)) {
		return fmt.Errorf("invalid profile path")
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return m.store.DeleteProfile(name)
}

// List returns profile names, discovering untracked directories left over
// from a previous data directory.
func (m *Manager) List() ([]string, error) {
	names, err := m.store.ListProfiles()
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		return names, nil
	}

	entries, err := os.ReadDir(filepath.Join(m.dataDir, "Profiles"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := m.store.CreateProfile(e.Name()); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// CameraDevice returns the stored camera selection for a profile.
func (m *Manager) CameraDevice(name string) (string, error) {
	p, err := m.store.GetProfile(name)
	if err != nil || p == nil {
		return "", err
	}
	return p.CameraDevice, nil
}

// SetCameraDevice stores the camera selection; empty clears it.
func (m *Manager) SetCameraDevice(name, device string) error {
	return m.store.UpdateProfileFields(name, storage.ProfileUpdate{CameraDevice: &device})
}

// SelectedReference returns the reference name the profile restricts
// matching to, empty meaning match against every reference.
func (m *Manager) SelectedReference(name string) (string, error) {
	p, err := m.store.GetProfile(name)
	if err != nil || p == nil {
		return "", err
	}
	return p.SelectedReference, nil
}

// SetSelectedReference restricts matching to one reference; empty clears
// the restriction.
func (m *Manager) SetSelectedReference(name, reference string) error {
	return m.store.UpdateProfileFields(name, storage.ProfileUpdate{SelectedReference: &reference})
}

// TargetFPS returns the profile frame rate clamped to the valid range.
func (m *Manager) TargetFPS(name string) int {
	p, err := m.store.GetProfile(name)
	if err != nil || p == nil || p.TargetFPS == 0 {
		return DefaultTargetFPS
	}
	return clampInt(p.TargetFPS, MinTargetFPS, MaxTargetFPS)
}

// DetectionThreshold returns the profile threshold clamped to the valid
// range.
func (m *Manager) DetectionThreshold(name string) float64 {
	p, err := m.store.GetProfile(name)
	if err != nil || p == nil || p.DetectionThreshold == 0 {
		return DefaultDetectionThreshold
	}
	if p.DetectionThreshold < MinDetectionThreshold {
		return MinDetectionThreshold
	}
	if p.DetectionThreshold > MaxDetectionThreshold {
		return MaxDetectionThreshold
	}
	return p.DetectionThreshold
}

// FrameSize returns the capture frame size for a profile. Profiles do not
// currently override it, so the fallback applies.
func (m *Manager) FrameSize(name string) (int, int) {
	return DefaultFrameWidth, DefaultFrameHeight
}

// UpdateSettings persists the given detection threshold and target frame
// rate, clamping each to its valid range. Nil fields are left unchanged.
func (m *Manager) UpdateSettings(name string, threshold *float64, targetFPS *int) error {
	var update storage.ProfileUpdate
	if threshold != nil {
		t := *threshold
		if t < MinDetectionThreshold {
			t = MinDetectionThreshold
		}
		if t > MaxDetectionThreshold {
			t = MaxDetectionThreshold
		}
		update.DetectionThreshold = &t
	}
	if targetFPS != nil {
		fps := clampInt(*targetFPS, MinTargetFPS, MaxTargetFPS)
		update.TargetFPS = &fps
	}
	return m.store.UpdateProfileFields(name, update)
}

// SaveCapture writes one raw bgr24 frame into the profile's captures
// directory as a PNG and records it. Returns the saved path.
func (m *Manager) SaveCapture(name string, payload []byte, width, height int) (string, error) {
	if len(payload) != width*height*3 {
		return "", fmt.Errorf("frame is %d bytes, want %d", len(payload), width*height*3)
	}
	dirs, err := m.Dirs(name)
	if err != nil {
		return "", err
	}

	fileName := fmt.Sprintf("capture_%s.png", time.Now().Format("20060102_150405"))
	path := filepath.Join(dirs.Captures, fileName)

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		img.SetRGBA(i%width, i/width, color.RGBA{
			R: payload[i*3+2],
			G: payload[i*3+1],
			B: payload[i*3],
			A: 255,
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	if err := m.store.AddFrame(name, fileName, path); err != nil {
		return "", err
	}
	return path, nil
}

// Store exposes the underlying record store.
func (m *Manager) Store() *storage.Store {
	return m.store
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
